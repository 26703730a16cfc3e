package power

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/e3-lab/beammon/internal/monitoring"
	"github.com/e3-lab/beammon/internal/timeutil"
)

// ErrWriteFailed is returned when the port accepts fewer bytes than sent.
var ErrWriteFailed = errors.New("failed to write to serial port")

// ErrNoResponse is returned when a query gets no reply line in time.
var ErrNoResponse = errors.New("no response from power supply")

const (
	readTimeout   = 100 * time.Millisecond
	replyDeadline = 2 * time.Second
)

// TTi drives a TTi QL355TP triple output supply.
type TTi struct {
	port   SerialPorter
	clock  timeutil.Clock
	settle time.Duration

	mu      sync.Mutex
	pending []byte
	name    string
	closed  bool
}

// NewTTi wraps an open port. settle is the wait after switching outputs
// before voltages are meaningful.
func NewTTi(port SerialPorter, settle time.Duration, clock timeutil.Clock) *TTi {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if tp, ok := port.(TimeoutSerialPorter); ok {
		if err := tp.SetReadTimeout(readTimeout); err != nil {
			monitoring.Logf("[Power] failed to set read timeout: %v", err)
		}
	}
	return &TTi{port: port, clock: clock, settle: settle, name: "TTi QL355TP"}
}

// OpenTTi opens path with open and identifies the supply.
func OpenTTi(ctx context.Context, open PortOpener, path string, opts PortOptions, settle time.Duration) (*TTi, error) {
	if open == nil {
		open = OpenSerial
	}
	port, err := open(path, opts)
	if err != nil {
		return nil, err
	}
	t := NewTTi(port, settle, nil)
	if _, err := t.Identify(ctx); err != nil {
		port.Close()
		return nil, fmt.Errorf("identify supply on %s: %w", path, err)
	}
	return t, nil
}

// SendCommand writes one command line.
func (t *TTi) SendCommand(command string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sendLocked(command)
}

func (t *TTi) sendLocked(command string) error {
	if t.closed {
		return ErrUnavailable
	}
	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}
	n, err := t.port.Write([]byte(command))
	if err != nil {
		return err
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	return nil
}

// Query sends command and returns the trimmed reply line.
func (t *TTi) Query(ctx context.Context, command string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.sendLocked(command); err != nil {
		return "", err
	}
	return t.readLineLocked(ctx)
}

// readLineLocked collects bytes until a newline. A timed-out Read returns
// 0, nil so the loop is bounded by replyDeadline.
func (t *TTi) readLineLocked(ctx context.Context) (string, error) {
	deadline := t.clock.Now().Add(replyDeadline)
	buf := make([]byte, 64)
	for {
		if i := bytes.IndexByte(t.pending, '\n'); i >= 0 {
			line := string(t.pending[:i])
			t.pending = append(t.pending[:0], t.pending[i+1:]...)
			return strings.TrimSpace(line), nil
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, err := t.port.Read(buf)
		if n > 0 {
			t.pending = append(t.pending, buf[:n]...)
			continue
		}
		if err != nil {
			return "", fmt.Errorf("read reply: %w", err)
		}
		if !t.clock.Now().Before(deadline) {
			return "", ErrNoResponse
		}
		t.clock.Sleep(readTimeout)
	}
}

// Identify queries *IDN? and caches the model string for Name.
func (t *TTi) Identify(ctx context.Context) (string, error) {
	id, err := t.Query(ctx, "*IDN?")
	if err != nil {
		return "", err
	}
	t.mu.Lock()
	t.name = id
	t.mu.Unlock()
	return id, nil
}

func (t *TTi) switchAll(ctx context.Context, on bool) error {
	state := 0
	if on {
		state = 1
	}
	for _, ch := range Channels {
		if err := t.SendCommand(fmt.Sprintf("OP%d %d", ch, state)); err != nil {
			return fmt.Errorf("switch channel %d: %w", ch, err)
		}
	}
	if t.settle <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.clock.After(t.settle):
		return nil
	}
}

// PowerOn enables every output and waits for the settle time.
func (t *TTi) PowerOn(ctx context.Context) error {
	monitoring.Logf("[Power] switching outputs on")
	return t.switchAll(ctx, true)
}

// PowerOff disables every output and waits for the settle time.
func (t *TTi) PowerOff(ctx context.Context) error {
	monitoring.Logf("[Power] switching outputs off")
	return t.switchAll(ctx, false)
}

// Voltage reads back the output voltage of channel.
func (t *TTi) Voltage(ctx context.Context, channel int) (float64, error) {
	reply, err := t.Query(ctx, fmt.Sprintf("V%dO?", channel))
	if err != nil {
		return 0, err
	}
	return ParseVoltage(reply)
}

// ParseVoltage parses a readback such as "1.200V" or "V1 1.200".
func ParseVoltage(reply string) (float64, error) {
	s := strings.TrimSpace(reply)
	if i := strings.LastIndexByte(s, ' '); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.ToUpper(s), "V")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("unexpected voltage reply %q", reply)
	}
	return v, nil
}

// Available reports whether the port is still open.
func (t *TTi) Available() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed
}

// Name returns the identity string of the supply.
func (t *TTi) Name() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.name
}

// Close closes the serial port.
func (t *TTi) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.port.Close()
}
