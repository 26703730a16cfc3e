package power

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// FakeQL355TP is an in-memory serial port that answers like a QL355TP. It
// backs the --power-sim daemon mode and the driver tests.
type FakeQL355TP struct {
	mu sync.Mutex

	// Setpoints are the voltages reported for enabled outputs.
	Setpoints map[int]float64

	// Outputs holds the on/off state per channel.
	Outputs map[int]bool

	// Commands records every command line received.
	Commands []string

	// Silent suppresses all replies.
	Silent bool

	// WriteError is returned by the next Write call if set.
	WriteError error

	// ReadTimeout is the last value passed to SetReadTimeout.
	ReadTimeout time.Duration

	Closed bool

	in  bytes.Buffer
	out bytes.Buffer
}

// NewFakeQL355TP returns a fake supply with outputs off and the E3
// module setpoints of 1.2 V and 1.5 V on channels 1 and 2.
func NewFakeQL355TP() *FakeQL355TP {
	return &FakeQL355TP{
		Setpoints: map[int]float64{1: 1.2, 2: 1.5, 3: 5.0},
		Outputs:   map[int]bool{},
	}
}

// Write accepts command bytes and queues replies for complete lines.
func (f *FakeQL355TP) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Closed {
		return 0, errors.New("serial port closed")
	}
	if f.WriteError != nil {
		err := f.WriteError
		f.WriteError = nil
		return 0, err
	}

	f.in.Write(p)
	for {
		line, err := f.in.ReadString('\n')
		if err != nil {
			// Partial line: keep it for the next Write.
			f.in.Reset()
			f.in.WriteString(line)
			break
		}
		f.handleLocked(strings.TrimSpace(line))
	}
	return len(p), nil
}

func (f *FakeQL355TP) handleLocked(cmd string) {
	f.Commands = append(f.Commands, cmd)
	reply := func(format string, v ...any) {
		if !f.Silent {
			fmt.Fprintf(&f.out, format+"\r\n", v...)
		}
	}

	switch {
	case cmd == "*IDN?":
		reply("THURLBY THANDAR, QL355TP, 0, 1.00-1.00")
	case strings.HasPrefix(cmd, "OP"):
		var ch, state int
		if _, err := fmt.Sscanf(cmd, "OP%d %d", &ch, &state); err == nil {
			f.Outputs[ch] = state == 1
		}
	case strings.HasPrefix(cmd, "V") && strings.HasSuffix(cmd, "O?"):
		ch, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(cmd, "V"), "O?"))
		if err != nil {
			return
		}
		v := 0.0
		if f.Outputs[ch] {
			v = f.Setpoints[ch]
		}
		reply("%.3fV", v)
	}
}

// Read returns queued reply bytes. With nothing queued it behaves like a
// timed-out serial read and returns 0, nil.
func (f *FakeQL355TP) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Closed {
		return 0, errors.New("serial port closed")
	}
	if f.out.Len() == 0 {
		return 0, nil
	}
	return f.out.Read(p)
}

// SetReadTimeout implements TimeoutSerialPorter.
func (f *FakeQL355TP) SetReadTimeout(timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ReadTimeout = timeout
	return nil
}

// Close marks the port closed.
func (f *FakeQL355TP) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

// CommandLog returns a copy of the commands received so far.
func (f *FakeQL355TP) CommandLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Commands...)
}

// Opener returns a PortOpener that always hands out f.
func (f *FakeQL355TP) Opener() PortOpener {
	return func(string, PortOptions) (SerialPorter, error) { return f, nil }
}
