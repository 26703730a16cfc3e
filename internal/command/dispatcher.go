package command

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/e3-lab/beammon/internal/db"
	"github.com/e3-lab/beammon/internal/monitoring"
	"github.com/e3-lab/beammon/internal/scan"
	"github.com/e3-lab/beammon/internal/session"
	"github.com/e3-lab/beammon/internal/timeutil"
)

// Journal stores commands and their replies. *db.DB implements it.
type Journal interface {
	RecordCommand(c db.CommandRecord) (int64, error)
}

// Config wires a Dispatcher.
type Config struct {
	Controller *session.Controller
	Transport  Transport

	// Journal is optional.
	Journal Journal

	// PollInterval paces the tuning loop. Zero means one second.
	PollInterval time.Duration
	Clock        timeutil.Clock
}

type handler func(ctx context.Context, arg string) []string

// Dispatcher reads commands from a Transport and drives the Controller.
type Dispatcher struct {
	ctl     *session.Controller
	tr      Transport
	journal Journal
	poll    time.Duration
	clock   timeutil.Clock

	handlers map[string]handler

	// sent collects the replies of the command being handled.
	sent []string
	// exited is set when exit arrives inside a tuning loop.
	exited bool
}

// NewDispatcher creates a dispatcher with the standard command table.
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	if cfg.Controller == nil || cfg.Transport == nil {
		return nil, errors.New("command: controller and transport are required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	d := &Dispatcher{
		ctl:     cfg.Controller,
		tr:      cfg.Transport,
		journal: cfg.Journal,
		poll:    cfg.PollInterval,
		clock:   cfg.Clock,
	}

	ctl := d.ctl
	selfTrigger := func(ctx context.Context, _ string) []string {
		return ctl.StartAcquisition(ctx, session.SelfTrigger)
	}
	analysis := func(context.Context, string) []string { return ctl.ToggleAnalysis() }

	d.handlers = map[string]handler{
		"init":      func(ctx context.Context, _ string) []string { return ctl.Init(ctx) },
		"start":     selfTrigger,
		"startself": selfTrigger,
		"startext": func(ctx context.Context, _ string) []string {
			return ctl.StartAcquisition(ctx, session.ExternalTrigger)
		},
		"stop":     func(context.Context, string) []string { return ctl.Stop() },
		"exit":     func(context.Context, string) []string { return ctl.Exit() },
		"tune":     func(ctx context.Context, _ string) []string { return d.tune(ctx, session.TuneChain) },
		"fix":      func(ctx context.Context, _ string) []string { return d.tune(ctx, session.FixChain) },
		"sanalog":  func(ctx context.Context, _ string) []string { return ctl.StartScan(ctx, scan.AnalogScan) },
		"sdigital": func(ctx context.Context, _ string) []string { return ctl.StartScan(ctx, scan.DigitalScan) },
		"poweron":  func(ctx context.Context, _ string) []string { return ctl.PowerOn(ctx) },
		"poweroff": func(ctx context.Context, _ string) []string { return ctl.PowerOff(ctx) },
		"status":   func(ctx context.Context, _ string) []string { return ctl.Status(ctx) },
		"framerate": func(ctx context.Context, arg string) []string {
			return d.prompted(ctx, arg, ctl.FrameRatePrompt, ctl.SetFrameRate)
		},
		"threshold": func(ctx context.Context, arg string) []string {
			return d.prompted(ctx, arg, ctl.ThresholdPrompt, ctl.SetTargetThreshold)
		},
		"analyse": analysis,
		"analyze": analysis,
	}
	return d, nil
}

// Commands returns the known command keywords.
func (d *Dispatcher) Commands() []string {
	out := make([]string, 0, len(d.handlers))
	for k := range d.handlers {
		out = append(out, k)
	}
	return out
}

// Run handles commands until exit, transport close or ctx cancellation.
// Exit and a closed transport return nil.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		line, err := d.tr.Recv(ctx)
		if err != nil {
			if errors.Is(err, ErrTransportClosed) {
				return nil
			}
			return err
		}
		if d.Handle(ctx, line) {
			return nil
		}
	}
}

// Handle runs one command line and reports whether it was exit.
func (d *Dispatcher) Handle(ctx context.Context, line string) bool {
	d.sent = nil
	d.exited = false
	d.send(d.ctl.Refresh()...)

	name, arg := parse(line)
	h, ok := d.handlers[name]
	if !ok {
		monitoring.Debugf("[Command] ignoring unknown command %q", line)
		d.record(line)
		return false
	}

	monitoring.Logf("[Command] %s", line)
	d.send(d.call(ctx, name, h, arg)...)
	d.record(line)
	return name == "exit" || d.exited
}

func (d *Dispatcher) call(ctx context.Context, name string, h handler, arg string) (replies []string) {
	defer func() {
		if p := recover(); p != nil {
			monitoring.Logf("[Command] %s panicked: %v", name, p)
			replies = []string{fmt.Sprintf("Failed to %s: %v", name, p)}
		}
	}()
	return h(ctx, arg)
}

// prompted runs a setter with an inline argument, or asks for the value
// and waits for the next line.
func (d *Dispatcher) prompted(ctx context.Context, arg string, prompt func() []string, set func(string) []string) []string {
	if arg != "" {
		return set(arg)
	}
	d.send(prompt()...)
	value, err := d.tr.Recv(ctx)
	if err != nil {
		monitoring.Logf("[Command] waiting for value: %v", err)
		return nil
	}
	return set(value)
}

// tune starts a tuning chain and polls it until the controller is back to
// Idle. Only stop, status and exit are served meanwhile; other commands get
// a busy reply.
func (d *Dispatcher) tune(ctx context.Context, chain session.Chain) []string {
	d.send(d.ctl.StartTuning(ctx, chain)...)
	if !d.ctl.Mode().Tuning() {
		return nil
	}
	for {
		d.clock.Sleep(d.poll)
		if ctx.Err() != nil {
			return d.ctl.Stop()
		}
		if line, ok := d.tr.TryRecv(); ok {
			name, _ := parse(line)
			switch name {
			case "stop":
				d.send(d.ctl.Stop()...)
			case "status":
				d.send(d.ctl.Status(ctx)...)
			case "exit":
				d.exited = true
				return d.ctl.Exit()
			default:
				if _, known := d.handlers[name]; !known {
					monitoring.Debugf("[Command] ignoring unknown command %q", line)
					break
				}
				monitoring.Logf("[Command] %q ignored during %s", line, d.ctl.Mode())
				d.send(busyReply(name, d.ctl.Mode()))
			}
		}
		replies, done := d.ctl.Advance(ctx)
		d.send(replies...)
		if done {
			return nil
		}
	}
}

func busyReply(name string, m session.Mode) string {
	return fmt.Sprintf("%s ignored: %s in progress", name, m)
}

func (d *Dispatcher) send(lines ...string) {
	for _, l := range lines {
		d.sent = append(d.sent, l)
		if err := d.tr.Send(l); err != nil {
			monitoring.Logf("[Command] %v", err)
		}
	}
}

func (d *Dispatcher) record(line string) {
	if d.journal == nil {
		return
	}
	_, err := d.journal.RecordCommand(db.CommandRecord{
		Command:   line,
		Replies:   d.sent,
		ModeAfter: d.ctl.Mode().String(),
		Timestamp: float64(d.clock.Now().UnixNano()) / 1e9,
	})
	if err != nil {
		monitoring.Logf("[Command] journal: %v", err)
	}
}

// parse splits a command line into a lower-case keyword and the rest.
func parse(line string) (name, arg string) {
	line = strings.TrimSpace(line)
	name, arg, _ = strings.Cut(line, " ")
	return strings.ToLower(name), strings.TrimSpace(arg)
}
