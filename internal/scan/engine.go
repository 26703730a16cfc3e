// Package scan defines the interface to the detector scan engine and ships a
// simulated engine that produces FE-I4 readout without hardware.
package scan

import (
	"context"
	"errors"
	"time"

	"github.com/e3-lab/beammon/internal/readout"
)

// ErrBusy is returned by Run while another run is active.
var ErrBusy = errors.New("scan engine busy")

// Kind names a scan or tuning procedure. The value doubles as the run id
// reported on the command channel.
type Kind string

const (
	DigitalScan          Kind = "digital_scan"
	AnalogScan           Kind = "analog_scan"
	GDACTuning           Kind = "gdac_tuning"
	TDACTuning           Kind = "tdac_tuning"
	NoiseOccupancyTuning Kind = "noise_occupancy_tuning"
	StuckPixelTuning     Kind = "stuck_pixel_tuning"
	SelfTriggerScan      Kind = "fei4_self_trigger_scan"
	ExtTriggerScan       Kind = "ext_trigger_scan"
)

// Acquisition reports whether k runs until cancelled rather than to
// completion.
func (k Kind) Acquisition() bool {
	return k == SelfTriggerScan || k == ExtTriggerScan
}

// Status is the engine's view of a run.
type Status int

const (
	StatusNone Status = iota
	StatusRunning
	StatusFinished
	StatusAborted
	StatusCrashed
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "RUNNING"
	case StatusFinished:
		return "FINISHED"
	case StatusAborted:
		return "ABORTED"
	case StatusCrashed:
		return "CRASHED"
	default:
		return "None"
	}
}

// Done reports whether the run has ended for any reason.
func (s Status) Done() bool {
	return s == StatusFinished || s == StatusAborted || s == StatusCrashed
}

// Config is passed to every run.
type Config struct {
	// ReadoutInterval is the FIFO readout period. Acquisitions use a short
	// interval so windows close on time.
	ReadoutInterval time.Duration

	// TargetThreshold is the GDAC/TDAC tuning target in PlsrDAC units.
	TargetThreshold int

	// Timeout ends the run with StatusFinished. Zero means no timeout.
	Timeout time.Duration
}

// Handle identifies a run.
type Handle struct {
	ID    uint64
	Kind  Kind
	RunID string
}

// Engine executes scans and delivers readout batches to a sink.
type Engine interface {
	// Run starts kind. With async false it blocks until the run ends and
	// returns the run's error; with async true it returns once the run has
	// started.
	Run(ctx context.Context, kind Kind, cfg Config, sink readout.Sink, async bool) (Handle, error)
	// Status reports the state of h.
	Status(h Handle) Status
	// Cancel asks h to stop. It does not wait.
	Cancel(h Handle)
}
