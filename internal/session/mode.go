package session

import "fmt"

// Mode is the controller's current activity.
type Mode int32

const (
	Idle Mode = iota
	Initializing
	DigitalScan
	AnalogScan
	GDACTuning
	TDACTuning
	NoiseOccTuning
	StuckPixelTuning
	SelfTriggerAcquisition
	ExternalTriggerAcquisition
	Terminated
)

var modeNames = [...]string{
	Idle:                       "idle",
	Initializing:               "initializing",
	DigitalScan:                "digital_scan",
	AnalogScan:                 "analog_scan",
	GDACTuning:                 "gdac_tuning",
	TDACTuning:                 "tdac_tuning",
	NoiseOccTuning:             "noise_occ_tuning",
	StuckPixelTuning:           "stuck_pixel_tuning",
	SelfTriggerAcquisition:     "self_trigger_acquisition",
	ExternalTriggerAcquisition: "external_trigger_acquisition",
	Terminated:                 "terminated",
}

func (m Mode) String() string {
	if m >= 0 && int(m) < len(modeNames) {
		return modeNames[m]
	}
	return fmt.Sprintf("Mode(%d)", int32(m))
}

// Scan reports whether m is a single calibration scan.
func (m Mode) Scan() bool { return m == DigitalScan || m == AnalogScan }

// Tuning reports whether m is a stage of a tuning chain.
func (m Mode) Tuning() bool {
	return m == GDACTuning || m == TDACTuning || m == NoiseOccTuning || m == StuckPixelTuning
}

// Acquisition reports whether m is a beam acquisition.
func (m Mode) Acquisition() bool {
	return m == SelfTriggerAcquisition || m == ExternalTriggerAcquisition
}

// Running reports whether an engine run belongs to m.
func (m Mode) Running() bool { return m.Scan() || m.Tuning() || m.Acquisition() }

// Chain is a two-stage tuning sequence.
type Chain int

const (
	// TuneChain runs GDAC then TDAC tuning.
	TuneChain Chain = iota
	// FixChain runs noise occupancy then stuck pixel tuning.
	FixChain
)

// Trigger selects the acquisition trigger source.
type Trigger int

const (
	SelfTrigger Trigger = iota
	ExternalTrigger
)
