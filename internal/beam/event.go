package beam

import "fmt"

// State is the inferred beam state.
type State int

const (
	Off State = iota
	On
)

func (s State) String() string {
	if s == On {
		return "on"
	}
	return "off"
}

// EventKind classifies a detector event.
type EventKind int

const (
	BeamOn EventKind = iota + 1
	BeamOff
	RateBurst
	SpotDrift
)

func (k EventKind) String() string {
	switch k {
	case BeamOn:
		return "beam_on"
	case BeamOff:
		return "beam_off"
	case RateBurst:
		return "rate_burst"
	case SpotDrift:
		return "spot_drift"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is emitted by the detector when a window changes the beam state or
// shows a burst or a moving beam spot.
type Event struct {
	Kind      EventKind
	WindowEnd float64

	RateHz     float64
	MedianRate float64
	BaselineHz float64

	// SpotDrift only. From is the historical median spot, To the latest.
	DisplacementMM float64
	FromColumn     float64
	FromRow        float64
	ToColumn       float64
	ToRow          float64
}

// Message returns the one-line operator notification for the event.
func (e Event) Message() string {
	switch e.Kind {
	case BeamOn:
		return "beam: on"
	case BeamOff:
		return "beam: off"
	case RateBurst:
		return fmt.Sprintf("hitrate peak: %.0f [Hz]", e.RateHz)
	case SpotDrift:
		return fmt.Sprintf("Beamspot moved %0.2f mm", e.DisplacementMM)
	default:
		return e.Kind.String()
	}
}

// Messages returns Message followed by any detail lines.
func (e Event) Messages() []string {
	if e.Kind != SpotDrift {
		return []string{e.Message()}
	}
	return []string{
		e.Message(),
		fmt.Sprintf("from [%d %d]", int(e.FromColumn), int(e.FromRow)),
		fmt.Sprintf("to   [%d %d]", int(e.ToColumn), int(e.ToRow)),
	}
}

// EventHandler receives detector events.
type EventHandler interface {
	HandleEvent(e Event)
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(e Event)

// HandleEvent calls f(e).
func (f EventHandlerFunc) HandleEvent(e Event) { f(e) }
