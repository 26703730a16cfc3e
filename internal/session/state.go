package session

import (
	"time"

	"github.com/e3-lab/beammon/internal/beam"
	"github.com/e3-lab/beammon/internal/occupancy"
	"github.com/e3-lab/beammon/internal/scan"
)

// State is a point-in-time view of the controller for the HTTP status
// endpoint.
type State struct {
	Mode            string                `json:"mode"`
	RunID           string                `json:"run_id,omitempty"`
	RunStatus       string                `json:"run_status"`
	RunSeconds      float64               `json:"run_seconds,omitempty"`
	SessionID       string                `json:"session_id,omitempty"`
	IntegrationTime float64               `json:"integration_time"`
	TargetThreshold int                   `json:"target_threshold"`
	PowerSupply     string                `json:"power_supply"`
	PowerAvailable  bool                  `json:"power_available"`
	Detector        beam.Status           `json:"detector"`
	Aggregator      *occupancy.Stats      `json:"aggregator,omitempty"`
	Latest          *occupancy.TrendPoint `json:"latest,omitempty"`
	EventsDropped   uint64                `json:"events_dropped"`
}

// State returns the current controller state. It is safe from any
// goroutine.
func (c *Controller) State() State {
	st := State{
		Mode:            c.Mode().String(),
		RunStatus:       scan.StatusNone.String(),
		IntegrationTime: c.IntegrationTime(),
		TargetThreshold: c.TargetThreshold(),
		PowerSupply:     c.supply.Name(),
		PowerAvailable:  c.supply.Available(),
		Detector:        c.detector.Status(),
		EventsDropped:   c.eventsDropped.Load(),
	}
	if id := c.sessionID.Load(); id != nil {
		st.SessionID = *id
	}

	c.mu.Lock()
	h, hasRun, started, agg := c.run, c.hasRun, c.started, c.agg
	c.mu.Unlock()

	if hasRun {
		st.RunID = h.RunID
		st.RunStatus = c.engine.Status(h).String()
		if c.Mode().Running() {
			st.RunSeconds = c.clock.Since(started).Round(time.Millisecond).Seconds()
		}
	}
	if agg != nil {
		stats := agg.Stats()
		st.Aggregator = &stats
	}
	if s := c.trend.Latest(); s != nil {
		st.Latest = &occupancy.TrendPoint{
			WindowEnd:    s.WindowEnd,
			RateHz:       s.RateHz,
			HitCount:     s.HitCount,
			HasSpot:      s.HasSpot,
			MedianColumn: s.MedianColumn,
			MedianRow:    s.MedianRow,
		}
	}
	return st
}
