// Package beam infers beam on/off transitions, rate bursts and beam-spot
// drift from the stream of closed integration windows.
package beam

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/floats"

	"github.com/e3-lab/beammon/internal/config"
	"github.com/e3-lab/beammon/internal/monitoring"
	"github.com/e3-lab/beammon/internal/occupancy"
)

// Thresholds parameterise the detector.
type Thresholds struct {
	BeamOn         float64 // rate/median ratio above which the beam is on
	BeamOff        float64 // rate/median ratio below which the beam is off
	HitratePeak    float64 // burst factor over the baseline
	ColumnVariance float64 // spatial drift trigger, pixel^2
	RowVariance    float64 // spatial drift trigger, pixel^2
	ResetInterval  int     // spatial history cap
	StartLen       int     // windows needed before evaluation
	StartSum       float64 // summed rate needed before evaluation
	RateHistoryLen int     // bound on rate and baseline histories
	ColumnPitchMM  float64
	RowPitchMM     float64
}

// ThresholdsFromConfig reads the detector thresholds from a tuning config.
func ThresholdsFromConfig(c *config.TuningConfig) Thresholds {
	return Thresholds{
		BeamOn:         c.GetBeamOn(),
		BeamOff:        c.GetBeamOff(),
		HitratePeak:    c.GetHitratePeak(),
		ColumnVariance: c.GetColumnVariance(),
		RowVariance:    c.GetRowVariance(),
		ResetInterval:  c.GetResetInterval(),
		StartLen:       c.GetStartLen(),
		StartSum:       c.GetStartSum(),
		RateHistoryLen: c.GetRateHistoryLen(),
		ColumnPitchMM:  c.GetColumnPitchMM(),
		RowPitchMM:     c.GetRowPitchMM(),
	}
}

// DefaultThresholds returns the thresholds of an empty tuning config.
func DefaultThresholds() Thresholds {
	return ThresholdsFromConfig(config.EmptyTuningConfig())
}

// RollingBaseline is the detector's history. It is cleared when an
// acquisition session stops.
type RollingBaseline struct {
	RateHistory     []float64
	BaselineSamples []float64
	SpatialColumns  []float64
	SpatialRows     []float64
}

func (rb *RollingBaseline) clear() {
	rb.RateHistory = rb.RateHistory[:0]
	rb.BaselineSamples = rb.BaselineSamples[:0]
	rb.clearSpatial()
}

func (rb *RollingBaseline) clearSpatial() {
	rb.SpatialColumns = rb.SpatialColumns[:0]
	rb.SpatialRows = rb.SpatialRows[:0]
}

// appendBounded appends v and drops the oldest values beyond limit.
func appendBounded(xs []float64, v float64, limit int) []float64 {
	xs = append(xs, v)
	if limit > 0 && len(xs) > limit {
		n := copy(xs, xs[len(xs)-limit:])
		xs = xs[:n]
	}
	return xs
}

// Status is a point-in-time view of the detector for status queries.
type Status struct {
	State           State   `json:"-"`
	StateName       string  `json:"state"`
	Enabled         bool    `json:"enabled"`
	Armed           bool    `json:"armed"`
	RateHistoryLen  int     `json:"rate_history_len"`
	BaselineLen     int     `json:"baseline_len"`
	SpatialLen      int     `json:"spatial_len"`
	Baseline        float64 `json:"baseline_hz"`
	LastMedianRate  float64 `json:"median_rate_hz"`
	EventsPublished uint64  `json:"events"`
	StaleWindows    uint64  `json:"stale_windows"`
}

// Detector classifies window summaries. HandleSummary runs on the ingest
// goroutine; Reset, SetEnabled and Status may be called from the command
// goroutine, so the history is guarded by a mutex taken once per window.
type Detector struct {
	th       Thresholds
	handlers []EventHandler

	mu         sync.Mutex
	baseline   RollingBaseline
	state      State
	enabled    bool
	lastMedian float64
	events     uint64
	// gen counts resets. Handlers from Bind drop summaries of an older
	// generation.
	gen   uint64
	stale uint64
}

// NewDetector creates a detector reporting to the given handlers.
func NewDetector(th Thresholds, handlers ...EventHandler) *Detector {
	return &Detector{th: th, handlers: handlers, enabled: true}
}

// AddHandler registers another event handler. It must be called before the
// detector receives summaries.
func (d *Detector) AddHandler(h EventHandler) {
	d.handlers = append(d.handlers, h)
}

// HandleSummary observes s and forwards resulting events to the handlers.
func (d *Detector) HandleSummary(s *occupancy.Summary) {
	d.dispatch(d.Observe(s))
}

// Bind returns a handler that feeds the detector until the next Reset.
// Windows closed by an in-flight ingest after the reset are discarded, so
// a stopped session cannot refill the cleared baseline.
func (d *Detector) Bind() occupancy.SummaryHandler {
	d.mu.Lock()
	gen := d.gen
	d.mu.Unlock()
	return occupancy.SummaryHandlerFunc(func(s *occupancy.Summary) {
		d.mu.Lock()
		if d.gen != gen {
			d.stale++
			d.mu.Unlock()
			monitoring.Debugf("[Beam] dropping window %d of a reset session", s.Seq)
			return
		}
		events := d.observeLocked(s)
		d.mu.Unlock()
		d.dispatch(events)
	})
}

func (d *Detector) dispatch(events []Event) {
	for _, e := range events {
		for _, h := range d.handlers {
			h.HandleEvent(e)
		}
	}
}

// Observe folds one window into the history and returns the events it
// triggers, in evaluation order.
func (d *Detector) Observe(s *occupancy.Summary) []Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.observeLocked(s)
}

func (d *Detector) observeLocked(s *occupancy.Summary) []Event {
	rate := s.RateHz
	if !occupancy.Finite(rate) {
		monitoring.Debugf("[Beam] window %d has non-finite rate, skipping", s.Seq)
		return nil
	}

	rb := &d.baseline
	rb.RateHistory = appendBounded(rb.RateHistory, rate, d.th.RateHistoryLen)

	if !d.enabled || !d.armedLocked() {
		return nil
	}

	median := occupancy.Median(rb.RateHistory)
	if !occupancy.Finite(median) {
		return nil
	}
	d.lastMedian = median

	var events []Event
	emit := func(e Event) {
		e.WindowEnd = s.WindowEnd
		e.RateHz = rate
		e.MedianRate = median
		events = append(events, e)
	}

	if rate > median*d.th.BeamOn {
		rb.BaselineSamples = appendBounded(rb.BaselineSamples, median, d.th.RateHistoryLen)
		b := occupancy.Mean(rb.BaselineSamples)
		if d.state == Off {
			d.state = On
			emit(Event{Kind: BeamOn, BaselineHz: b})
		}
		if occupancy.Finite(b) && rate > d.th.HitratePeak*b {
			emit(Event{Kind: RateBurst, BaselineHz: b})
		}
	}

	if rate < median*d.th.BeamOff && d.state == On {
		d.state = Off
		emit(Event{Kind: BeamOff})
	}

	if d.state == On && s.HasSpot {
		if e, ok := d.checkDriftLocked(s); ok {
			emit(e)
		}
	}

	d.events += uint64(len(events))
	for _, e := range events {
		monitoring.Logf("[Beam] %s at window %d: rate=%.0fHz median=%.0fHz", e.Kind, s.Seq, e.RateHz, e.MedianRate)
	}
	return events
}

// checkDriftLocked appends the window's spot to the spatial history and
// reports a drift when the spread exceeds the variance thresholds.
func (d *Detector) checkDriftLocked(s *occupancy.Summary) (Event, bool) {
	rb := &d.baseline
	rb.SpatialColumns = append(rb.SpatialColumns, s.MedianColumn)
	rb.SpatialRows = append(rb.SpatialRows, s.MedianRow)

	varCol := occupancy.Variance(rb.SpatialColumns)
	varRow := occupancy.Variance(rb.SpatialRows)
	if occupancy.Finite(varCol, varRow) && (varCol > d.th.ColumnVariance || varRow > d.th.RowVariance) {
		fromCol := occupancy.Median(rb.SpatialColumns)
		fromRow := occupancy.Median(rb.SpatialRows)
		dc := (s.MedianColumn - fromCol) * d.th.ColumnPitchMM
		dr := (s.MedianRow - fromRow) * d.th.RowPitchMM
		dist := math.Hypot(dc, dr)
		rb.clearSpatial()
		if !occupancy.Finite(dist) {
			return Event{}, false
		}
		return Event{
			Kind:           SpotDrift,
			DisplacementMM: dist,
			FromColumn:     fromCol,
			FromRow:        fromRow,
			ToColumn:       s.MedianColumn,
			ToRow:          s.MedianRow,
		}, true
	}

	if len(rb.SpatialColumns) > d.th.ResetInterval {
		rb.clearSpatial()
	}
	return Event{}, false
}

func (d *Detector) armedLocked() bool {
	h := d.baseline.RateHistory
	return len(h) >= d.th.StartLen && floats.Sum(h) > d.th.StartSum
}

// SetEnabled switches classification on or off. Rates keep accumulating
// while disabled.
func (d *Detector) SetEnabled(on bool) {
	d.mu.Lock()
	d.enabled = on
	d.mu.Unlock()
}

// Enabled reports whether classification is on.
func (d *Detector) Enabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabled
}

// State returns the current beam state.
func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Reset clears the rolling baseline and returns the state to Off.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.baseline.clear()
	d.state = Off
	d.lastMedian = 0
	d.gen++
}

// Baseline returns a copy of the rolling baseline.
func (d *Detector) Baseline() RollingBaseline {
	d.mu.Lock()
	defer d.mu.Unlock()
	return RollingBaseline{
		RateHistory:     append([]float64(nil), d.baseline.RateHistory...),
		BaselineSamples: append([]float64(nil), d.baseline.BaselineSamples...),
		SpatialColumns:  append([]float64(nil), d.baseline.SpatialColumns...),
		SpatialRows:     append([]float64(nil), d.baseline.SpatialRows...),
	}
}

// Status returns a summary of the detector state.
func (d *Detector) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := Status{
		State:           d.state,
		StateName:       d.state.String(),
		Enabled:         d.enabled,
		Armed:           d.armedLocked(),
		RateHistoryLen:  len(d.baseline.RateHistory),
		BaselineLen:     len(d.baseline.BaselineSamples),
		SpatialLen:      len(d.baseline.SpatialColumns),
		LastMedianRate:  d.lastMedian,
		EventsPublished: d.events,
		StaleWindows:    d.stale,
	}
	if len(d.baseline.BaselineSamples) > 0 {
		st.Baseline = occupancy.Mean(d.baseline.BaselineSamples)
	}
	return st
}
