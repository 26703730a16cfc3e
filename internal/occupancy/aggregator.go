package occupancy

import (
	"math"
	"sync/atomic"

	"github.com/e3-lab/beammon/internal/config"
	"github.com/e3-lab/beammon/internal/fei4"
	"github.com/e3-lab/beammon/internal/monitoring"
	"github.com/e3-lab/beammon/internal/readout"
)

// Window accumulates one integration window. It is owned by the Aggregator
// and only touched from the ingest goroutine.
type Window struct {
	HitCount       uint64
	Occupancy      *Histogram
	FirstTimestamp float64
	LastTimestamp  float64
	Batches        int
	ErrorBatches   int

	// Per-batch mean column and row of batches that had hits.
	ColumnSamples []float64
	RowSamples    []float64

	totSum   uint64
	totCount uint64
	started  bool
}

// Duration returns LastTimestamp - FirstTimestamp.
func (w *Window) Duration() float64 { return w.LastTimestamp - w.FirstTimestamp }

// Summary is the immutable result of a closed window. Occupancy is owned by
// the summary; consumers must not modify it.
type Summary struct {
	Seq          uint64
	WindowStart  float64
	WindowEnd    float64
	Duration     float64
	HitCount     uint64
	Batches      int
	ErrorBatches int
	RateHz       float64
	HasSpot      bool
	MedianColumn float64
	MedianRow    float64
	MeanToT      float64
	Occupancy    *Histogram
}

// SummaryHandler receives every closed window. Handlers run synchronously on
// the ingest goroutine, in registration order.
type SummaryHandler interface {
	HandleSummary(s *Summary)
}

// SummaryHandlerFunc adapts a function to SummaryHandler.
type SummaryHandlerFunc func(s *Summary)

// HandleSummary calls f(s).
func (f SummaryHandlerFunc) HandleSummary(s *Summary) { f(s) }

// Config holds aggregator settings.
type Config struct {
	// IntegrationTime is the window length in seconds. Values below
	// config.MinIntegrationTime are raised to it.
	IntegrationTime float64
}

// DefaultConfig returns the default aggregator configuration.
func DefaultConfig() Config {
	return Config{IntegrationTime: config.EmptyTuningConfig().GetIntegrationTime()}
}

// Stats contains aggregator counters.
type Stats struct {
	Batches         uint64
	Hits            uint64
	Windows         uint64
	EmptyWindows    uint64
	ClampedBatches  uint64
	ErrorBatches    uint64
	IntegrationTime float64
}

// Aggregator turns readout batches into window summaries. Ingest must be
// called from a single goroutine; SetIntegrationTime, Latest and Stats are
// safe from any goroutine.
type Aggregator struct {
	integrationBits atomic.Uint64
	handlers        []SummaryHandler

	window Window
	hitBuf []fei4.Hit
	seq    uint64
	latest atomic.Pointer[Summary]

	batches        atomic.Uint64
	hits           atomic.Uint64
	windows        atomic.Uint64
	emptyWindows   atomic.Uint64
	clampedBatches atomic.Uint64
	errorBatches   atomic.Uint64
}

// NewAggregator creates an Aggregator that reports closed windows to the
// given handlers.
func NewAggregator(cfg Config, handlers ...SummaryHandler) *Aggregator {
	a := &Aggregator{handlers: handlers}
	a.SetIntegrationTime(cfg.IntegrationTime)
	a.window.Occupancy = NewHistogram()
	return a
}

// SetIntegrationTime changes the window length. It takes effect for the
// next due check.
func (a *Aggregator) SetIntegrationTime(seconds float64) {
	if math.IsNaN(seconds) || seconds < config.MinIntegrationTime {
		seconds = config.MinIntegrationTime
	}
	a.integrationBits.Store(math.Float64bits(seconds))
}

// IntegrationTime returns the current window length in seconds.
func (a *Aggregator) IntegrationTime() float64 {
	return math.Float64frombits(a.integrationBits.Load())
}

// Ingest folds one batch into the current window and closes the window
// once its duration exceeds the integration time.
func (a *Aggregator) Ingest(b readout.Batch) {
	if b.TimestampStop < b.TimestampStart {
		monitoring.Debugf("[Aggregator] batch stop %.6f before start %.6f, clamping", b.TimestampStop, b.TimestampStart)
		b.TimestampStop = b.TimestampStart
		a.clampedBatches.Add(1)
	}

	w := &a.window
	if !w.started {
		w.started = true
		w.FirstTimestamp = b.TimestampStart
	}

	a.hitBuf = fei4.AppendHits(a.hitBuf[:0], b.Words)
	if n := len(a.hitBuf); n > 0 {
		var colSum, rowSum float64
		for _, h := range a.hitBuf {
			w.Occupancy.Add(int(h.Column), int(h.Row))
			colSum += float64(h.Column)
			rowSum += float64(h.Row)
			// ToT codes 14 and 15 mark late or absent hits.
			if h.ToT1 < 14 {
				w.totSum += uint64(h.ToT1)
				w.totCount++
			}
		}
		w.HitCount += uint64(n)
		w.ColumnSamples = append(w.ColumnSamples, colSum/float64(n))
		w.RowSamples = append(w.RowSamples, rowSum/float64(n))
		a.hits.Add(uint64(n))
	}

	w.Batches++
	if b.ErrorFlag != 0 {
		w.ErrorBatches++
		a.errorBatches.Add(1)
	}
	if b.TimestampStop > w.LastTimestamp || w.Batches == 1 {
		w.LastTimestamp = b.TimestampStop
	}
	a.batches.Add(1)

	if w.Duration() > a.IntegrationTime() {
		a.closeWindow()
	}
}

func (a *Aggregator) closeWindow() {
	w := &a.window
	a.seq++

	s := &Summary{
		Seq:          a.seq,
		WindowStart:  w.FirstTimestamp,
		WindowEnd:    w.LastTimestamp,
		Duration:     w.Duration(),
		HitCount:     w.HitCount,
		Batches:      w.Batches,
		ErrorBatches: w.ErrorBatches,
		RateHz:       float64(w.HitCount) / w.Duration(),
		Occupancy:    w.Occupancy,
	}
	if len(w.ColumnSamples) > 0 {
		s.HasSpot = true
		s.MedianColumn = Median(w.ColumnSamples)
		s.MedianRow = Median(w.RowSamples)
	}
	if w.totCount > 0 {
		s.MeanToT = float64(w.totSum) / float64(w.totCount)
	}

	a.windows.Add(1)
	if w.HitCount == 0 {
		a.emptyWindows.Add(1)
	}
	a.latest.Store(s)

	a.window = Window{
		Occupancy:     NewHistogram(),
		ColumnSamples: w.ColumnSamples[:0],
		RowSamples:    w.RowSamples[:0],
	}

	monitoring.Debugf("[Aggregator] window %d closed: hits=%d duration=%.3fs rate=%.0fHz", s.Seq, s.HitCount, s.Duration, s.RateHz)

	for _, h := range a.handlers {
		h.HandleSummary(s)
	}
}

// Reset discards the partially filled window. Like Ingest it must not run
// concurrently with other ingest-side calls.
func (a *Aggregator) Reset() {
	a.window = Window{Occupancy: NewHistogram()}
}

// Pending returns the hit count and duration of the open window. It reads
// ingest-side state and must be called from the ingest goroutine.
func (a *Aggregator) Pending() (hits uint64, duration float64) {
	return a.window.HitCount, a.window.Duration()
}

// Latest returns the most recently closed window, or nil.
func (a *Aggregator) Latest() *Summary {
	return a.latest.Load()
}

// Stats returns a snapshot of the aggregator counters.
func (a *Aggregator) Stats() Stats {
	return Stats{
		Batches:         a.batches.Load(),
		Hits:            a.hits.Load(),
		Windows:         a.windows.Load(),
		EmptyWindows:    a.emptyWindows.Load(),
		ClampedBatches:  a.clampedBatches.Load(),
		ErrorBatches:    a.errorBatches.Load(),
		IntegrationTime: a.IntegrationTime(),
	}
}
