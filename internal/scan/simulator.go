package scan

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/e3-lab/beammon/internal/fei4"
	"github.com/e3-lab/beammon/internal/monitoring"
	"github.com/e3-lab/beammon/internal/readout"
	"github.com/e3-lab/beammon/internal/timeutil"
)

// SimulatorConfig shapes the synthetic readout.
type SimulatorConfig struct {
	// Durations is how long each calibration kind runs.
	Durations map[Kind]time.Duration

	// Failures makes Run fail for the listed kinds.
	Failures map[Kind]error

	// BeamRate is the mean hit rate in Hz while a spill is on.
	BeamRate float64
	// NoiseRate is the mean hit rate in Hz between spills.
	NoiseRate float64
	// SpillOn and SpillOff set the extraction cycle.
	SpillOn  time.Duration
	SpillOff time.Duration

	// SpotColumn and SpotRow place the beam spot; SpotSigma is its width
	// in pixels.
	SpotColumn float64
	SpotRow    float64
	SpotSigma  float64
	// DriftEvery moves the spot by DriftColumns every interval. Zero
	// disables drift.
	DriftEvery   time.Duration
	DriftColumns float64

	Seed uint64
}

// DefaultSimulatorConfig returns a 1.2 s spill every 5 s at 20 kHz.
func DefaultSimulatorConfig() SimulatorConfig {
	return SimulatorConfig{
		Durations: map[Kind]time.Duration{
			DigitalScan:          2 * time.Second,
			AnalogScan:           3 * time.Second,
			GDACTuning:           5 * time.Second,
			TDACTuning:           5 * time.Second,
			NoiseOccupancyTuning: 8 * time.Second,
			StuckPixelTuning:     4 * time.Second,
		},
		BeamRate:     20000,
		NoiseRate:    20,
		SpillOn:      1200 * time.Millisecond,
		SpillOff:     3800 * time.Millisecond,
		SpotColumn:   40,
		SpotRow:      168,
		SpotSigma:    4,
		DriftEvery:   2 * time.Minute,
		DriftColumns: 12,
		Seed:         1,
	}
}

type simRun struct {
	handle Handle
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	status Status
	err    error
}

func (r *simRun) setStatus(s Status, err error) {
	r.mu.Lock()
	r.status = s
	r.err = err
	r.mu.Unlock()
}

func (r *simRun) getStatus() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Simulator is an Engine that fabricates FE-I4 readout. It runs one scan at
// a time, like the hardware.
type Simulator struct {
	cfg   SimulatorConfig
	clock timeutil.Clock

	mu     sync.Mutex
	nextID uint64
	runs   map[uint64]*simRun
	active *simRun
	rng    *rand.Rand
}

// NewSimulator creates a simulator. A nil clock uses the wall clock for
// batch timestamps.
func NewSimulator(cfg SimulatorConfig, clock timeutil.Clock) *Simulator {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Simulator{
		cfg:   cfg,
		clock: clock,
		runs:  make(map[uint64]*simRun),
		rng:   rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}
}

// Run implements Engine.
func (s *Simulator) Run(ctx context.Context, kind Kind, cfg Config, sink readout.Sink, async bool) (Handle, error) {
	s.mu.Lock()
	if s.active != nil && s.active.getStatus() == StatusRunning {
		s.mu.Unlock()
		return Handle{}, ErrBusy
	}
	if err := s.cfg.Failures[kind]; err != nil {
		s.mu.Unlock()
		return Handle{}, fmt.Errorf("%s: %w", kind, err)
	}
	s.nextID++
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if cfg.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	r := &simRun{
		handle: Handle{ID: s.nextID, Kind: kind, RunID: string(kind)},
		cancel: cancel,
		done:   make(chan struct{}),
		status: StatusRunning,
	}
	s.runs[r.handle.ID] = r
	s.active = r
	gen := s.newGenerator(kind)
	s.mu.Unlock()

	if sink == nil {
		sink = readout.Discard
	}
	if cfg.ReadoutInterval <= 0 {
		cfg.ReadoutInterval = time.Second
	}

	monitoring.Logf("[Scan] starting %s (readout interval %v)", kind, cfg.ReadoutInterval)
	if kind == GDACTuning || kind == TDACTuning {
		monitoring.Logf("[Scan] %s target threshold %d", kind, cfg.TargetThreshold)
	}

	if async {
		go s.execute(runCtx, r, gen, cfg, sink)
		return r.handle, nil
	}
	s.execute(runCtx, r, gen, cfg, sink)
	r.mu.Lock()
	err := r.err
	r.mu.Unlock()
	return r.handle, err
}

func (s *Simulator) execute(ctx context.Context, r *simRun, gen *generator, cfg Config, sink readout.Sink) {
	defer close(r.done)
	defer r.cancel()
	defer func() {
		if p := recover(); p != nil {
			monitoring.Logf("[Scan] %s crashed: %v", r.handle.RunID, p)
			r.setStatus(StatusCrashed, fmt.Errorf("%s crashed: %v", r.handle.RunID, p))
		}
	}()

	var end <-chan time.Time
	if !r.handle.Kind.Acquisition() {
		d := s.cfg.Durations[r.handle.Kind]
		timer := time.NewTimer(d)
		defer timer.Stop()
		end = timer.C
	}

	ticker := time.NewTicker(cfg.ReadoutInterval)
	defer ticker.Stop()

	last := s.clock.Now()
	for {
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				r.setStatus(StatusFinished, nil)
			} else {
				r.setStatus(StatusAborted, nil)
			}
			monitoring.Logf("[Scan] %s ended: %s", r.handle.RunID, r.getStatus())
			return
		case <-end:
			r.setStatus(StatusFinished, nil)
			monitoring.Logf("[Scan] %s finished", r.handle.RunID)
			return
		case <-ticker.C:
			now := s.clock.Now()
			sink.Ingest(gen.batch(last, now))
			last = now
		}
	}
}

// Status implements Engine.
func (s *Simulator) Status(h Handle) Status {
	s.mu.Lock()
	r := s.runs[h.ID]
	s.mu.Unlock()
	if r == nil {
		return StatusNone
	}
	return r.getStatus()
}

// Cancel implements Engine.
func (s *Simulator) Cancel(h Handle) {
	s.mu.Lock()
	r := s.runs[h.ID]
	s.mu.Unlock()
	if r != nil {
		r.cancel()
	}
}

// Wait blocks until h ends or ctx is done.
func (s *Simulator) Wait(ctx context.Context, h Handle) error {
	s.mu.Lock()
	r := s.runs[h.ID]
	s.mu.Unlock()
	if r == nil {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// generator produces the words of one run.
type generator struct {
	cfg     SimulatorConfig
	kind    Kind
	started time.Time
	src     rand.Source
	rng     *rand.Rand
	trigger uint32
}

func (s *Simulator) newGenerator(kind Kind) *generator {
	src := rand.NewPCG(s.rng.Uint64(), s.rng.Uint64())
	return &generator{
		cfg:     s.cfg,
		kind:    kind,
		started: s.clock.Now(),
		src:     src,
		rng:     rand.New(src),
	}
}

// rateAt returns the mean hit rate at t.
func (g *generator) rateAt(t time.Time) float64 {
	if !g.kind.Acquisition() {
		// Injection scans fire a fixed pattern over the whole matrix.
		return 5000
	}
	cycle := g.cfg.SpillOn + g.cfg.SpillOff
	if cycle <= 0 {
		return g.cfg.BeamRate
	}
	if t.Sub(g.started)%cycle < g.cfg.SpillOn {
		return g.cfg.BeamRate
	}
	return g.cfg.NoiseRate
}

func (g *generator) spotAt(t time.Time) (float64, float64) {
	col := g.cfg.SpotColumn
	if g.cfg.DriftEvery > 0 {
		steps := int(t.Sub(g.started) / g.cfg.DriftEvery)
		if steps%2 == 1 {
			col += g.cfg.DriftColumns
		}
	}
	return col, g.cfg.SpotRow
}

func (g *generator) batch(start, stop time.Time) readout.Batch {
	dt := stop.Sub(start).Seconds()
	lambda := g.rateAt(stop) * dt
	n := 0
	if lambda > 0 {
		n = int(distuv.Poisson{Lambda: lambda, Src: g.src}.Rand())
	}

	words := make([]uint32, 0, n+4)
	g.trigger++
	words = append(words, fei4.EncodeTrigger(g.trigger), fei4.EncodeDataHeader(uint16(g.trigger)))

	if g.kind.Acquisition() {
		col, row := g.spotAt(stop)
		sigma := math.Max(g.cfg.SpotSigma, 0.1)
		cd := distuv.Normal{Mu: col, Sigma: sigma, Src: g.src}
		rd := distuv.Normal{Mu: row, Sigma: sigma * 5, Src: g.src}
		for i := 0; i < n; i++ {
			c := clampPixel(cd.Rand(), fei4.NumColumns)
			r := clampPixel(rd.Rand(), fei4.NumRows)
			words = append(words, fei4.EncodeDataRecord(c, r, uint8(1+g.rng.IntN(12)), 15))
		}
	} else {
		for i := 0; i < n; i++ {
			c := uint16(1 + g.rng.IntN(fei4.NumColumns))
			r := uint16(1 + g.rng.IntN(fei4.NumRows))
			words = append(words, fei4.EncodeDataRecord(c, r, 6, 15))
		}
	}

	return readout.Batch{
		Words:          words,
		TimestampStart: float64(start.UnixNano()) / 1e9,
		TimestampStop:  float64(stop.UnixNano()) / 1e9,
	}
}

func clampPixel(v float64, limit int) uint16 {
	p := int(math.Round(v))
	if p < 1 {
		p = 1
	}
	if p > limit {
		p = limit
	}
	return uint16(p)
}
