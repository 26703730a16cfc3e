package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/e3-lab/beammon/internal/beam"
	"github.com/e3-lab/beammon/internal/config"
	"github.com/e3-lab/beammon/internal/db"
	"github.com/e3-lab/beammon/internal/monitoring"
	"github.com/e3-lab/beammon/internal/occupancy"
	"github.com/e3-lab/beammon/internal/power"
	"github.com/e3-lab/beammon/internal/readout"
	"github.com/e3-lab/beammon/internal/scan"
	"github.com/e3-lab/beammon/internal/timeutil"
)

// Reply strings that clients match on.
const (
	ReplyInitStart    = "start initializing"
	ReplyInitFailed   = "Failed to initialize"
	ReplyTerminate    = "Program terminates"
	ReplyInvalidInput = "invalid input"
	ReplyStatusNone   = "Status=None"
)

// eventQueueDepth bounds the beam events waiting for delivery. Events
// beyond it are dropped rather than stalling the readout goroutine.
const eventQueueDepth = 64

// Journal persists sessions and beam events. *db.DB implements it.
type Journal interface {
	StartSession(s db.SessionRecord) error
	EndSession(sessionID, status string, endedAt float64, windows, hits uint64) error
	RecordEvent(e db.EventRecord) (int64, error)
}

// Config wires a Controller to its collaborators.
type Config struct {
	Engine scan.Engine
	Power  power.Supply
	Tuning *config.TuningConfig

	// Publisher receives every window summary during scans and
	// acquisitions. Optional.
	Publisher occupancy.SummaryHandler

	// Journal is optional.
	Journal Journal

	// Notify pushes unsolicited lines (beam events) to the operator. It is
	// called from the controller's event goroutine, never from the readout
	// path. Optional.
	Notify func(lines ...string)

	Clock timeutil.Clock
}

// Controller owns the acquisition state machine. Its command methods are
// called from the dispatcher goroutine only and return the replies to send.
// Mode, State and Trend are safe from any goroutine.
type Controller struct {
	engine    scan.Engine
	supply    power.Supply
	tuning    *config.TuningConfig
	publisher occupancy.SummaryHandler
	journal   Journal
	notify    func(lines ...string)
	clock     timeutil.Clock

	detector *beam.Detector
	trend    *occupancy.Trend
	sink     *readout.SwitchSink

	mode            atomic.Int32
	integrationBits atomic.Uint64
	targetThreshold atomic.Int64
	sessionID       atomic.Pointer[string]

	mu      sync.Mutex
	run     scan.Handle
	hasRun  bool
	agg     *occupancy.Aggregator
	chain   Chain
	started time.Time

	events        chan queuedEvent
	eventsDropped atomic.Uint64
	stopEvents    chan struct{}
	closeOnce     sync.Once
	wg            sync.WaitGroup
}

// queuedEvent is a beam event stamped on the readout goroutine.
type queuedEvent struct {
	event     beam.Event
	at        time.Time
	sessionID string
}

// NewController creates an idle controller.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Engine == nil {
		return nil, errors.New("session: engine is required")
	}
	if cfg.Power == nil {
		cfg.Power = power.Disabled{}
	}
	if cfg.Tuning == nil {
		cfg.Tuning = config.EmptyTuningConfig()
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	c := &Controller{
		engine:     cfg.Engine,
		supply:     cfg.Power,
		tuning:     cfg.Tuning,
		publisher:  cfg.Publisher,
		journal:    cfg.Journal,
		notify:     cfg.Notify,
		clock:      cfg.Clock,
		trend:      occupancy.NewTrend(cfg.Tuning.GetRateHistoryLen()),
		sink:       readout.NewSwitchSink(nil),
		events:     make(chan queuedEvent, eventQueueDepth),
		stopEvents: make(chan struct{}),
	}
	c.detector = beam.NewDetector(beam.ThresholdsFromConfig(cfg.Tuning), beam.EventHandlerFunc(c.handleEvent))
	c.detector.SetEnabled(!cfg.Tuning.GetAnalysisDisabled())
	c.setIntegrationTime(cfg.Tuning.GetIntegrationTime())
	c.targetThreshold.Store(int64(cfg.Tuning.GetTargetThreshold()))
	if !c.supply.Available() {
		monitoring.Warnf("[Session] power supply %s unavailable, running without it", c.supply.Name())
	}
	c.wg.Add(1)
	go c.eventLoop()
	return c, nil
}

// Close stops the event goroutine after delivering the events already
// queued. It does not touch the active run.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		close(c.stopEvents)
		c.wg.Wait()
	})
}

// Mode returns the current mode.
func (c *Controller) Mode() Mode { return Mode(c.mode.Load()) }

func (c *Controller) setMode(m Mode) {
	if old := Mode(c.mode.Swap(int32(m))); old != m {
		monitoring.Logf("[Session] %s -> %s", old, m)
	}
}

// Busy reports whether a run or the initialisation sequence is active.
func (c *Controller) Busy() bool {
	m := c.Mode()
	return m != Idle && m != Terminated
}

// Detector returns the beam-state detector.
func (c *Controller) Detector() *beam.Detector { return c.detector }

// Trend returns the rate history of closed windows.
func (c *Controller) Trend() *occupancy.Trend { return c.trend }

// IntegrationTime returns the window length in seconds.
func (c *Controller) IntegrationTime() float64 {
	return math.Float64frombits(c.integrationBits.Load())
}

func (c *Controller) setIntegrationTime(seconds float64) {
	if math.IsNaN(seconds) || seconds < config.MinIntegrationTime {
		seconds = config.MinIntegrationTime
	}
	c.integrationBits.Store(math.Float64bits(seconds))
	c.mu.Lock()
	if c.agg != nil {
		c.agg.SetIntegrationTime(seconds)
	}
	c.mu.Unlock()
}

// TargetThreshold returns the threshold handed to tuning runs.
func (c *Controller) TargetThreshold() int { return int(c.targetThreshold.Load()) }

// Refresh folds in completed runs. It is called before every command and
// from the tuning poll loop for non-tuning modes.
func (c *Controller) Refresh() []string {
	m := c.Mode()
	if !m.Scan() && !m.Acquisition() {
		return nil
	}
	c.mu.Lock()
	h := c.run
	c.mu.Unlock()
	st := c.engine.Status(h)
	if !st.Done() {
		return nil
	}
	monitoring.Logf("[Session] %s ended with %s", h.RunID, st)
	c.finishRun(st)
	c.setMode(Idle)
	return []string{doneMessage(h.RunID)}
}

// Init powers the front end, reports the voltages and runs a digital scan.
// It always returns to Idle.
func (c *Controller) Init(ctx context.Context) (replies []string) {
	if c.Busy() {
		monitoring.Debugf("[Session] init ignored in %s", c.Mode())
		return nil
	}
	c.setMode(Initializing)
	defer c.setMode(Idle)

	replies = append(replies, ReplyInitStart)
	if c.supply.Available() {
		if err := c.supply.PowerOn(ctx); err != nil {
			monitoring.Logf("[Session] init: power on failed: %v", err)
			return append(replies, ReplyInitFailed)
		}
	}
	replies = append(replies, power.Report(ctx, c.supply)...)

	h, err := c.engine.Run(ctx, scan.DigitalScan, c.scanConfig(scan.DigitalScan), readout.Discard, false)
	if err != nil {
		monitoring.Logf("[Session] init: digital scan failed: %v", err)
		return append(replies, ReplyInitFailed)
	}
	c.setRun(h)
	return append(replies, doneMessage(h.RunID))
}

// StartScan starts a digital or analog scan in the background.
func (c *Controller) StartScan(ctx context.Context, kind scan.Kind) []string {
	var (
		mode  Mode
		reply string
	)
	switch kind {
	case scan.DigitalScan:
		mode, reply = DigitalScan, "Start Digital Scan"
	case scan.AnalogScan:
		mode, reply = AnalogScan, "Start Analog Scan"
	default:
		return []string{fmt.Sprintf("Failed to start %s: not a scan", kind)}
	}
	if c.Busy() {
		monitoring.Debugf("[Session] %s ignored in %s", kind, c.Mode())
		return nil
	}
	if err := c.startRun(ctx, kind, mode, false); err != nil {
		return []string{fmt.Sprintf("Failed to start %s: %v", kind, err)}
	}
	return []string{reply}
}

// StartTuning starts the first stage of a tuning chain. The dispatcher
// then polls Advance until the chain ends.
func (c *Controller) StartTuning(ctx context.Context, chain Chain) []string {
	if c.Busy() {
		monitoring.Debugf("[Session] tuning ignored in %s", c.Mode())
		return nil
	}
	stage := firstStage(chain)
	c.mu.Lock()
	c.chain = chain
	c.mu.Unlock()
	if err := c.startRun(ctx, stage.kind, stage.mode, false); err != nil {
		return []string{fmt.Sprintf("Failed to start %s: %v", stage.kind, err)}
	}
	return []string{stage.announce}
}

// Advance polls the running tuning stage. When the first stage finishes it
// starts the second; when the second finishes the controller returns to
// Idle. done is true once no tuning stage is running.
func (c *Controller) Advance(ctx context.Context) (replies []string, done bool) {
	m := c.Mode()
	if !m.Tuning() {
		return nil, true
	}
	c.mu.Lock()
	h, chain := c.run, c.chain
	c.mu.Unlock()

	st := c.engine.Status(h)
	if !st.Done() {
		return nil, false
	}
	c.finishRun(st)
	replies = append(replies, doneMessage(h.RunID))

	second := secondStage(chain)
	if m == second.mode || st != scan.StatusFinished {
		if st != scan.StatusFinished {
			replies = append(replies, fmt.Sprintf("%s %s", h.RunID, st))
		}
		c.setMode(Idle)
		return replies, true
	}

	if err := c.startRun(ctx, second.kind, second.mode, false); err != nil {
		c.setMode(Idle)
		return append(replies, fmt.Sprintf("Failed to start %s: %v", second.kind, err)), true
	}
	return append(replies, second.announce), false
}

// StartAcquisition starts a beam acquisition and returns immediately with
// the run id and status.
func (c *Controller) StartAcquisition(ctx context.Context, trigger Trigger) []string {
	kind, mode := scan.SelfTriggerScan, SelfTriggerAcquisition
	if trigger == ExternalTrigger {
		kind, mode = scan.ExtTriggerScan, ExternalTriggerAcquisition
	}
	if c.Busy() {
		monitoring.Debugf("[Session] %s ignored in %s", kind, c.Mode())
		return nil
	}
	c.detector.Reset()
	c.trend.Clear()
	if err := c.startRun(ctx, kind, mode, true); err != nil {
		return []string{fmt.Sprintf("Failed to start %s: %v", kind, err)}
	}
	c.mu.Lock()
	h := c.run
	c.mu.Unlock()

	id := uuid.NewString()
	c.sessionID.Store(&id)
	if c.journal != nil {
		err := c.journal.StartSession(db.SessionRecord{
			SessionID:       id,
			RunID:           h.RunID,
			Mode:            mode.String(),
			StartedAt:       unixSeconds(c.clock.Now()),
			IntegrationTime: c.IntegrationTime(),
		})
		if err != nil {
			monitoring.Logf("[Session] journal: %v", err)
		}
	}
	return []string{h.RunID, c.engine.Status(h).String()}
}

// Stop aborts the active run. It replies exactly once when a run was
// active and not at all otherwise.
func (c *Controller) Stop() []string {
	if !c.Mode().Running() {
		return nil
	}
	c.mu.Lock()
	h := c.run
	c.mu.Unlock()

	c.engine.Cancel(h)
	c.finishRun(scan.StatusAborted)
	c.setMode(Idle)
	return []string{h.RunID + " Run Stopped"}
}

// Exit stops any active run and terminates the session.
func (c *Controller) Exit() []string {
	replies := c.Stop()
	c.setMode(Terminated)
	return append(replies, ReplyTerminate)
}

// Status reports voltages, the last run and, during acquisitions, the
// latest hit rate and beam spot.
func (c *Controller) Status(ctx context.Context) []string {
	replies := power.Report(ctx, c.supply)

	c.mu.Lock()
	h, hasRun := c.run, c.hasRun
	c.mu.Unlock()
	if hasRun {
		replies = append(replies, h.RunID)
	}
	st := scan.StatusNone
	if hasRun {
		st = c.engine.Status(h)
	}
	if st == scan.StatusNone {
		replies = append(replies, ReplyStatusNone)
	} else {
		replies = append(replies, st.String())
	}
	m := c.Mode()
	replies = append(replies, "mode: "+m.String())

	if m.Acquisition() {
		if s := c.trend.Latest(); s != nil {
			replies = append(replies, fmt.Sprintf("hitrate: %.0f [Hz]", s.RateHz))
			if s.HasSpot {
				replies = append(replies, fmt.Sprintf("Beamspot: [%d %d] pixels", int(s.MedianColumn), int(s.MedianRow)))
			}
		}
	}
	return replies
}

// PowerOn switches the supply outputs on and reports the voltages.
func (c *Controller) PowerOn(ctx context.Context) []string {
	return c.switchPower(ctx, "on", c.supply.PowerOn)
}

// PowerOff switches the supply outputs off and reports the voltages.
func (c *Controller) PowerOff(ctx context.Context) []string {
	return c.switchPower(ctx, "off", c.supply.PowerOff)
}

func (c *Controller) switchPower(ctx context.Context, what string, fn func(context.Context) error) []string {
	if err := fn(ctx); err != nil {
		monitoring.Logf("[Session] power %s: %v", what, err)
		return []string{fmt.Sprintf("Failed to power %s: %v", what, err)}
	}
	return power.Report(ctx, c.supply)
}

// FrameRatePrompt returns the first half of the two-step framerate dialog.
func (c *Controller) FrameRatePrompt() []string {
	return []string{
		"old framerate:" + formatFloat(1/c.IntegrationTime()),
		"input new framerate:",
	}
}

// SetFrameRate sets the integration time to 1/rate. Invalid input leaves
// it unchanged.
func (c *Controller) SetFrameRate(text string) []string {
	rate, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
	if err != nil || !occupancy.Finite(rate) || rate <= 0 {
		return []string{ReplyInvalidInput}
	}
	c.setIntegrationTime(1 / rate)
	monitoring.Logf("[Session] integration time %.3f s", c.IntegrationTime())
	return []string{"new framerate:" + formatFloat(rate)}
}

// ThresholdPrompt returns the first half of the two-step threshold dialog.
func (c *Controller) ThresholdPrompt() []string {
	return []string{
		"old threshold:" + strconv.Itoa(c.TargetThreshold()),
		"input new threshold:",
	}
}

// SetTargetThreshold sets the threshold used by the next tuning.
func (c *Controller) SetTargetThreshold(text string) []string {
	v, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil || v < 0 {
		return []string{ReplyInvalidInput}
	}
	c.targetThreshold.Store(int64(v))
	return []string{"new threshold:" + strconv.Itoa(v), "press 'Tune' to tune"}
}

// ToggleAnalysis switches beam-state analysis on or off.
func (c *Controller) ToggleAnalysis() []string {
	on := !c.detector.Enabled()
	c.detector.SetEnabled(on)
	if on {
		return []string{"analysis on"}
	}
	return []string{"analysis off"}
}

func (c *Controller) scanConfig(kind scan.Kind) scan.Config {
	cfg := scan.Config{
		ReadoutInterval: c.tuning.GetReadoutIntervalIdle(),
		TargetThreshold: c.TargetThreshold(),
	}
	if kind.Acquisition() {
		cfg.ReadoutInterval = c.tuning.GetReadoutIntervalAcquire()
	}
	return cfg
}

// startRun installs a fresh aggregator and starts kind in the background.
// The detector is only attached for acquisitions.
func (c *Controller) startRun(ctx context.Context, kind scan.Kind, mode Mode, detect bool) error {
	handlers := []occupancy.SummaryHandler{c.trend}
	if c.publisher != nil {
		handlers = append(handlers, c.publisher)
	}
	if detect {
		handlers = append(handlers, c.detector.Bind())
	}
	agg := occupancy.NewAggregator(occupancy.Config{IntegrationTime: c.IntegrationTime()}, handlers...)

	c.mu.Lock()
	c.agg = agg
	c.mu.Unlock()
	c.sink.Set(agg)

	started := false
	defer func() {
		// Also runs when the engine panics.
		if !started {
			c.evict()
			c.setMode(Idle)
		}
	}()
	h, err := c.engine.Run(ctx, kind, c.scanConfig(kind), c.sink, true)
	if err != nil {
		monitoring.Logf("[Session] %s failed to start: %v", kind, err)
		return err
	}
	started = true
	c.setRun(h)
	c.setMode(mode)
	return nil
}

func (c *Controller) setRun(h scan.Handle) {
	c.mu.Lock()
	c.run = h
	c.hasRun = true
	c.started = c.clock.Now()
	c.mu.Unlock()
}

func (c *Controller) evict() *occupancy.Aggregator {
	c.sink.Set(nil)
	c.mu.Lock()
	agg := c.agg
	c.agg = nil
	c.mu.Unlock()
	return agg
}

// finishRun evicts the aggregator, clears the detector history and closes
// the journal session of an acquisition.
func (c *Controller) finishRun(st scan.Status) {
	agg := c.evict()
	if !c.Mode().Acquisition() {
		return
	}
	c.detector.Reset()
	id := c.sessionID.Swap(nil)
	if id == nil || c.journal == nil {
		return
	}
	var stats occupancy.Stats
	if agg != nil {
		stats = agg.Stats()
	}
	if err := c.journal.EndSession(*id, st.String(), unixSeconds(c.clock.Now()), stats.Windows, stats.Hits); err != nil {
		monitoring.Logf("[Session] journal: %v", err)
	}
}

// handleEvent runs on the readout goroutine. It only queues the event;
// notification and journalling happen in eventLoop.
func (c *Controller) handleEvent(e beam.Event) {
	qe := queuedEvent{event: e, at: c.clock.Now()}
	if id := c.sessionID.Load(); id != nil {
		qe.sessionID = *id
	}
	select {
	case c.events <- qe:
	default:
		c.eventsDropped.Add(1)
		monitoring.Logf("[Session] event queue full, dropping %s", e.Kind)
	}
}

func (c *Controller) eventLoop() {
	defer c.wg.Done()
	for {
		select {
		case qe := <-c.events:
			c.deliverEvent(qe)
		case <-c.stopEvents:
			for {
				select {
				case qe := <-c.events:
					c.deliverEvent(qe)
				default:
					return
				}
			}
		}
	}
}

func (c *Controller) deliverEvent(qe queuedEvent) {
	e := qe.event
	lines := e.Messages()
	if e.Kind == beam.RateBurst || e.Kind == beam.SpotDrift {
		lines = append([]string{"Time: " + qe.at.Format("15:04:05.000000")}, lines...)
	}
	monitoring.Logf("[Session] %s", strings.Join(lines, " "))
	if c.notify != nil {
		c.notify(lines...)
	}
	if c.journal == nil {
		return
	}
	_, err := c.journal.RecordEvent(db.EventRecord{
		SessionID:      qe.sessionID,
		Kind:           e.Kind.String(),
		WindowEnd:      e.WindowEnd,
		RateHz:         e.RateHz,
		MedianRateHz:   e.MedianRate,
		BaselineHz:     e.BaselineHz,
		DisplacementMM: e.DisplacementMM,
		Message:        e.Message(),
		Timestamp:      unixSeconds(qe.at),
	})
	if err != nil {
		monitoring.Logf("[Session] journal: %v", err)
	}
}

func doneMessage(runID string) string { return "Scan finished: " + runID }

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

func unixSeconds(t time.Time) float64 { return float64(t.UnixNano()) / 1e9 }
