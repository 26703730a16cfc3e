package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e3-lab/beammon/internal/beam"
	"github.com/e3-lab/beammon/internal/db"
	"github.com/e3-lab/beammon/internal/monitoring"
	"github.com/e3-lab/beammon/internal/power"
	"github.com/e3-lab/beammon/internal/readout"
	"github.com/e3-lab/beammon/internal/scan"
	"github.com/e3-lab/beammon/internal/testutil"
	"github.com/e3-lab/beammon/internal/timeutil"
)

func init() {
	monitoring.SetLogger(nil)
}

type fakeJournal struct {
	mu       sync.Mutex
	started  []db.SessionRecord
	ended    []string
	statuses []string
	events   []db.EventRecord
}

func (j *fakeJournal) StartSession(s db.SessionRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.started = append(j.started, s)
	return nil
}

func (j *fakeJournal) EndSession(id, status string, _ float64, _, _ uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.ended = append(j.ended, id)
	j.statuses = append(j.statuses, status)
	return nil
}

func (j *fakeJournal) RecordEvent(e db.EventRecord) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, e)
	return int64(len(j.events)), nil
}

type harness struct {
	ctl      *Controller
	engine   *scan.Scripted
	journal  *fakeJournal
	notified []string
}

func newHarness(t *testing.T, supply power.Supply) *harness {
	t.Helper()
	h := &harness{engine: scan.NewScripted(), journal: &fakeJournal{}}
	ctl, err := NewController(Config{
		Engine:  h.engine,
		Power:   supply,
		Journal: h.journal,
		Notify:  func(lines ...string) { h.notified = append(h.notified, lines...) },
		Clock:   timeutil.NewMockClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)),
	})
	require.NoError(t, err)
	h.ctl = ctl
	t.Cleanup(ctl.Close)
	return h
}

func fakeSupply() power.Supply {
	return power.NewTTi(power.NewFakeQL355TP(), 3*time.Second, timeutil.NewMockClock(time.Unix(0, 0)))
}

// feed ingests one half-second batch that closes a window at rate Hz.
func feed(t *testing.T, sink readout.Sink, i int, rate float64) {
	t.Helper()
	start := float64(i)
	sink.Ingest(testutil.SpotBatch(start, start+0.5, 40, 168, int(rate/2)))
}

func TestNewControllerRequiresEngine(t *testing.T) {
	_, err := NewController(Config{})
	assert.Error(t, err)
}

func TestInit(t *testing.T) {
	h := newHarness(t, fakeSupply())

	got := h.ctl.Init(context.Background())
	want := []string{
		"start initializing",
		"voltage channel 1 = 1.200",
		"voltage channel 2 = 1.500",
		"Scan finished: digital_scan",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("replies mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, Idle, h.ctl.Mode())

	run, ok := h.engine.Last()
	require.True(t, ok)
	assert.Equal(t, scan.DigitalScan, run.Handle.Kind)
	assert.False(t, run.Async)
	assert.Equal(t, time.Second, run.Config.ReadoutInterval)
}

func TestInitEngineFailure(t *testing.T) {
	h := newHarness(t, power.Disabled{})
	h.engine.Failures = map[scan.Kind]error{scan.DigitalScan: errors.New("no FE")}

	got := h.ctl.Init(context.Background())
	want := []string{
		"start initializing",
		"voltage channel 1 = unavailable",
		"voltage channel 2 = unavailable",
		"Failed to initialize",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("replies mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, Idle, h.ctl.Mode())
}

func TestScanCompletion(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	assert.Equal(t, []string{"Start Analog Scan"}, h.ctl.StartScan(ctx, scan.AnalogScan))
	assert.Equal(t, AnalogScan, h.ctl.Mode())

	// Busy: start-type commands are ignored.
	assert.Nil(t, h.ctl.StartScan(ctx, scan.DigitalScan))
	assert.Nil(t, h.ctl.Init(ctx))
	assert.Nil(t, h.ctl.Refresh())

	h.engine.Finish(scan.StatusFinished)
	assert.Equal(t, []string{"Scan finished: analog_scan"}, h.ctl.Refresh())
	assert.Equal(t, Idle, h.ctl.Mode())
	assert.Nil(t, h.ctl.Refresh())
}

func TestTuneChain(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	assert.Equal(t, []string{"Start GdacTuning"}, h.ctl.StartTuning(ctx, TuneChain))
	assert.Equal(t, GDACTuning, h.ctl.Mode())

	replies, done := h.ctl.Advance(ctx)
	assert.Nil(t, replies)
	assert.False(t, done)

	h.engine.Finish(scan.StatusFinished)
	replies, done = h.ctl.Advance(ctx)
	assert.Equal(t, []string{"Scan finished: gdac_tuning", "Start TdacTuning"}, replies)
	assert.False(t, done)
	assert.Equal(t, TDACTuning, h.ctl.Mode())

	run, _ := h.engine.Last()
	assert.Equal(t, 54, run.Config.TargetThreshold)

	h.engine.Finish(scan.StatusFinished)
	replies, done = h.ctl.Advance(ctx)
	assert.Equal(t, []string{"Scan finished: tdac_tuning"}, replies)
	assert.True(t, done)
	assert.Equal(t, Idle, h.ctl.Mode())
}

func TestFixChainStop(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	assert.Equal(t, []string{"starting Noise Occupancy Tuning (~2min)"}, h.ctl.StartTuning(ctx, FixChain))
	assert.Equal(t, []string{"noise_occupancy_tuning Run Stopped"}, h.ctl.Stop())
	assert.Equal(t, Idle, h.ctl.Mode())

	_, done := h.ctl.Advance(ctx)
	assert.True(t, done)
	assert.Len(t, h.engine.Runs(), 1)
}

func TestTuningStageCrashEndsChain(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.ctl.StartTuning(ctx, TuneChain)

	h.engine.Finish(scan.StatusCrashed)
	replies, done := h.ctl.Advance(ctx)
	assert.Equal(t, []string{"Scan finished: gdac_tuning", "gdac_tuning CRASHED"}, replies)
	assert.True(t, done)
	assert.Equal(t, Idle, h.ctl.Mode())
}

func TestAcquisitionStop(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	got := h.ctl.StartAcquisition(ctx, SelfTrigger)
	assert.Equal(t, []string{"fei4_self_trigger_scan", "RUNNING"}, got)
	assert.Equal(t, SelfTriggerAcquisition, h.ctl.Mode())

	run, _ := h.engine.Last()
	assert.True(t, run.Async)
	assert.Equal(t, 50*time.Millisecond, run.Config.ReadoutInterval)
	sw, ok := run.Sink.(*readout.SwitchSink)
	require.True(t, ok)
	require.NotNil(t, sw.Current())

	for i := 0; i < 5; i++ {
		feed(t, sw, i, 1500)
	}
	require.Len(t, h.ctl.Detector().Baseline().RateHistory, 5)

	assert.Equal(t, []string{"fei4_self_trigger_scan Run Stopped"}, h.ctl.Stop())
	assert.Equal(t, Idle, h.ctl.Mode())
	assert.Nil(t, sw.Current(), "aggregator still installed")
	assert.Empty(t, h.ctl.Detector().Baseline().RateHistory)
	assert.Equal(t, []scan.Handle{run.Handle}, h.engine.Cancelled())

	// Late batches from the engine are dropped.
	feed(t, sw, 6, 1500)
	assert.Empty(t, h.ctl.Detector().Baseline().RateHistory)

	// Nothing running: no reply.
	assert.Nil(t, h.ctl.Stop())

	require.Len(t, h.journal.started, 1)
	assert.Equal(t, "self_trigger_acquisition", h.journal.started[0].Mode)
	assert.Equal(t, []string{h.journal.started[0].SessionID}, h.journal.ended)
	assert.Equal(t, []string{"ABORTED"}, h.journal.statuses)
}

func TestAcquisitionEventsAndStatus(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.ctl.StartAcquisition(ctx, SelfTrigger)
	run, _ := h.engine.Last()

	rates := []float64{1500, 1500, 1500, 1500, 1500, 1500, 1500, 1500, 50, 50, 4000}
	for i, r := range rates {
		feed(t, run.Sink, i, r)
	}
	// Events are delivered off the readout path; Close flushes them.
	h.ctl.Close()

	assert.Contains(t, h.notified, "beam: on")
	assert.Contains(t, h.notified, "hitrate peak: 4000 [Hz]")
	assert.Contains(t, h.notified, "Time: 12:00:00.000000")
	require.Len(t, h.journal.events, 2)
	assert.Equal(t, "beam_on", h.journal.events[0].Kind)
	assert.Equal(t, h.journal.started[0].SessionID, h.journal.events[0].SessionID)

	want := []string{
		"voltage channel 1 = unavailable",
		"voltage channel 2 = unavailable",
		"fei4_self_trigger_scan",
		"RUNNING",
		"mode: self_trigger_acquisition",
		"hitrate: 4000 [Hz]",
		"Beamspot: [40 168] pixels",
	}
	if diff := cmp.Diff(want, h.ctl.Status(ctx)); diff != "" {
		t.Errorf("status mismatch (-want +got):\n%s", diff)
	}

	st := h.ctl.State()
	assert.Equal(t, "self_trigger_acquisition", st.Mode)
	assert.Equal(t, "on", st.Detector.StateName)
	require.NotNil(t, st.Aggregator)
	assert.Equal(t, uint64(len(rates)), st.Aggregator.Windows)
}

func TestStopIgnoresInFlightWindows(t *testing.T) {
	h := newHarness(t, nil)
	h.ctl.StartAcquisition(context.Background(), SelfTrigger)
	run, _ := h.engine.Last()
	sw := run.Sink.(*readout.SwitchSink)
	for i := 0; i < 5; i++ {
		feed(t, sw, i, 1500)
	}

	// The engine picked up the aggregator before the stop evicted it.
	inFlight := sw.Current()
	require.NotNil(t, inFlight)
	h.ctl.Stop()
	feed(t, inFlight, 5, 1500)
	feed(t, inFlight, 6, 1500)

	st := h.ctl.Detector().Status()
	assert.Zero(t, st.RateHistoryLen, "stale windows refilled the baseline")
	assert.Equal(t, uint64(2), st.StaleWindows)

	// The next session starts from a clean baseline and is fed again.
	h.ctl.StartAcquisition(context.Background(), SelfTrigger)
	next, _ := h.engine.Last()
	feed(t, next.Sink, 0, 1500)
	assert.Equal(t, 1, h.ctl.Detector().Status().RateHistoryLen)
}

func TestEventDeliveryDoesNotBlockReadout(t *testing.T) {
	release := make(chan struct{})
	journal := &fakeJournal{}
	ctl, err := NewController(Config{
		Engine:  scan.NewScripted(),
		Journal: journal,
		Notify:  func(...string) { <-release },
		Clock:   timeutil.NewMockClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)),
	})
	require.NoError(t, err)

	const total = eventQueueDepth + 10
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < total; i++ {
			ctl.handleEvent(beam.Event{Kind: beam.BeamOn})
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		close(release)
		t.Fatal("a stalled operator connection blocked the readout goroutine")
	}

	dropped := ctl.State().EventsDropped
	assert.NotZero(t, dropped)

	close(release)
	ctl.Close()
	journal.mu.Lock()
	defer journal.mu.Unlock()
	assert.Len(t, journal.events, total-int(dropped))
}

func TestStartRunPanicEvictsAggregator(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.Panics = map[scan.Kind]string{scan.AnalogScan: "engine exploded"}

	assert.Panics(t, func() { h.ctl.StartScan(context.Background(), scan.AnalogScan) })
	assert.Nil(t, h.ctl.sink.Current(), "aggregator left installed")
	assert.Nil(t, h.ctl.State().Aggregator)
	assert.Equal(t, Idle, h.ctl.Mode())

	// The controller is usable afterwards.
	delete(h.engine.Panics, scan.AnalogScan)
	assert.Equal(t, []string{"Start Analog Scan"}, h.ctl.StartScan(context.Background(), scan.AnalogScan))
}

func TestAcquisitionEndsByItself(t *testing.T) {
	h := newHarness(t, nil)
	h.ctl.StartAcquisition(context.Background(), ExternalTrigger)
	assert.Equal(t, ExternalTriggerAcquisition, h.ctl.Mode())

	h.engine.Finish(scan.StatusFinished)
	assert.Equal(t, []string{"Scan finished: ext_trigger_scan"}, h.ctl.Refresh())
	assert.Equal(t, Idle, h.ctl.Mode())
	assert.Equal(t, []string{"FINISHED"}, h.journal.statuses)
}

func TestStatusIdle(t *testing.T) {
	h := newHarness(t, nil)
	want := []string{
		"voltage channel 1 = unavailable",
		"voltage channel 2 = unavailable",
		"Status=None",
		"mode: idle",
	}
	if diff := cmp.Diff(want, h.ctl.Status(context.Background())); diff != "" {
		t.Errorf("status mismatch (-want +got):\n%s", diff)
	}
}

func TestExit(t *testing.T) {
	h := newHarness(t, nil)
	h.ctl.StartAcquisition(context.Background(), SelfTrigger)
	assert.Equal(t, []string{"fei4_self_trigger_scan Run Stopped", "Program terminates"}, h.ctl.Exit())
	assert.Equal(t, Terminated, h.ctl.Mode())
}

func TestFrameRate(t *testing.T) {
	h := newHarness(t, nil)

	assert.Equal(t, []string{"old framerate:10", "input new framerate:"}, h.ctl.FrameRatePrompt())
	for _, bad := range []string{"abc", "", "0", "-5", "NaN", "Inf"} {
		assert.Equal(t, []string{"invalid input"}, h.ctl.SetFrameRate(bad), "input %q", bad)
		assert.Equal(t, 0.1, h.ctl.IntegrationTime(), "input %q changed integration time", bad)
	}

	assert.Equal(t, []string{"new framerate:4"}, h.ctl.SetFrameRate("4"))
	assert.Equal(t, 0.25, h.ctl.IntegrationTime())

	// Faster than the floor is clamped silently.
	assert.Equal(t, []string{"new framerate:100"}, h.ctl.SetFrameRate("100"))
	assert.Equal(t, 0.05, h.ctl.IntegrationTime())
}

func TestThreshold(t *testing.T) {
	h := newHarness(t, nil)
	assert.Equal(t, []string{"old threshold:54", "input new threshold:"}, h.ctl.ThresholdPrompt())
	assert.Equal(t, []string{"invalid input"}, h.ctl.SetTargetThreshold("high"))
	assert.Equal(t, []string{"new threshold:40", "press 'Tune' to tune"}, h.ctl.SetTargetThreshold(" 40 "))
	assert.Equal(t, 40, h.ctl.TargetThreshold())
}

func TestToggleAnalysis(t *testing.T) {
	h := newHarness(t, nil)
	assert.Equal(t, []string{"analysis off"}, h.ctl.ToggleAnalysis())
	assert.False(t, h.ctl.Detector().Enabled())
	assert.Equal(t, []string{"analysis on"}, h.ctl.ToggleAnalysis())
}

func TestPowerCommands(t *testing.T) {
	h := newHarness(t, fakeSupply())
	ctx := context.Background()
	assert.Equal(t, []string{"voltage channel 1 = 1.200", "voltage channel 2 = 1.500"}, h.ctl.PowerOn(ctx))
	assert.Equal(t, []string{"voltage channel 1 = 0.000", "voltage channel 2 = 0.000"}, h.ctl.PowerOff(ctx))

	d := newHarness(t, nil)
	assert.Equal(t, []string{"Failed to power on: power supply unavailable"}, d.ctl.PowerOn(ctx))
}

func TestModeStrings(t *testing.T) {
	assert.Equal(t, "self_trigger_acquisition", SelfTriggerAcquisition.String())
	assert.Equal(t, "Mode(99)", Mode(99).String())
	assert.True(t, GDACTuning.Tuning())
	assert.True(t, AnalogScan.Running())
	assert.False(t, Initializing.Running())
}
