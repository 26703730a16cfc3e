package beam

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/e3-lab/beammon/internal/occupancy"
)

func window(seq int, rate float64) *occupancy.Summary {
	return &occupancy.Summary{Seq: uint64(seq), WindowEnd: float64(seq) * 0.1, RateHz: rate}
}

func spotWindow(seq int, rate, col, row float64) *occupancy.Summary {
	s := window(seq, rate)
	s.HasSpot = true
	s.MedianColumn = col
	s.MedianRow = row
	return s
}

func kinds(events []Event) []EventKind {
	out := make([]EventKind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

func TestDetector_NoEventsBeforeStartLen(t *testing.T) {
	d := NewDetector(DefaultThresholds())

	for i := 1; i < 10; i++ {
		if events := d.Observe(window(i, 1500)); len(events) != 0 {
			t.Fatalf("window %d emitted %v before start_len", i, kinds(events))
		}
	}
	// Exactly at start_len evaluation begins.
	events := d.Observe(window(10, 1500))
	if diff := cmp.Diff(kinds(events), []EventKind{BeamOn}); diff != "" {
		t.Errorf("window 10 events mismatch (-got +want):\n%s", diff)
	}
}

func TestDetector_NoEventsBelowStartSum(t *testing.T) {
	d := NewDetector(DefaultThresholds())
	for i := 1; i <= 50; i++ {
		// 50 windows at 100 Hz sum to 5000, below start_sum.
		if events := d.Observe(window(i, 100)); len(events) != 0 {
			t.Fatalf("window %d emitted %v below start_sum", i, kinds(events))
		}
	}
	if d.State() != Off {
		t.Errorf("state = %v, want off", d.State())
	}
}

func TestDetector_BeamOnAndBurstScenario(t *testing.T) {
	d := NewDetector(DefaultThresholds())

	rates := []float64{1500, 1500, 1500, 1500, 1500, 1500, 1500, 1500, 50, 50}
	for i, r := range rates {
		if events := d.Observe(window(i+1, r)); len(events) != 0 {
			t.Fatalf("window %d emitted %v", i+1, kinds(events))
		}
	}

	events := d.Observe(window(11, 4000))
	if diff := cmp.Diff(kinds(events), []EventKind{BeamOn, RateBurst}); diff != "" {
		t.Fatalf("events mismatch (-got +want):\n%s", diff)
	}
	burst := events[1]
	if burst.MedianRate != 1500 || burst.BaselineHz != 1500 {
		t.Errorf("burst median=%v baseline=%v, want 1500/1500", burst.MedianRate, burst.BaselineHz)
	}
	if got := burst.Message(); got != "hitrate peak: 4000 [Hz]" {
		t.Errorf("burst message = %q", got)
	}
	if d.State() != On {
		t.Errorf("state = %v, want on", d.State())
	}
}

func TestDetector_BeamOff(t *testing.T) {
	d := NewDetector(DefaultThresholds())
	for i := 1; i <= 12; i++ {
		d.Observe(window(i, 1500))
	}
	events := d.Observe(window(13, 100))
	if diff := cmp.Diff(kinds(events), []EventKind{BeamOff}); diff != "" {
		t.Fatalf("events mismatch (-got +want):\n%s", diff)
	}
	if got := events[0].Message(); got != "beam: off" {
		t.Errorf("message = %q", got)
	}
	// Already off: no repeated transition.
	if events := d.Observe(window(14, 100)); len(events) != 0 {
		t.Errorf("second low window emitted %v", kinds(events))
	}
}

func TestDetector_SpotDriftClearsHistory(t *testing.T) {
	d := NewDetector(DefaultThresholds())

	// Window 10 arms the detector and turns the beam on; windows 10-14
	// put five samples at column 40 into the spatial history.
	for i := 1; i <= 14; i++ {
		d.Observe(spotWindow(i, 1500, 40, 168))
	}
	if got := len(d.Baseline().SpatialColumns); got != 5 {
		t.Fatalf("spatial history len = %d, want 5", got)
	}

	events := d.Observe(spotWindow(15, 1500, 70, 168))
	if diff := cmp.Diff(kinds(events), []EventKind{SpotDrift}); diff != "" {
		t.Fatalf("events mismatch (-got +want):\n%s", diff)
	}
	drift := events[0]
	if math.Abs(drift.DisplacementMM-7.5) > 1e-9 {
		t.Errorf("displacement = %v mm, want 7.5", drift.DisplacementMM)
	}
	want := []string{"Beamspot moved 7.50 mm", "from [40 168]", "to   [70 168]"}
	if diff := cmp.Diff(drift.Messages(), want); diff != "" {
		t.Errorf("messages mismatch (-got +want):\n%s", diff)
	}
	if got := len(d.Baseline().SpatialColumns); got != 0 {
		t.Errorf("spatial history len after drift = %d, want 0", got)
	}

	// The next window alone cannot show variance.
	if events := d.Observe(spotWindow(16, 1500, 70, 168)); len(events) != 0 {
		t.Errorf("window after drift emitted %v", kinds(events))
	}
}

func TestDetector_SpatialHistoryCappedAtResetInterval(t *testing.T) {
	th := DefaultThresholds()
	th.ResetInterval = 4
	d := NewDetector(th)

	for i := 1; i <= 20; i++ {
		d.Observe(spotWindow(i, 1500, 40, 168))
		if got := len(d.Baseline().SpatialColumns); got > th.ResetInterval {
			t.Fatalf("window %d: spatial history len %d exceeds %d", i, got, th.ResetInterval)
		}
	}
}

func TestDetector_NoSpotNoSpatialSample(t *testing.T) {
	d := NewDetector(DefaultThresholds())
	for i := 1; i <= 12; i++ {
		d.Observe(window(i, 1500))
	}
	if got := len(d.Baseline().SpatialColumns); got != 0 {
		t.Errorf("spatial history len = %d, want 0 for spotless windows", got)
	}
}

func TestDetector_DisabledKeepsAccumulating(t *testing.T) {
	d := NewDetector(DefaultThresholds())
	d.SetEnabled(false)
	for i := 1; i <= 15; i++ {
		if events := d.Observe(window(i, 1500)); len(events) != 0 {
			t.Fatalf("disabled detector emitted %v", kinds(events))
		}
	}
	if got := d.Status().RateHistoryLen; got != 15 {
		t.Errorf("rate history len = %d, want 15", got)
	}

	d.SetEnabled(true)
	if events := d.Observe(window(16, 1500)); len(events) != 1 || events[0].Kind != BeamOn {
		t.Errorf("re-enabled detector events = %v, want [beam_on]", kinds(events))
	}
}

func TestDetector_RateHistoryBounded(t *testing.T) {
	th := DefaultThresholds()
	th.RateHistoryLen = 12
	d := NewDetector(th)
	for i := 1; i <= 100; i++ {
		d.Observe(window(i, float64(1000+i)))
	}
	b := d.Baseline()
	if len(b.RateHistory) != 12 {
		t.Fatalf("rate history len = %d, want 12", len(b.RateHistory))
	}
	if b.RateHistory[11] != 1100 || b.RateHistory[0] != 1089 {
		t.Errorf("rate history kept wrong window: first=%v last=%v", b.RateHistory[0], b.RateHistory[11])
	}
	if len(b.BaselineSamples) > 12 {
		t.Errorf("baseline samples len = %d, want <= 12", len(b.BaselineSamples))
	}
}

func TestDetector_ResetClearsBaseline(t *testing.T) {
	d := NewDetector(DefaultThresholds())
	for i := 1; i <= 12; i++ {
		d.Observe(spotWindow(i, 1500, 40, 168))
	}
	d.Reset()

	st := d.Status()
	if st.State != Off || st.RateHistoryLen != 0 || st.BaselineLen != 0 || st.SpatialLen != 0 {
		t.Errorf("status after reset = %+v", st)
	}
}

func TestDetector_BoundHandlerDropsWindowsAfterReset(t *testing.T) {
	var got []EventKind
	d := NewDetector(DefaultThresholds(), EventHandlerFunc(func(e Event) { got = append(got, e.Kind) }))
	bound := d.Bind()
	for i := 1; i <= 10; i++ {
		bound.HandleSummary(window(i, 1500))
	}
	if diff := cmp.Diff(got, []EventKind{BeamOn}); diff != "" {
		t.Errorf("bound handler events mismatch (-got +want):\n%s", diff)
	}

	d.Reset()
	// A window closed by an ingest still in flight when the session stopped.
	bound.HandleSummary(window(11, 1500))
	st := d.Status()
	if st.RateHistoryLen != 0 {
		t.Errorf("stale window refilled the baseline, history len %d", st.RateHistoryLen)
	}
	if st.StaleWindows != 1 {
		t.Errorf("stale windows = %d, want 1", st.StaleWindows)
	}

	// A handler bound after the reset feeds the detector again.
	d.Bind().HandleSummary(window(12, 1500))
	if got := d.Status().RateHistoryLen; got != 1 {
		t.Errorf("rebound history len = %d, want 1", got)
	}
}

func TestDetector_SkipsNonFiniteRate(t *testing.T) {
	d := NewDetector(DefaultThresholds())
	if events := d.Observe(window(1, math.NaN())); events != nil {
		t.Errorf("NaN window emitted %v", kinds(events))
	}
	if got := d.Status().RateHistoryLen; got != 0 {
		t.Errorf("NaN rate was recorded, history len %d", got)
	}
}

func TestDetector_HandlersReceiveEvents(t *testing.T) {
	var got []EventKind
	d := NewDetector(DefaultThresholds(), EventHandlerFunc(func(e Event) { got = append(got, e.Kind) }))
	for i := 1; i <= 10; i++ {
		d.HandleSummary(window(i, 1500))
	}
	if diff := cmp.Diff(got, []EventKind{BeamOn}); diff != "" {
		t.Errorf("handler events mismatch (-got +want):\n%s", diff)
	}
}

func TestEventStrings(t *testing.T) {
	if got := (Event{Kind: BeamOn}).Message(); got != "beam: on" {
		t.Errorf("BeamOn message = %q", got)
	}
	if got := EventKind(42).String(); got != "EventKind(42)" {
		t.Errorf("unknown kind string = %q", got)
	}
	if On.String() != "on" || Off.String() != "off" {
		t.Error("state strings wrong")
	}
}
