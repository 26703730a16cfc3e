package timeutil

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestRealClock_Now(t *testing.T) {
	clock := RealClock{}
	before := time.Now()
	now := clock.Now()
	after := time.Now()

	if now.Before(before) || now.After(after) {
		t.Errorf("Now() = %v, expected between %v and %v", now, before, after)
	}
}

func TestRealClock_Since(t *testing.T) {
	clock := RealClock{}
	past := time.Now().Add(-time.Second)
	if d := clock.Since(past); d < time.Second {
		t.Errorf("Since() returned %v, expected >= 1s", d)
	}
}

func TestRealClock_After(t *testing.T) {
	clock := RealClock{}
	select {
	case <-clock.After(time.Millisecond):
	case <-time.After(time.Second):
		t.Fatal("After() did not fire within 1s")
	}
}

func TestMockClock_SleepAdvances(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)

	var seen []int
	clock.OnSleep(func(n int) { seen = append(seen, n) })

	clock.Sleep(time.Second)
	clock.Sleep(2 * time.Second)

	if got := clock.Since(start); got != 3*time.Second {
		t.Errorf("Since(start) = %v, want 3s", got)
	}
	if diff := cmp.Diff(clock.Sleeps(), []time.Duration{time.Second, 2 * time.Second}); diff != "" {
		t.Errorf("Sleeps() mismatch (-got +want):\n%s", diff)
	}
	if diff := cmp.Diff(seen, []int{1, 2}); diff != "" {
		t.Errorf("OnSleep counts mismatch (-got +want):\n%s", diff)
	}
}

func TestMockClock_After(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)

	select {
	case got := <-clock.After(500 * time.Millisecond):
		if want := start.Add(500 * time.Millisecond); !got.Equal(want) {
			t.Errorf("After() delivered %v, want %v", got, want)
		}
	default:
		t.Fatal("After() channel should be ready immediately")
	}
}

func TestMockClock_Advance(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)
	clock.Advance(time.Minute)
	if got := clock.Now(); !got.Equal(start.Add(time.Minute)) {
		t.Errorf("Now() = %v, want %v", got, start.Add(time.Minute))
	}
}
