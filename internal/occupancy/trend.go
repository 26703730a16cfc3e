package occupancy

import "sync"

// TrendPoint is the scalar part of a closed window.
type TrendPoint struct {
	WindowEnd    float64 `json:"window_end"`
	RateHz       float64 `json:"rate_hz"`
	HitCount     uint64  `json:"hit_count"`
	HasSpot      bool    `json:"has_spot"`
	MedianColumn float64 `json:"median_column"`
	MedianRow    float64 `json:"median_row"`
}

// Trend keeps a bounded history of window scalars and the latest occupancy
// snapshot for dashboards and status queries. It is a SummaryHandler and is
// safe for concurrent readers.
type Trend struct {
	mu       sync.RWMutex
	capacity int
	points   []TrendPoint
	next     int
	full     bool
	latest   *Summary
}

// NewTrend returns a Trend holding at most capacity points.
func NewTrend(capacity int) *Trend {
	if capacity <= 0 {
		capacity = 600
	}
	return &Trend{capacity: capacity, points: make([]TrendPoint, capacity)}
}

// HandleSummary records s.
func (t *Trend) HandleSummary(s *Summary) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.points[t.next] = TrendPoint{
		WindowEnd:    s.WindowEnd,
		RateHz:       s.RateHz,
		HitCount:     s.HitCount,
		HasSpot:      s.HasSpot,
		MedianColumn: s.MedianColumn,
		MedianRow:    s.MedianRow,
	}
	t.next = (t.next + 1) % t.capacity
	if t.next == 0 {
		t.full = true
	}
	t.latest = s
}

// Points returns the recorded points, oldest first.
func (t *Trend) Points() []TrendPoint {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.full {
		out := make([]TrendPoint, t.next)
		copy(out, t.points[:t.next])
		return out
	}
	out := make([]TrendPoint, 0, t.capacity)
	out = append(out, t.points[t.next:]...)
	out = append(out, t.points[:t.next]...)
	return out
}

// Latest returns the last recorded summary, or nil.
func (t *Trend) Latest() *Summary {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.latest
}

// Clear drops all recorded points.
func (t *Trend) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next = 0
	t.full = false
	t.latest = nil
}
