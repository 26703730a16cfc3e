package scan

import (
	"context"
	"fmt"
	"sync"

	"github.com/e3-lab/beammon/internal/readout"
)

// ScriptedRun records one Run call on a Scripted engine.
type ScriptedRun struct {
	Handle Handle
	Config Config
	Sink   readout.Sink
	Async  bool
}

// Scripted is an Engine whose runs only end when told to. Tests drive it
// with Finish; Failures and Panics make Run fail for the listed kinds.
type Scripted struct {
	Failures map[Kind]error
	Panics   map[Kind]string

	// SyncStatus is the final status of synchronous runs. Zero means
	// StatusFinished.
	SyncStatus Status

	mu        sync.Mutex
	nextID    uint64
	runs      []ScriptedRun
	status    map[uint64]Status
	cancelled []Handle
}

// NewScripted returns an idle scripted engine.
func NewScripted() *Scripted {
	return &Scripted{status: make(map[uint64]Status)}
}

// Run implements Engine.
func (s *Scripted) Run(_ context.Context, kind Kind, cfg Config, sink readout.Sink, async bool) (Handle, error) {
	if msg, ok := s.Panics[kind]; ok {
		panic(msg)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.runs); n > 0 && s.status[s.runs[n-1].Handle.ID] == StatusRunning {
		return Handle{}, ErrBusy
	}
	if err := s.Failures[kind]; err != nil {
		return Handle{}, fmt.Errorf("%s: %w", kind, err)
	}
	s.nextID++
	h := Handle{ID: s.nextID, Kind: kind, RunID: string(kind)}
	s.runs = append(s.runs, ScriptedRun{Handle: h, Config: cfg, Sink: sink, Async: async})
	switch {
	case async:
		s.status[h.ID] = StatusRunning
	case s.SyncStatus != StatusNone:
		s.status[h.ID] = s.SyncStatus
	default:
		s.status[h.ID] = StatusFinished
	}
	return h, nil
}

// Status implements Engine.
func (s *Scripted) Status(h Handle) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status[h.ID]
}

// Cancel implements Engine.
func (s *Scripted) Cancel(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, h)
	if s.status[h.ID] == StatusRunning {
		s.status[h.ID] = StatusAborted
	}
}

// Finish ends the latest run with st.
func (s *Scripted) Finish(st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.runs); n > 0 {
		s.status[s.runs[n-1].Handle.ID] = st
	}
}

// Runs returns every Run call so far.
func (s *Scripted) Runs() []ScriptedRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ScriptedRun(nil), s.runs...)
}

// Last returns the latest run.
func (s *Scripted) Last() (ScriptedRun, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.runs) == 0 {
		return ScriptedRun{}, false
	}
	return s.runs[len(s.runs)-1], true
}

// Cancelled returns the handles passed to Cancel.
func (s *Scripted) Cancelled() []Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Handle(nil), s.cancelled...)
}
