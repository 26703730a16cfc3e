// Package readout defines the unit of data handed from the scan engine to
// the analysis pipeline.
package readout

import "sync/atomic"

// Batch is one chunk of raw FIFO words with the readout timestamps that
// bracket it. Timestamps are seconds since the epoch.
type Batch struct {
	Words          []uint32
	TimestampStart float64
	TimestampStop  float64
	ErrorFlag      int
}

// Duration returns TimestampStop - TimestampStart.
func (b Batch) Duration() float64 { return b.TimestampStop - b.TimestampStart }

// Sink consumes readout batches. The scan engine calls Ingest from its data
// goroutine; implementations must not block for long.
type Sink interface {
	Ingest(b Batch)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(b Batch)

// Ingest calls f(b).
func (f SinkFunc) Ingest(b Batch) { f(b) }

// Discard drops every batch. Calibration scans run with it installed.
var Discard Sink = SinkFunc(func(Batch) {})

// SwitchSink forwards batches to a replaceable target. The scan engine keeps
// a reference to the SwitchSink for the lifetime of a run while the session
// controller installs and evicts the real consumer.
type SwitchSink struct {
	target atomic.Pointer[Sink]
}

// NewSwitchSink returns a SwitchSink forwarding to s (which may be nil).
func NewSwitchSink(s Sink) *SwitchSink {
	sw := &SwitchSink{}
	sw.Set(s)
	return sw
}

// Set replaces the target. A nil target drops batches.
func (sw *SwitchSink) Set(s Sink) {
	if s == nil {
		sw.target.Store(nil)
		return
	}
	sw.target.Store(&s)
}

// Current returns the installed target or nil.
func (sw *SwitchSink) Current() Sink {
	if p := sw.target.Load(); p != nil {
		return *p
	}
	return nil
}

// Ingest forwards b to the current target.
func (sw *SwitchSink) Ingest(b Batch) {
	if p := sw.target.Load(); p != nil {
		(*p).Ingest(b)
	}
}
