// Package telemetry carries the governor's decision trace to its sinks:
// the governor log, InfluxDB, Prometheus and on-disk spool artifacts.
package telemetry

import (
	"sync"
	"time"

	"go.uber.org/multierr"
)

// Outcome classifies one evaluation or dispatch.
type Outcome string

const (
	// OutcomeNotYet means a hysteresis guard deferred the change.
	OutcomeNotYet Outcome = "notyet"
	// OutcomeAlready means the candidate equals the unit's target.
	OutcomeAlready Outcome = "already"
	// OutcomeTarget means the unit's target changed and was queued.
	OutcomeTarget Outcome = "target"
	// OutcomeSetSpeed is reported by the dispatcher after a pass over a unit.
	OutcomeSetSpeed Outcome = "setspeed"
	// OutcomeBusy means the driver was busy and the apply will be retried.
	OutcomeBusy Outcome = "busy"
	// OutcomeFailed covers transient evaluation and apply failures.
	OutcomeFailed Outcome = "failed"
)

// Trace is one decision record.
type Trace struct {
	Time      time.Time `json:"time"`
	Group     string    `json:"group"`
	Unit      int       `json:"unit"`
	Outcome   Outcome   `json:"outcome"`
	Load      uint      `json:"load"`
	Target    uint      `json:"target"`
	Current   uint      `json:"current"`
	Candidate uint      `json:"candidate"`
	Reason    string    `json:"reason,omitempty"`
	// Dispatch marks traces reported by the dispatcher rather than by a
	// unit evaluation.
	Dispatch bool `json:"dispatch,omitempty"`
}

// Sink receives traces. Record is called from timer callbacks and the
// dispatcher and must not block for long.
type Sink interface {
	Record(Trace)
	Close() error
}

type nopSink struct{}

func (nopSink) Record(Trace) {}
func (nopSink) Close() error { return nil }

// Nop discards every trace.
func Nop() Sink { return nopSink{} }

// Multi fans traces out to several sinks.
type Multi struct {
	mu    sync.RWMutex
	sinks []Sink
}

func NewMulti(sinks ...Sink) *Multi {
	m := &Multi{}
	for _, s := range sinks {
		m.Add(s)
	}
	return m
}

// Add appends s; nil sinks are ignored.
func (m *Multi) Add(s Sink) {
	if s == nil {
		return
	}
	m.mu.Lock()
	m.sinks = append(m.sinks, s)
	m.mu.Unlock()
}

func (m *Multi) Record(t Trace) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sinks {
		s.Record(t)
	}
}

// Close closes every sink and returns all of their errors combined.
func (m *Multi) Close() error {
	m.mu.Lock()
	sinks := m.sinks
	m.sinks = nil
	m.mu.Unlock()

	var err error
	for _, s := range sinks {
		err = multierr.Append(err, s.Close())
	}
	return err
}

// Recorder keeps traces in memory; it backs the spool sink and tests.
type Recorder struct {
	mu     sync.Mutex
	traces []Trace
	limit  int
}

// NewRecorder keeps at most limit traces, dropping the oldest; 0 is unbounded.
func NewRecorder(limit int) *Recorder {
	return &Recorder{limit: limit}
}

func (r *Recorder) Record(t Trace) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.traces = append(r.traces, t)
	if r.limit > 0 && len(r.traces) > r.limit {
		r.traces = r.traces[len(r.traces)-r.limit:]
	}
}

func (r *Recorder) Close() error { return nil }

// Traces returns a copy of the recorded traces.
func (r *Recorder) Traces() []Trace {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Trace(nil), r.traces...)
}

// Count returns how many recorded traces match outcome.
func (r *Recorder) Count(outcome Outcome) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.traces {
		if t.Outcome == outcome {
			n++
		}
	}
	return n
}
