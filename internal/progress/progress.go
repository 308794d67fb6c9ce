// Package progress defines the one-way reporting channel between the
// supervision core and whatever presentation layer is observing it.
package progress

import (
	"sync"

	"github.com/rs/zerolog"
)

// Sink receives named stage updates from long-running operations.
// Implementations must not block significantly; slow consumers should
// buffer or drop.
type Sink interface {
	// SetMax sets the step count that represents completion of the
	// current phase.
	SetMax(total int)

	// Update reports a named stage with optional parameters and the
	// current step within the phase.
	Update(stage string, params map[string]string, step int)
}

// Event is a single progress update as delivered by a ChanSink.
type Event struct {
	// Stage is the symbolic stage name
	Stage string
	// Params carries optional stage parameters
	Params map[string]string
	// Step is the current step within the phase
	Step int
	// Max is the step count representing completion
	Max int
}

// Fraction returns the stage progress in the 0.0-1.0 range.
func (e Event) Fraction() float64 {
	if e.Max <= 0 {
		return 0
	}
	f := float64(e.Step) / float64(e.Max)
	if f > 1 {
		return 1
	}
	return f
}

// Tracker wraps a Sink and enforces that reported steps never decrease
// within a phase. Duplicate or stale updates are forwarded with the
// highest step seen so far.
type Tracker struct {
	mu   sync.Mutex
	sink Sink
	max  int
	last int
}

// NewTracker creates a Tracker forwarding to sink. A nil sink yields a
// tracker that swallows all updates.
func NewTracker(sink Sink) *Tracker {
	if sink == nil {
		sink = NopSink{}
	}
	return &Tracker{sink: sink}
}

// SetMax forwards the new completion target and resets the step floor.
func (t *Tracker) SetMax(total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.max = total
	t.last = 0
	t.sink.SetMax(total)
}

// Update forwards a stage update, clamping the step so it never moves
// backward within the current phase.
func (t *Tracker) Update(stage string, params map[string]string, step int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if step < t.last {
		step = t.last
	}
	if t.max > 0 && step > t.max {
		step = t.max
	}
	t.last = step
	t.sink.Update(stage, params, step)
}

// Window presents a nested reporter's full range as a fixed [lo, hi]
// slice of an outer sink. A sub-operation that runs to completion lands
// exactly on hi, so nested steps can never push the outer bar past
// their phase's weight.
type Window struct {
	sink Sink
	lo   int
	hi   int

	mu  sync.Mutex
	max int
}

// NewWindow creates a Window over sink spanning lo to hi. The nested
// scale defaults to 100 until the reporter calls SetMax.
func NewWindow(sink Sink, lo, hi int) *Window {
	if hi < lo {
		hi = lo
	}
	return &Window{sink: sink, lo: lo, hi: hi, max: 100}
}

// SetMax records the nested reporter's own completion target. The outer
// sink's target is left alone.
func (w *Window) SetMax(total int) {
	w.mu.Lock()
	if total > 0 {
		w.max = total
	}
	w.mu.Unlock()
}

// Update implements Sink, scaling step into the window's span.
func (w *Window) Update(stage string, params map[string]string, step int) {
	w.mu.Lock()
	max := w.max
	w.mu.Unlock()

	if step < 0 {
		step = 0
	}
	if step > max {
		step = max
	}
	w.sink.Update(stage, params, w.lo+(w.hi-w.lo)*step/max)
}

// NopSink discards all updates.
type NopSink struct{}

// SetMax implements Sink.
func (NopSink) SetMax(int) {}

// Update implements Sink.
func (NopSink) Update(string, map[string]string, int) {}

// LogSink writes progress updates to a zerolog logger at debug level.
type LogSink struct {
	Log zerolog.Logger

	mu  sync.Mutex
	max int
}

// SetMax implements Sink.
func (s *LogSink) SetMax(total int) {
	s.mu.Lock()
	s.max = total
	s.mu.Unlock()
}

// Update implements Sink.
func (s *LogSink) Update(stage string, params map[string]string, step int) {
	s.mu.Lock()
	max := s.max
	s.mu.Unlock()

	ev := s.Log.Debug().Str("stage", stage).Int("step", step).Int("max", max)
	for k, v := range params {
		ev = ev.Str(k, v)
	}
	ev.Msg("progress")
}

// ChanSink forwards updates to a channel without ever blocking the
// producer. Events are dropped when the channel is full; progress
// reporting is advisory and stale updates have no value.
type ChanSink struct {
	ch chan Event

	mu  sync.Mutex
	max int
}

// NewChanSink creates a ChanSink with the given buffer size.
func NewChanSink(buffer int) *ChanSink {
	return &ChanSink{ch: make(chan Event, buffer)}
}

// Events returns the receive side of the sink.
func (s *ChanSink) Events() <-chan Event {
	return s.ch
}

// SetMax implements Sink.
func (s *ChanSink) SetMax(total int) {
	s.mu.Lock()
	s.max = total
	s.mu.Unlock()
}

// Update implements Sink.
func (s *ChanSink) Update(stage string, params map[string]string, step int) {
	s.mu.Lock()
	max := s.max
	s.mu.Unlock()

	select {
	case s.ch <- Event{Stage: stage, Params: params, Step: step, Max: max}:
	default:
	}
}
