// Package scheduler runs named debounce timers. Arming a name that is
// already pending replaces the pending callback instead of stacking a second
// one, and Close cancels everything.
package scheduler

import (
	"slices"
	"sync"
	"time"

	"github.com/pitabwire/intake/internal/clock"
)

// Scheduler is safe for concurrent use.
type Scheduler struct {
	clock clock.Clock

	mu     sync.Mutex
	timers map[string]*entry
	gen    uint64
	closed bool
}

type entry struct {
	timer clock.Timer
	gen   uint64
}

// New returns a scheduler driven by c.
func New(c clock.Clock) *Scheduler {
	return &Scheduler{clock: c, timers: make(map[string]*entry)}
}

// Arm schedules fn under name after d, replacing any pending callback of the
// same name. It reports false once the scheduler is closed.
func (s *Scheduler) Arm(name string, d time.Duration, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if prev, ok := s.timers[name]; ok {
		prev.timer.Stop()
	}
	s.gen++
	gen := s.gen
	e := &entry{gen: gen}
	s.timers[name] = e
	e.timer = s.clock.AfterFunc(d, func() { s.fire(name, gen, fn) })
	return true
}

// fire runs fn unless the timer was replaced, cancelled or closed after the
// underlying clock committed to firing it.
func (s *Scheduler) fire(name string, gen uint64, fn func()) {
	s.mu.Lock()
	e, ok := s.timers[name]
	if s.closed || !ok || e.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.timers, name)
	s.mu.Unlock()

	fn()
}

// Cancel stops the pending callback of name and reports whether there was
// one.
func (s *Scheduler) Cancel(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.timers[name]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(s.timers, name)
	return true
}

// Pending reports whether name has a pending callback.
func (s *Scheduler) Pending(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[name]
	return ok
}

// Names returns the pending timer names in sorted order.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.timers))
	for name := range s.timers {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Close cancels every pending callback. Later calls to Arm are ignored.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for name, e := range s.timers {
		e.timer.Stop()
		delete(s.timers, name)
	}
}
