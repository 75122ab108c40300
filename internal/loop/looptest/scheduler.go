// Package looptest provides a manual clock implementing loop.Scheduler for
// timer-driven tests.
package looptest

import (
	"sort"
	"sync"
	"time"

	"github.com/cuts-ae/support/internal/loop"
)

// Scheduler fires timers only when Advance moves its clock past their
// deadline. Callbacks run synchronously inside Advance.
type Scheduler struct {
	mu     sync.Mutex
	now    time.Duration
	nextID int
	timers []*timer
}

type timer struct {
	s       *Scheduler
	id      int
	at      time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func (t *timer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// New creates a Scheduler at time zero.
func New() *Scheduler {
	return &Scheduler{}
}

// AfterFunc implements loop.Scheduler.
func (s *Scheduler) AfterFunc(d time.Duration, fn func()) loop.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	t := &timer{s: s, id: s.nextID, at: s.now + d, fn: fn}
	s.timers = append(s.timers, t)
	return t
}

// Advance moves the clock forward by d, firing due timers in deadline order.
// Timers armed by a callback fire in the same call if they fall due.
func (s *Scheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now + d
	s.mu.Unlock()

	for {
		s.mu.Lock()
		next := s.nextDue(target)
		if next == nil {
			s.now = target
			s.mu.Unlock()
			return
		}
		s.now = next.at
		next.fired = true
		s.mu.Unlock()
		next.fn()
	}
}

// Pending returns the number of armed timers that have neither fired nor been
// stopped.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

func (s *Scheduler) nextDue(target time.Duration) *timer {
	live := s.timers[:0]
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			live = append(live, t)
		}
	}
	s.timers = live
	sort.SliceStable(s.timers, func(i, j int) bool {
		if s.timers[i].at != s.timers[j].at {
			return s.timers[i].at < s.timers[j].at
		}
		return s.timers[i].id < s.timers[j].id
	})
	if len(s.timers) == 0 || s.timers[0].at > target {
		return nil
	}
	return s.timers[0]
}
