// Package loop provides the single control goroutine of the console. Push
// events, timer expirations and operator actions are all posted here and run
// one at a time, so the state they touch needs no locking.
package loop

import (
	"context"
	"errors"
	"sync"
	"time"
)

// DefaultBuffer is the task queue depth used by New when size <= 0.
const DefaultBuffer = 256

// ErrStopped is returned by Do once the loop has exited.
var ErrStopped = errors.New("loop: stopped")

// Timer is a pending AfterFunc call.
type Timer interface {
	// Stop prevents the call from firing. It returns false if the timer
	// already fired or was stopped.
	Stop() bool
}

// Scheduler arms timers whose callbacks run on the control goroutine.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Timer
}

// Loop serializes tasks onto one goroutine.
type Loop struct {
	tasks    chan func()
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a Loop with a task queue of the given depth.
func New(size int) *Loop {
	if size <= 0 {
		size = DefaultBuffer
	}
	return &Loop{
		tasks: make(chan func(), size),
		done:  make(chan struct{}),
	}
}

// Run executes posted tasks in order until ctx is cancelled or Stop is called.
// Tasks still queued at that point are dropped.
func (l *Loop) Run(ctx context.Context) error {
	defer l.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.done:
			return nil
		case fn := <-l.tasks:
			fn()
		}
	}
}

// Stop terminates Run. It is safe to call more than once.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.done) })
}

// Done is closed once the loop has stopped.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Post queues fn for execution. It blocks while the queue is full and returns
// false if the loop has stopped. Post must not be called from a task.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.tasks <- fn:
		return true
	case <-l.done:
		return false
	}
}

// Do posts fn and waits for it to finish. It must not be called from a task.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrStopped
	}
}

// AfterFunc arms a timer that posts fn to the loop after d.
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, func() { l.Post(fn) })
}
