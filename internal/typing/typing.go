// Package typing turns raw keystroke activity into start/stop presence signals
// and tracks the presence of remote typists. Both debouncers expect to be
// driven from the control loop; they are not safe for concurrent use.
package typing

import (
	"sort"
	"time"

	"github.com/cuts-ae/support/internal/loop"
)

// DefaultTimeout is the silence delay after which a typing signal ends.
const DefaultTimeout = time.Second

// Outgoing debounces local input changes into one start per burst of typing
// and one stop when input goes quiet or is cleared.
type Outgoing struct {
	sched   loop.Scheduler
	timeout time.Duration
	onStart func()
	onStop  func()

	active bool
	timer  loop.Timer
	gen    uint64
}

// NewOutgoing creates an Outgoing debouncer. onStart and onStop are the
// emitters for the typing and stop_typing actions.
func NewOutgoing(sched loop.Scheduler, timeout time.Duration, onStart, onStop func()) *Outgoing {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Outgoing{sched: sched, timeout: timeout, onStart: onStart, onStop: onStop}
}

// Changed records a change of the local input. An empty text ends typing
// immediately.
func (o *Outgoing) Changed(text string) {
	if text == "" {
		o.Stop()
		return
	}
	if !o.active {
		o.active = true
		o.onStart()
	}
	o.arm()
}

// Stop ends typing now if it is active and cancels the silence timer.
func (o *Outgoing) Stop() {
	o.disarm()
	if o.active {
		o.active = false
		o.onStop()
	}
}

// Active reports whether a start has been emitted without a matching stop.
func (o *Outgoing) Active() bool {
	return o.active
}

func (o *Outgoing) arm() {
	o.disarm()
	gen := o.gen
	o.timer = o.sched.AfterFunc(o.timeout, func() {
		if gen != o.gen {
			return
		}
		o.timer = nil
		if o.active {
			o.active = false
			o.onStop()
		}
	})
}

// disarm stops the pending timer and invalidates any firing already queued on
// the loop.
func (o *Outgoing) disarm() {
	o.gen++
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
}

// Incoming tracks which remote users are typing. Each sender has its own
// timer; a start refreshes it and a stop or silence clears it.
type Incoming struct {
	sched    loop.Scheduler
	timeout  time.Duration
	onChange func(typing bool)

	typists map[string]*signal
	gen     uint64
}

type signal struct {
	timer loop.Timer
	gen   uint64
}

// NewIncoming creates an Incoming tracker. onChange, if set, is called when the
// aggregate typing flag flips.
func NewIncoming(sched loop.Scheduler, timeout time.Duration, onChange func(typing bool)) *Incoming {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Incoming{
		sched:    sched,
		timeout:  timeout,
		onChange: onChange,
		typists:  make(map[string]*signal),
	}
}

// Start marks userID as typing, refreshing an existing signal.
func (in *Incoming) Start(userID string) {
	was := in.Typing()
	if sig, ok := in.typists[userID]; ok {
		sig.timer.Stop()
	}

	in.gen++
	sig := &signal{gen: in.gen}
	sig.timer = in.sched.AfterFunc(in.timeout, func() {
		cur, ok := in.typists[userID]
		if !ok || cur.gen != sig.gen {
			return
		}
		in.remove(userID)
	})
	in.typists[userID] = sig
	in.notify(was)
}

// Stop clears userID's signal.
func (in *Incoming) Stop(userID string) {
	if _, ok := in.typists[userID]; ok {
		in.remove(userID)
	}
}

// Reset clears every signal.
func (in *Incoming) Reset() {
	was := in.Typing()
	for id, sig := range in.typists {
		sig.timer.Stop()
		delete(in.typists, id)
	}
	in.notify(was)
}

// Typing reports whether anyone is typing.
func (in *Incoming) Typing() bool {
	return len(in.typists) > 0
}

// Typists returns the ids currently typing, sorted.
func (in *Incoming) Typists() []string {
	out := make([]string, 0, len(in.typists))
	for id := range in.typists {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (in *Incoming) remove(userID string) {
	was := in.Typing()
	in.typists[userID].timer.Stop()
	delete(in.typists, userID)
	in.notify(was)
}

func (in *Incoming) notify(was bool) {
	if now := in.Typing(); now != was && in.onChange != nil {
		in.onChange(now)
	}
}
