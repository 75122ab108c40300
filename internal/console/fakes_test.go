package console

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuts-ae/support/internal/loop"
	"github.com/cuts-ae/support/internal/loop/looptest"
	"github.com/cuts-ae/support/internal/messaging"
	"github.com/cuts-ae/support/internal/protocol"
	"github.com/cuts-ae/support/internal/session"
	"github.com/cuts-ae/support/internal/transport"
)

const (
	me      = "agent-me"
	other   = "agent-other"
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

// ---------------------------------------------------------------------------
// Push channel
// ---------------------------------------------------------------------------

type sentAction struct {
	action  string
	payload interface{}
}

// fakeChannel routes pushed frames through a real transport.Dispatcher on the
// console's loop and records emitted actions.
type fakeChannel struct {
	lp         *loop.Loop
	dispatcher *transport.Dispatcher
	connected  atomic.Bool

	mu       sync.Mutex
	onChange []func(bool)
	sent     []sentAction
}

func newFakeChannel(lp *loop.Loop) *fakeChannel {
	return &fakeChannel{lp: lp, dispatcher: transport.NewDispatcher()}
}

func (f *fakeChannel) On(eventType string, handler transport.EventHandler) {
	f.dispatcher.Register(eventType, handler)
}

func (f *fakeChannel) OnConnectionChange(fn func(bool)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onChange = append(f.onChange, fn)
}

func (f *fakeChannel) Connect(context.Context) error { return nil }
func (f *fakeChannel) Connected() bool               { return f.connected.Load() }
func (f *fakeChannel) Close() error                  { return nil }

func (f *fakeChannel) Emit(action string, payload interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentAction{action, payload})
}

func (f *fakeChannel) actions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, s := range f.sent {
		out[i] = s.action
	}
	return out
}

func (f *fakeChannel) last() sentAction {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return sentAction{}
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeChannel) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = nil
}

// push delivers one server event and waits until its handler has run.
func (f *fakeChannel) push(t *testing.T, eventType string, payload interface{}) {
	t.Helper()
	data, err := protocol.NewServerEvent(eventType, payload)
	require.NoError(t, err)
	require.NoError(t, f.lp.Do(context.Background(), func() { f.dispatcher.Dispatch(data) }))
}

// pushRaw delivers an arbitrary frame.
func (f *fakeChannel) pushRaw(t *testing.T, data string) {
	t.Helper()
	require.NoError(t, f.lp.Do(context.Background(), func() { f.dispatcher.Dispatch([]byte(data)) }))
}

func (f *fakeChannel) setConnected(t *testing.T, up bool) {
	t.Helper()
	f.connected.Store(up)
	f.mu.Lock()
	callbacks := f.onChange
	f.mu.Unlock()
	require.NoError(t, f.lp.Do(context.Background(), func() {
		for _, fn := range callbacks {
			fn(up)
		}
	}))
}

// ---------------------------------------------------------------------------
// Snapshot source
// ---------------------------------------------------------------------------

type fetchResult struct {
	entries []session.Session
	err     error
}

type pendingFetch struct {
	reply chan fetchResult
}

func (p *pendingFetch) respond(entries ...session.Session) {
	p.reply <- fetchResult{entries: entries}
}

func (p *pendingFetch) fail(err error) {
	p.reply <- fetchResult{err: err}
}

// fakeSource blocks every Fetch until the test answers it.
type fakeSource struct {
	calls chan *pendingFetch
}

func newFakeSource() *fakeSource {
	return &fakeSource{calls: make(chan *pendingFetch, 16)}
}

func (s *fakeSource) Fetch(ctx context.Context, agentID string) ([]session.Session, error) {
	p := &pendingFetch{reply: make(chan fetchResult, 1)}
	select {
	case s.calls <- p:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-p.reply:
		return r.entries, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// next waits for the next outstanding read.
func (s *fakeSource) next(t *testing.T) *pendingFetch {
	t.Helper()
	select {
	case p := <-s.calls:
		return p
	case <-time.After(waitFor):
		t.Fatal("no snapshot read issued")
		return nil
	}
}

func (s *fakeSource) idle(t *testing.T) {
	t.Helper()
	select {
	case <-s.calls:
		t.Fatal("unexpected snapshot read")
	case <-time.After(50 * time.Millisecond):
	}
}

// ---------------------------------------------------------------------------
// Cache and publisher
// ---------------------------------------------------------------------------

type fakeStore struct {
	mu     sync.Mutex
	loaded []session.Session
	saved  [][]session.Session

	// When set, every Save signals entered and then waits for a token on gate.
	gate    chan struct{}
	entered chan struct{}
}

func (s *fakeStore) Save(ctx context.Context, _ string, sessions []session.Session) error {
	if s.gate != nil {
		s.entered <- struct{}{}
		select {
		case <-s.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, sessions)
	return nil
}

func (s *fakeStore) Load(context.Context, string) ([]session.Session, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded == nil {
		return nil, time.Time{}, nil
	}
	return s.loaded, t0, nil
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) saves() [][]session.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]session.Session(nil), s.saved...)
}

type fakePublisher struct {
	mu        sync.Mutex
	summaries []messaging.StateSummary
	err       error
}

func (p *fakePublisher) PublishState(s messaging.StateSummary) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.summaries = append(p.summaries, s)
	return p.err
}

func (p *fakePublisher) latest() (messaging.StateSummary, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.summaries) == 0 {
		return messaging.StateSummary{}, false
	}
	return p.summaries[len(p.summaries)-1], true
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type harness struct {
	c     *Console
	lp    *loop.Loop
	ch    *fakeChannel
	src   *fakeSource
	sched *looptest.Scheduler
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	if cfg.AgentID == "" {
		cfg.AgentID = me
	}
	if cfg.TypingTimeout == 0 {
		cfg.TypingTimeout = time.Second
	}

	h := &harness{
		lp:    loop.New(0),
		src:   newFakeSource(),
		sched: looptest.New(),
	}
	h.ch = newFakeChannel(h.lp)
	opts = append(opts, WithScheduler(h.sched))
	h.c = New(cfg, h.lp, h.ch, h.src, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(waitFor):
			t.Error("Run did not return")
		}
	})
	return h
}

// started answers the startup read with entries, connects and answers the
// read issued on connect with the same entries. It returns once both reads
// have been applied.
func (h *harness) started(t *testing.T, entries ...session.Session) {
	t.Helper()
	h.src.next(t).respond(entries...)
	h.waitApplied(t, 1)
	h.ch.setConnected(t, true)
	h.src.next(t).respond(entries...)
	h.waitApplied(t, 2)
}

func (h *harness) waitApplied(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		var got int
		err := h.lp.Do(context.Background(), func() { got = h.c.applied })
		return err == nil && got >= n
	}, waitFor, tick)
}

func (h *harness) state(t *testing.T) State {
	t.Helper()
	s, err := h.c.State(context.Background())
	require.NoError(t, err)
	return s
}

func (h *harness) eventually(t *testing.T, cond func(State) bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, err := h.c.State(context.Background())
		return err == nil && cond(s)
	}, waitFor, tick)
}

// advance moves the fake clock on the loop.
func (h *harness) advance(t *testing.T, d time.Duration) {
	t.Helper()
	require.NoError(t, h.lp.Do(context.Background(), func() { h.sched.Advance(d) }))
}

func waiting(id string, min int) session.Session {
	return session.Session{
		ID:           id,
		SubjectLabel: "subject " + id,
		Status:       session.StatusWaiting,
		CreatedAt:    t0.Add(time.Duration(min) * time.Minute),
	}
}

func active(id, agent string, min int) session.Session {
	s := waiting(id, min)
	s.Status = session.StatusActive
	s.AssignedAgentID = agent
	return s
}

func sessionRecord(id string, min int) protocol.SessionRecord {
	return protocol.SessionRecord{
		ID:        id,
		Subject:   "subject " + id,
		Status:    protocol.StatusWaiting,
		CreatedAt: t0.Add(time.Duration(min) * time.Minute),
	}
}

func messageRecord(sessionID, id, role string, sec int) protocol.MessageRecord {
	return protocol.MessageRecord{
		ID:          id,
		SessionID:   sessionID,
		SenderRole:  role,
		SenderID:    role + "-1",
		Content:     "text " + id,
		MessageType: protocol.MessageTypeText,
		CreatedAt:   t0.Add(time.Duration(sec) * time.Second),
	}
}

var errBoom = errors.New("boom")
