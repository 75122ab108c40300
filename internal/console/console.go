// Package console wires the realtime session engine together. A Console owns
// the control loop and everything driven from it: the session directory, the
// viewport of the open session and the outbound rate limits. Push events,
// snapshot completions, timers and operator actions are all serialized onto
// that loop, so none of the state below is locked.
package console

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuts-ae/support/internal/chat"
	"github.com/cuts-ae/support/internal/directory"
	"github.com/cuts-ae/support/internal/loop"
	"github.com/cuts-ae/support/internal/messaging"
	"github.com/cuts-ae/support/internal/metrics"
	"github.com/cuts-ae/support/internal/ratelimit"
	"github.com/cuts-ae/support/internal/session"
	"github.com/cuts-ae/support/internal/store"
	"github.com/cuts-ae/support/internal/transport"
	"github.com/cuts-ae/support/internal/typing"
	"github.com/cuts-ae/support/internal/viewport"
)

// Errors returned by operator actions.
var (
	ErrNotActive   = errors.New("console: session is not active for this agent")
	ErrNotInQueue  = errors.New("console: session is not waiting in the queue")
	ErrNoSelection = viewport.ErrNoSelection
	ErrRateLimited = errors.New("console: rate limited")
)

// Channel is the push channel. *transport.Transport implements it; handlers
// and connection callbacks must be delivered on the console's loop.
type Channel interface {
	On(eventType string, handler transport.EventHandler)
	OnConnectionChange(fn func(connected bool))
	Connect(ctx context.Context) error
	Emit(action string, payload interface{})
	Connected() bool
	Close() error
}

// SnapshotSource reads the authoritative session list. *snapshot.Loader
// implements it.
type SnapshotSource interface {
	Fetch(ctx context.Context, agentID string) ([]session.Session, error)
}

// Publisher mirrors console state to supervisors. *messaging.NATSClient
// implements it.
type Publisher interface {
	PublishState(state messaging.StateSummary) error
}

// Config holds console parameters.
type Config struct {
	AgentID         string
	InstanceID      string        // generated when empty
	TypingTimeout   time.Duration // outgoing and incoming typing expiry
	SnapshotTimeout time.Duration // per snapshot read
	RetryBase       time.Duration // first snapshot retry delay
	RetryMax        time.Duration // snapshot retry delay cap
	MessageRule     ratelimit.Rule
	AcceptRule      ratelimit.Rule
}

// State is a read-only copy of everything an operator UI renders.
type State struct {
	Connected bool
	Queue     []session.Session
	Active    []session.Session
	Selected  string
	Phase     viewport.Phase
	Messages  []chat.Message
	Typing    bool
}

// Option configures optional collaborators of a Console.
type Option func(*Console)

// WithStore enables the last-known-good snapshot cache.
func WithStore(s store.SnapshotStore) Option {
	return func(c *Console) { c.cache = s }
}

// WithPublisher mirrors every state change to p.
func WithPublisher(p Publisher) Option {
	return func(c *Console) { c.pub = p }
}

// WithScheduler replaces the loop's timers, for tests. Callbacks must still
// run on the loop.
func WithScheduler(s loop.Scheduler) Option {
	return func(c *Console) { c.sched = s }
}

// OnChange registers a callback invoked on the loop after every state change.
func OnChange(fn func(State)) Option {
	return func(c *Console) { c.onChange = append(c.onChange, fn) }
}

// Console is the session engine of one agent.
type Console struct {
	cfg      Config
	loop     *loop.Loop
	sched    loop.Scheduler
	ch       Channel
	src      SnapshotSource
	cache    store.SnapshotStore
	pub      Publisher
	onChange []func(State)

	dir     *directory.Directory
	view    *viewport.Viewport
	limiter *ratelimit.Limiter

	// loop-owned
	connected bool
	fetchGen  uint64
	applied   int
	retry     loop.Timer
	backoff   *transport.Backoff

	saves chan []session.Session // latest list awaiting the cache writer

	ctx context.Context
	wg  sync.WaitGroup
}

// New creates a Console driven by lp. ch must deliver its callbacks through
// lp.Post. The push handlers are registered immediately; nothing runs until
// Run.
func New(cfg Config, lp *loop.Loop, ch Channel, src SnapshotSource, opts ...Option) *Console {
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.TypingTimeout <= 0 {
		cfg.TypingTimeout = typing.DefaultTimeout
	}
	if cfg.SnapshotTimeout <= 0 {
		cfg.SnapshotTimeout = 10 * time.Second
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 30 * time.Second
	}
	if cfg.MessageRule.Key == "" {
		cfg.MessageRule = ratelimit.RuleMessage
	}
	if cfg.AcceptRule.Key == "" {
		cfg.AcceptRule = ratelimit.RuleAccept
	}

	c := &Console{
		cfg:     cfg,
		loop:    lp,
		sched:   lp,
		ch:      ch,
		src:     src,
		dir:     directory.New(cfg.AgentID),
		limiter: ratelimit.NewLimiter(),
		backoff: transport.NewBackoff(cfg.RetryBase, cfg.RetryMax),
		saves:   make(chan []session.Session, 1),
		ctx:     context.Background(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.view = viewport.New(ch, settled{c}, cfg.AgentID, cfg.TypingTimeout, nil)

	for eventType, handler := range c.routes() {
		ch.On(eventType, handler)
	}
	ch.OnConnectionChange(c.connectionChanged)
	return c
}

// InstanceID identifies this console process.
func (c *Console) InstanceID() string {
	return c.cfg.InstanceID
}

// Run seeds the directory from the cache, connects the push channel, starts
// the first snapshot read and then runs the control loop until ctx is
// cancelled. A channel that refuses to connect fails Run before anything is
// read. The channel is closed before Run returns.
func (c *Console) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.ctx = ctx

	// The loop is not running yet, so this goroutine owns the state.
	c.seed(ctx)

	if err := c.ch.Connect(ctx); err != nil {
		c.loop.Stop()
		return fmt.Errorf("console: connect: %w", err)
	}

	if c.cache != nil {
		c.wg.Add(1)
		go c.cacheWriter(ctx)
	}
	c.resync()
	c.changed()
	log.Printf("[console] running agent=%s instance=%s", c.cfg.AgentID, c.cfg.InstanceID)

	err := c.loop.Run(ctx)
	cancel()
	if cerr := c.ch.Close(); cerr != nil {
		log.Printf("[console] channel close: %v", cerr)
	}
	c.wg.Wait()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// State returns a copy of the current state.
func (c *Console) State(ctx context.Context) (State, error) {
	var s State
	err := c.loop.Do(ctx, func() { s = c.state() })
	return s, err
}

func (c *Console) state() State {
	return State{
		Connected: c.connected,
		Queue:     c.dir.Queue(),
		Active:    c.dir.Active(),
		Selected:  c.view.Selected(),
		Phase:     c.view.Phase(),
		Messages:  c.view.Messages(),
		Typing:    c.view.Typing(),
	}
}

// changed publishes the current state to observers, gauges and the
// supervisor mirror.
func (c *Console) changed() {
	s := c.state()
	metrics.QueueSize.Set(float64(len(s.Queue)))
	metrics.ActiveChats.Set(float64(len(s.Active)))

	for _, fn := range c.onChange {
		fn(s)
	}

	if c.pub == nil {
		return
	}
	summary := messaging.StateSummary{
		AgentID:    c.cfg.AgentID,
		InstanceID: c.cfg.InstanceID,
		Connected:  s.Connected,
		Queue:      ids(s.Queue),
		Active:     ids(s.Active),
		Selected:   s.Selected,
		Phase:      s.Phase.String(),
		At:         time.Now(),
	}
	for _, a := range s.Active {
		summary.Unread += a.UnreadCount
	}
	if err := c.pub.PublishState(summary); err != nil {
		log.Printf("[console] publish state: %v", err)
	}
}

// ensureSelection closes the viewport when its session left the active view.
func (c *Console) ensureSelection() {
	sel := c.view.Selected()
	if sel != "" && !c.dir.InActive(sel) {
		log.Printf("[console] session=%s no longer active, closing viewport", sel)
		c.view.Deselect()
	}
}

func ids(list []session.Session) []string {
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = s.ID
	}
	return out
}

// settled wraps the scheduler so every timer callback is followed by a state
// publication, the way every push handler is.
type settled struct{ c *Console }

func (s settled) AfterFunc(d time.Duration, fn func()) loop.Timer {
	return s.c.sched.AfterFunc(d, func() {
		fn()
		s.c.changed()
	})
}
