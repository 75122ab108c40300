// Package transport owns the console's push channel: a single websocket
// connection to the chat server that reconnects with exponential backoff,
// keeps itself alive with pings and hands every inbound frame to the control
// loop in arrival order. Connectivity is observable but never an error:
// callers react to transitions, they do not handle failures.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"

	"github.com/cuts-ae/support/internal/metrics"
	"github.com/cuts-ae/support/internal/protocol"
)

// ErrNoCredential is returned by Connect when no bearer token is configured.
var ErrNoCredential = errors.New("transport: missing credential")

// Config holds push channel parameters.
type Config struct {
	URL               string        // ws:// or wss:// endpoint
	Token             string        // bearer credential
	InstanceID        string        // sent as X-Console-Instance
	ReconnectBase     time.Duration // first reconnect delay
	ReconnectMax      time.Duration // reconnect delay cap, also used after a 401
	HeartbeatInterval time.Duration // client ping period; 0 disables
	HeartbeatTimeout  time.Duration // silence tolerated past HeartbeatInterval before the connection is dropped
	WriteTimeout      time.Duration // per-frame write deadline
	DialTimeout       time.Duration // handshake timeout
	OutboxSize        int           // queued outbound frames per connection
}

// DefaultConfig returns sensible defaults for everything but URL and Token.
func DefaultConfig() Config {
	return Config{
		ReconnectBase:     time.Second,
		ReconnectMax:      30 * time.Second,
		HeartbeatInterval: 25 * time.Second,
		HeartbeatTimeout:  10 * time.Second,
		WriteTimeout:      10 * time.Second,
		DialTimeout:       10 * time.Second,
		OutboxSize:        64,
	}
}

// Transport is the push channel client. Handlers and connection callbacks run
// on the control loop through the post function given to New.
type Transport struct {
	cfg        Config
	post       func(func()) bool
	dispatcher *Dispatcher

	mu       sync.Mutex
	conn     *conn
	onChange []func(bool)
	cancel   context.CancelFunc
	started  bool

	connected atomic.Bool
	wg        sync.WaitGroup
}

// New creates a Transport. post schedules a function on the control loop and
// reports false once the loop has stopped.
func New(cfg Config, post func(func()) bool) *Transport {
	def := DefaultConfig()
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = def.ReconnectBase
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = def.ReconnectMax
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = def.OutboxSize
	}
	if cfg.HeartbeatInterval > 0 && cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = def.HeartbeatTimeout
	}
	return &Transport{
		cfg:        cfg,
		post:       post,
		dispatcher: NewDispatcher(),
	}
}

// On registers the handler for an event type. Register before Connect.
func (t *Transport) On(eventType string, handler EventHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dispatcher.Register(eventType, handler)
}

// OnConnectionChange registers a callback for connected/disconnected
// transitions. Register before Connect.
func (t *Transport) OnConnectionChange(fn func(connected bool)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = append(t.onChange, fn)
}

// Connect starts the connection loop in the background and returns
// immediately. Dial failures are retried forever; the only error is a missing
// credential, in which case nothing is dialed. Calling Connect again is a
// no-op.
func (t *Transport) Connect(ctx context.Context) error {
	if t.cfg.Token == "" {
		return ErrNoCredential
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return nil
	}
	t.started = true

	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.run(runCtx)
	}()
	return nil
}

// Connected reports whether a connection is currently live.
func (t *Transport) Connected() bool {
	return t.connected.Load()
}

// Emit sends an action fire-and-forget. While disconnected the action is
// dropped, not queued.
func (t *Transport) Emit(action string, payload interface{}) {
	data, err := protocol.NewClientAction(action, payload)
	if err != nil {
		log.Printf("transport: failed to build %s: %v", action, err)
		return
	}

	t.mu.Lock()
	c := t.conn
	t.mu.Unlock()

	if c == nil {
		metrics.EventsDropped.WithLabelValues("disconnected").Inc()
		log.Printf("transport: dropping %s while disconnected", action)
		return
	}
	if !c.enqueue(data) {
		log.Printf("transport: dropping %s: outbox unavailable", action)
	}
}

// Close stops reconnecting, closes the live connection and waits for the
// background goroutines to exit.
func (t *Transport) Close() error {
	t.mu.Lock()
	cancel := t.cancel
	c := t.conn
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c != nil {
		c.close()
	}
	t.wg.Wait()
	return nil
}

// run connects and serves until ctx is cancelled, backing off between
// attempts. The backoff resets after every connection that got established.
func (t *Transport) run(ctx context.Context) {
	bo := NewBackoff(t.cfg.ReconnectBase, t.cfg.ReconnectMax)
	for {
		connected, err := t.connectAndServe(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			bo.Reset()
		}

		delay := bo.Next()
		if isAuthError(err) {
			log.Printf("transport: server rejected credential: %v", err)
			delay = t.cfg.ReconnectMax
		}
		log.Printf("transport: disconnected: %v; reconnecting in %s", err, delay)
		metrics.Reconnects.Inc()

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (t *Transport) connectAndServe(ctx context.Context) (connected bool, err error) {
	dialer := ws.Dialer{
		Header: ws.HandshakeHeaderHTTP(http.Header{
			"Authorization":      []string{"Bearer " + t.cfg.Token},
			"X-Console-Instance": []string{t.cfg.InstanceID},
		}),
		Timeout: t.cfg.DialTimeout,
	}

	nc, br, _, err := dialer.Dial(ctx, t.cfg.URL)
	if err != nil {
		return false, fmt.Errorf("transport: dial: %w", err)
	}

	c := newConn(nc, br, t.cfg.OutboxSize, t.cfg.WriteTimeout, t.readTimeout())
	t.setConn(c)
	defer t.setConn(nil)
	defer c.close()

	go c.writeLoop()
	go c.heartbeat(t.cfg.HeartbeatInterval)
	go func() {
		select {
		case <-ctx.Done():
			c.close()
		case <-c.done:
		}
	}()

	for {
		data, err := c.readMessage()
		if err != nil {
			return true, fmt.Errorf("transport: read: %w", err)
		}
		t.post(func() { t.dispatcher.Dispatch(data) })
	}
}

// readTimeout is how long the connection may stay silent: one heartbeat
// interval for the pong to be due plus the tolerated delay. Without a
// heartbeat there is nothing to expect and no deadline.
func (t *Transport) readTimeout() time.Duration {
	if t.cfg.HeartbeatInterval <= 0 {
		return 0
	}
	return t.cfg.HeartbeatInterval + t.cfg.HeartbeatTimeout
}

// setConn publishes the live connection and reports the transition to the
// control loop. The connection is visible to Emit before the connected
// callbacks run, and gone before the disconnected callbacks run.
func (t *Transport) setConn(c *conn) {
	t.mu.Lock()
	t.conn = c
	callbacks := t.onChange
	t.mu.Unlock()

	up := c != nil
	t.connected.Store(up)
	metrics.SetConnected(up)
	if up {
		log.Printf("transport: connected to %s", t.cfg.URL)
	}

	t.post(func() {
		for _, fn := range callbacks {
			fn(up)
		}
	})
}

// isAuthError reports whether the handshake was rejected with 401.
func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	var status ws.StatusError
	if errors.As(err, &status) {
		return int(status) == http.StatusUnauthorized
	}
	return strings.Contains(err.Error(), "401")
}
