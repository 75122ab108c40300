package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/cuts-ae/support/internal/loop"
	"github.com/cuts-ae/support/internal/protocol"
)

func TestBackoff(t *testing.T) {
	bo := NewBackoff(time.Second, 30*time.Second)

	expected := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second, // capped
		30 * time.Second, // stays capped
	}

	for i, want := range expected {
		got := bo.Next()
		if got != want {
			t.Errorf("attempt %d: got %v, want %v", i, got, want)
		}
	}
}

func TestBackoffReset(t *testing.T) {
	bo := NewBackoff(time.Second, 30*time.Second)
	bo.Next() // 1s
	bo.Next() // 2s
	bo.Reset()

	if got := bo.Next(); got != time.Second {
		t.Errorf("after reset: got %v, want %v", got, time.Second)
	}
}

func TestBackoffNeverOverflows(t *testing.T) {
	bo := NewBackoff(time.Second, time.Minute)
	for i := 0; i < 100; i++ {
		if d := bo.Next(); d <= 0 || d > time.Minute {
			t.Fatalf("attempt %d: delay %v out of range", i, d)
		}
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func startLoop(t *testing.T) *loop.Loop {
	t.Helper()
	l := loop.New(0)
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	t.Cleanup(cancel)
	return l
}

func newTestServer(t *testing.T, handler func(r *http.Request, conn *websocket.Conn)) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			t.Logf("accept error: %v", err)
			return
		}
		defer conn.CloseNow()
		handler(r, conn)
	}))
	t.Cleanup(srv.Close)
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testConfig(url string) Config {
	cfg := DefaultConfig()
	cfg.URL = url
	cfg.Token = "secret-token"
	cfg.InstanceID = "instance-1"
	cfg.ReconnectBase = 20 * time.Millisecond
	cfg.ReconnectMax = 100 * time.Millisecond
	cfg.HeartbeatInterval = 0
	return cfg
}

func send(t *testing.T, conn *websocket.Conn, eventType string, payload interface{}) {
	t.Helper()
	data, err := protocol.NewServerEvent(eventType, payload)
	if err != nil {
		t.Errorf("build %s: %v", eventType, err)
		return
	}
	if err := conn.Write(context.Background(), websocket.MessageText, data); err != nil {
		t.Logf("server write: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestConnectWithoutCredential(t *testing.T) {
	var dialed atomic.Bool
	_, url := newTestServer(t, func(*http.Request, *websocket.Conn) { dialed.Store(true) })

	cfg := testConfig(url)
	cfg.Token = ""
	tr := New(cfg, startLoop(t).Post)

	if err := tr.Connect(context.Background()); !errors.Is(err, ErrNoCredential) {
		t.Fatalf("expected ErrNoCredential, got %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if dialed.Load() {
		t.Error("expected no dial without a credential")
	}
	if tr.Connected() {
		t.Error("expected disconnected")
	}
}

func TestEmitWhileDisconnectedIsDropped(t *testing.T) {
	tr := New(testConfig("ws://127.0.0.1:1/ws"), startLoop(t).Post)
	tr.Emit(protocol.ActionJoinSession, protocol.JoinSessionMsg{SessionID: "s1"})
	if tr.Connected() {
		t.Fatal("expected disconnected")
	}
}

func TestHandshakeHeaders(t *testing.T) {
	headers := make(chan http.Header, 1)
	_, url := newTestServer(t, func(r *http.Request, conn *websocket.Conn) {
		headers <- r.Header.Clone()
		conn.Read(context.Background())
	})

	tr := New(testConfig(url), startLoop(t).Post)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer tr.Close()

	select {
	case h := <-headers:
		if got := h.Get("Authorization"); got != "Bearer secret-token" {
			t.Errorf("Authorization = %q", got)
		}
		if got := h.Get("X-Console-Instance"); got != "instance-1" {
			t.Errorf("X-Console-Instance = %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server never saw a handshake")
	}
}

func TestDispatchInArrivalOrder(t *testing.T) {
	_, url := newTestServer(t, func(_ *http.Request, conn *websocket.Conn) {
		send(t, conn, protocol.EventChatAccepted, protocol.ChatAcceptedEvent{
			Session: protocol.SessionRecord{ID: "s1"}, AgentID: "a1",
		})
		conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"chat_closed"}`))
		conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"match_found"}`))
		send(t, conn, protocol.EventPong, nil)
		send(t, conn, protocol.EventChatClosed, protocol.ChatClosedEvent{SessionID: "s1"})
		conn.Read(context.Background())
	})

	l := startLoop(t)
	tr := New(testConfig(url), l.Post)

	var (
		mu  sync.Mutex
		got []string
	)
	record := func(s string) {
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
	}
	tr.On(protocol.EventChatAccepted, func(msg interface{}) {
		record("accepted:" + msg.(protocol.ChatAcceptedEvent).Session.ID)
	})
	tr.On(protocol.EventChatClosed, func(msg interface{}) {
		record("closed:" + msg.(protocol.ChatClosedEvent).SessionID)
	})

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer tr.Close()

	waitFor(t, "two events", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 2
	})

	mu.Lock()
	defer mu.Unlock()
	want := []string{"accepted:s1", "closed:s1"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("index %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestEmitReachesServer(t *testing.T) {
	received := make(chan []byte, 1)
	_, url := newTestServer(t, func(_ *http.Request, conn *websocket.Conn) {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			return
		}
		received <- data
		conn.Read(context.Background())
	})

	tr := New(testConfig(url), startLoop(t).Post)
	tr.OnConnectionChange(func(up bool) {
		if up {
			tr.Emit(protocol.ActionJoinSession, protocol.JoinSessionMsg{SessionID: "s1"})
		}
	})
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer tr.Close()

	select {
	case data := <-received:
		actionType, msg, err := protocol.ParseClientAction(data)
		if err != nil {
			t.Fatalf("server could not parse action: %v", err)
		}
		if actionType != protocol.ActionJoinSession {
			t.Fatalf("expected %q, got %q", protocol.ActionJoinSession, actionType)
		}
		if msg.(protocol.JoinSessionMsg).SessionID != "s1" {
			t.Errorf("unexpected payload %+v", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server never received the action")
	}
}

func TestReconnectReportsTransitions(t *testing.T) {
	var connCount atomic.Int32
	_, url := newTestServer(t, func(_ *http.Request, conn *websocket.Conn) {
		if connCount.Add(1) == 1 {
			conn.Close(websocket.StatusGoingAway, "test disconnect")
			return
		}
		conn.Read(context.Background())
	})

	var (
		mu          sync.Mutex
		transitions []bool
	)
	tr := New(testConfig(url), startLoop(t).Post)
	tr.OnConnectionChange(func(up bool) {
		mu.Lock()
		transitions = append(transitions, up)
		mu.Unlock()
	})
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer tr.Close()

	waitFor(t, "reconnect", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(transitions) >= 3
	})

	mu.Lock()
	defer mu.Unlock()
	want := []bool{true, false, true}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transitions = %v, want prefix %v", transitions, want)
		}
	}
	if !tr.Connected() {
		t.Error("expected connected after reconnect")
	}
}

func TestUnauthorizedKeepsRetrying(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	var connected atomic.Bool
	tr := New(testConfig("ws"+strings.TrimPrefix(srv.URL, "http")), startLoop(t).Post)
	tr.OnConnectionChange(func(up bool) {
		if up {
			connected.Store(true)
		}
	})
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer tr.Close()

	waitFor(t, "second attempt", func() bool { return attempts.Load() >= 2 })
	if connected.Load() {
		t.Error("expected never to report connected")
	}
}

func TestIsAuthError(t *testing.T) {
	if isAuthError(nil) {
		t.Error("nil is not an auth error")
	}
	if !isAuthError(errors.New("transport: dial: unexpected HTTP response status: 401")) {
		t.Error("expected 401 to be detected")
	}
	if isAuthError(errors.New("connection refused")) {
		t.Error("unexpected auth error")
	}
}

func TestSilentServerIsDropped(t *testing.T) {
	quit := make(chan struct{})
	var connCount atomic.Int32
	_, url := newTestServer(t, func(*http.Request, *websocket.Conn) {
		connCount.Add(1)
		// Never reads, so pings go unanswered.
		<-quit
	})
	t.Cleanup(func() { close(quit) })

	var (
		mu          sync.Mutex
		transitions []bool
	)
	cfg := testConfig(url)
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.HeartbeatTimeout = 30 * time.Millisecond
	tr := New(cfg, startLoop(t).Post)
	tr.OnConnectionChange(func(up bool) {
		mu.Lock()
		transitions = append(transitions, up)
		mu.Unlock()
	})
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer tr.Close()

	waitFor(t, "disconnect of the silent peer", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(transitions) >= 2
	})

	mu.Lock()
	got := append([]bool(nil), transitions[:2]...)
	mu.Unlock()
	if !got[0] || got[1] {
		t.Fatalf("transitions = %v, want prefix [true false]", got)
	}
	waitFor(t, "redial", func() bool { return connCount.Load() >= 2 })
}

func TestAnsweredPingsKeepConnection(t *testing.T) {
	_, url := newTestServer(t, func(_ *http.Request, conn *websocket.Conn) {
		// Reading makes the server answer pings with pongs.
		conn.Read(context.Background())
	})

	var drops atomic.Int32
	cfg := testConfig(url)
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.HeartbeatTimeout = 200 * time.Millisecond
	tr := New(cfg, startLoop(t).Post)
	tr.OnConnectionChange(func(up bool) {
		if !up {
			drops.Add(1)
		}
	})
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer tr.Close()

	waitFor(t, "connect", tr.Connected)
	time.Sleep(600 * time.Millisecond)

	if n := drops.Load(); n != 0 {
		t.Fatalf("expected no disconnect while pongs arrive, got %d", n)
	}
	if !tr.Connected() {
		t.Error("expected connected")
	}
}

func TestReadTimeout(t *testing.T) {
	tr := New(Config{HeartbeatInterval: 25 * time.Second}, func(func()) bool { return true })
	if got := tr.readTimeout(); got != 35*time.Second {
		t.Errorf("readTimeout = %v, want 35s", got)
	}

	tr = New(Config{}, func(func()) bool { return true })
	if got := tr.readTimeout(); got != 0 {
		t.Errorf("readTimeout without heartbeat = %v, want 0", got)
	}
}
