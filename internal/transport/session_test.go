package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/bombsquad/defusal/internal/protocol"
	"github.com/bombsquad/defusal/internal/ws"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type testServer struct {
	*ws.Server
	URL      string
	received chan []byte
}

func startServer(t *testing.T) *testServer {
	t.Helper()

	cfg := ws.DefaultServerConfig()
	cfg.Heartbeat.Interval = 0

	ts := &testServer{received: make(chan []byte, 16)}
	ts.Server = ws.NewServer(cfg, func(_ *ws.Connection, data []byte) {
		ts.received <- data
	})

	httpSrv := httptest.NewServer(ts.Handler())
	ts.URL = "ws://" + strings.TrimPrefix(httpSrv.URL, "http://") + "/ws"

	t.Cleanup(func() {
		_ = ts.Shutdown(context.Background())
		httpSrv.Close()
	})
	return ts
}

func testConfig(url string) Config {
	cfg := DefaultConfig(url)
	cfg.DialTimeout = 2 * time.Second
	cfg.ReadTimeout = 0
	cfg.PingInterval = 0
	return cfg
}

// closedAddr returns a loopback address nothing is listening on.
func closedAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	var zero T
	return zero
}

type statusRecorder struct {
	mu       sync.Mutex
	statuses []Status
}

func (r *statusRecorder) record(s Status) {
	r.mu.Lock()
	r.statuses = append(r.statuses, s)
	r.mu.Unlock()
}

func (r *statusRecorder) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	parts := make([]string, len(r.statuses))
	for i, s := range r.statuses {
		parts[i] = s.String()
	}
	return strings.Join(parts, ",")
}

// ---------------------------------------------------------------------------
// Connection lifecycle
// ---------------------------------------------------------------------------

func TestConnectDeliversMessages(t *testing.T) {
	srv := startServer(t)
	sess := New(testConfig(srv.URL))
	defer sess.Disconnect()

	got := make(chan json.RawMessage, 1)
	sess.OnMessage(protocol.EventGameState, func(data json.RawMessage) { got <- data })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := sess.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := sess.WaitConnected(ctx); err != nil {
		t.Fatalf("wait connected: %v", err)
	}

	id := sess.SessionID()
	if id == "" {
		t.Fatal("expected a session ID while connected")
	}
	eventually(t, func() bool { return srv.Connections().Get(id) != nil })

	if err := srv.Push(id, protocol.EventGameState, map[string]interface{}{"type": "timerUpdate", "gameId": "g1", "timeRemaining": 42}); err != nil {
		t.Fatalf("push: %v", err)
	}

	data := receive(t, got)
	if !strings.Contains(string(data), `"timeRemaining":42`) {
		t.Errorf("unexpected payload %s", data)
	}
}

func TestSendReachesServer(t *testing.T) {
	srv := startServer(t)
	sess := New(testConfig(srv.URL))
	defer sess.Disconnect()

	ctx := context.Background()
	_ = sess.Connect(ctx)
	if err := sess.WaitConnected(ctx); err != nil {
		t.Fatalf("wait connected: %v", err)
	}

	if err := sess.Send(protocol.EventJoinGame, protocol.JoinGameMsg{GameID: "g1", Role: protocol.RoleDefuser}); err != nil {
		t.Fatalf("send: %v", err)
	}

	channel, msg, err := protocol.ParseClientFrame(receive(t, srv.received))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if channel != protocol.EventJoinGame {
		t.Errorf("expected joinGame, got %q", channel)
	}
	if join := msg.(protocol.JoinGameMsg); join.GameID != "g1" || join.Role != protocol.RoleDefuser {
		t.Errorf("unexpected join payload %+v", join)
	}
}

func TestSendWithoutConnection(t *testing.T) {
	sess := New(testConfig("ws://127.0.0.1:1/ws"))
	defer sess.Disconnect()

	err := sess.Send(protocol.EventAddStrike, protocol.AddStrikeMsg{GameID: "g1"})
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestConnectIsNoopWhileRunning(t *testing.T) {
	srv := startServer(t)
	sess := New(testConfig(srv.URL))
	defer sess.Disconnect()

	ctx := context.Background()
	_ = sess.Connect(ctx)
	if err := sess.WaitConnected(ctx); err != nil {
		t.Fatalf("wait connected: %v", err)
	}
	first := sess.SessionID()

	_ = sess.Connect(ctx)
	_ = sess.Reconnect(ctx)

	time.Sleep(50 * time.Millisecond)
	if got := srv.Connections().Count(); got != 1 {
		t.Errorf("expected 1 server connection, got %d", got)
	}
	if sess.SessionID() != first {
		t.Error("expected the original connection to be kept")
	}
}

// ---------------------------------------------------------------------------
// Reconnection
// ---------------------------------------------------------------------------

func TestReconnectsAfterDrop(t *testing.T) {
	srv := startServer(t)
	clock := clockwork.NewFakeClock()
	sess := New(testConfig(srv.URL), WithClock(clock))
	defer sess.Disconnect()

	var rec statusRecorder
	connected := make(chan string, 4)
	disconnected := make(chan string, 4)
	sess.OnStatus(rec.record)
	sess.OnConnected(func(id string) { connected <- id })
	sess.OnDisconnected(func(reason string) { disconnected <- reason })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_ = sess.Connect(ctx)
	first := receive(t, connected)
	eventually(t, func() bool { return srv.Connections().Count() == 1 })

	srv.DropAll()
	receive(t, disconnected)

	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("waiting for retry timer: %v", err)
	}
	select {
	case <-connected:
		t.Fatal("reconnected before the retry delay elapsed")
	default:
	}
	clock.Advance(time.Second)

	second := receive(t, connected)
	if second == first {
		t.Error("expected a fresh session ID after reconnecting")
	}

	want := "connecting,connected,disconnected,connecting,connected"
	if got := rec.String(); got != want {
		t.Errorf("status sequence:\n got  %s\n want %s", got, want)
	}
}

func TestReconnectBudgetExhausted(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cfg := testConfig("ws://" + closedAddr(t) + "/ws")
	sess := New(cfg, WithClock(clock))
	defer sess.Disconnect()

	var (
		mu     sync.Mutex
		errs   []string
		failed = make(chan struct{}, 1)
	)
	sess.OnConnectionError(func(msg string) {
		mu.Lock()
		errs = append(errs, msg)
		mu.Unlock()
		failed <- struct{}{}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = sess.Connect(ctx)

	for i := 0; i < cfg.MaxReconnectAttempts; i++ {
		if err := clock.BlockUntilContext(ctx, 1); err != nil {
			t.Fatalf("attempt %d: waiting for retry timer: %v", i+1, err)
		}
		clock.Advance(cfg.ReconnectDelay)
	}

	receive(t, failed)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(errs) != 1 {
		t.Fatalf("expected exactly one connection error, got %d", len(errs))
	}
	if errs[0] != ConnectionErrorMessage {
		t.Errorf("unexpected message %q", errs[0])
	}
	if sess.Status() != StatusReconnectFailed {
		t.Errorf("expected reconnect_failed, got %s", sess.Status())
	}
	if err := sess.WaitConnected(ctx); !errors.Is(err, ErrReconnectFailed) {
		t.Errorf("expected ErrReconnectFailed, got %v", err)
	}
}

func TestManualReconnectRestartsBudget(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cfg := testConfig("ws://" + closedAddr(t) + "/ws")
	cfg.MaxReconnectAttempts = 0
	sess := New(cfg, WithClock(clock))
	defer sess.Disconnect()

	failures := make(chan string, 4)
	sess.OnConnectionError(func(msg string) { failures <- msg })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := sess.Reconnect(ctx); err != nil {
		t.Fatalf("reconnect before failure: %v", err)
	}
	if sess.Status() != StatusDisconnected {
		t.Fatalf("expected Reconnect to be ignored before a failure, got %s", sess.Status())
	}

	_ = sess.Connect(ctx)
	receive(t, failures)

	if err := sess.Reconnect(ctx); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	receive(t, failures)
	if sess.Status() != StatusReconnectFailed {
		t.Errorf("expected reconnect_failed, got %s", sess.Status())
	}
}

// ---------------------------------------------------------------------------
// Teardown
// ---------------------------------------------------------------------------

func TestDisconnectDetachesHandlers(t *testing.T) {
	srv := startServer(t)
	sess := New(testConfig(srv.URL))

	var (
		mu    sync.Mutex
		calls int
	)
	sess.OnMessage(protocol.EventChatMessage, func(json.RawMessage) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	ctx := context.Background()
	_ = sess.Connect(ctx)
	if err := sess.WaitConnected(ctx); err != nil {
		t.Fatalf("wait connected: %v", err)
	}
	id := sess.SessionID()
	eventually(t, func() bool { return srv.Connections().Get(id) != nil })

	sess.Disconnect()
	_ = srv.Push(id, protocol.EventChatMessage, protocol.ChatMessage{GameID: "g1", Content: "late"})
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Errorf("expected no handler calls after Disconnect, got %d", calls)
	}
	if sess.Status() != StatusDisconnected {
		t.Errorf("expected disconnected, got %s", sess.Status())
	}
	if err := sess.Send(protocol.EventAddStrike, protocol.AddStrikeMsg{GameID: "g1"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if err := sess.Connect(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestDisconnectFromHandler(t *testing.T) {
	srv := startServer(t)
	sess := New(testConfig(srv.URL))

	done := make(chan struct{})
	sess.OnConnected(func(string) {
		sess.Disconnect()
		close(done)
	})

	_ = sess.Connect(context.Background())
	receive(t, done)

	if sess.Status() != StatusDisconnected {
		t.Errorf("expected disconnected, got %s", sess.Status())
	}
}

func TestDisconnectWaitsForRunningHandler(t *testing.T) {
	sess := New(testConfig("ws://127.0.0.1:1/ws"))

	entered := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	sess.OnMessage("echo", func(json.RawMessage) {
		close(entered)
		<-release
		finished.Store(true)
	})

	sess.emit(event{kind: evConnected, gen: 1})
	sess.emit(event{kind: evMessage, gen: 1, channel: "echo", data: json.RawMessage(`{}`)})
	receive(t, entered)

	returned := make(chan struct{})
	go func() {
		sess.Disconnect()
		close(returned)
	}()

	select {
	case <-returned:
		t.Fatal("Disconnect returned while a handler was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	receive(t, returned)
	if !finished.Load() {
		t.Error("expected the running handler to finish before Disconnect returned")
	}
}

func TestConcurrentDisconnectFromHandler(t *testing.T) {
	sess := New(testConfig("ws://127.0.0.1:1/ws"))

	entered := make(chan struct{})
	handlerDone := make(chan struct{})
	sess.OnMessage("echo", func(json.RawMessage) {
		close(entered)
		// Give the outside caller time to enter Disconnect first.
		time.Sleep(20 * time.Millisecond)
		sess.Disconnect()
		close(handlerDone)
	})

	sess.emit(event{kind: evConnected, gen: 1})
	sess.emit(event{kind: evMessage, gen: 1, channel: "echo", data: json.RawMessage(`{}`)})
	receive(t, entered)

	returned := make(chan struct{})
	go func() {
		sess.Disconnect()
		close(returned)
	}()

	receive(t, handlerDone)
	receive(t, returned)
}

// ---------------------------------------------------------------------------
// Dispatch
// ---------------------------------------------------------------------------

func TestDispatchDropsMessagesFromOldConnections(t *testing.T) {
	sess := New(testConfig("ws://127.0.0.1:1/ws"))
	defer sess.Disconnect()

	var got []string
	sess.OnMessage("echo", func(data json.RawMessage) { got = append(got, string(data)) })
	marker := make(chan struct{})
	sess.OnStatus(func(Status) { close(marker) })

	msg := func(gen uint64, body string) event {
		return event{kind: evMessage, gen: gen, channel: "echo", data: json.RawMessage(body)}
	}

	sess.emit(event{kind: evConnected, gen: 1})
	sess.emit(msg(1, `"a"`))
	sess.emit(event{kind: evDisconnected, gen: 1})
	sess.emit(msg(1, `"late"`))
	sess.emit(event{kind: evConnected, gen: 2})
	sess.emit(msg(1, `"stale"`))
	sess.emit(msg(2, `"b"`))
	sess.emit(event{kind: evStatus, status: StatusConnected})
	receive(t, marker)

	if strings.Join(got, ",") != `"a","b"` {
		t.Errorf("expected only live-connection messages, got %v", got)
	}
}

func TestHandlerPanicDoesNotStopDispatch(t *testing.T) {
	sess := New(testConfig("ws://127.0.0.1:1/ws"))
	defer sess.Disconnect()

	sess.OnMessage("echo", func(json.RawMessage) { panic("boom") })
	after := make(chan struct{})
	sess.OnMessage("echo", func(json.RawMessage) { close(after) })

	sess.emit(event{kind: evConnected, gen: 1})
	sess.emit(event{kind: evMessage, gen: 1, channel: "echo", data: json.RawMessage(`{}`)})
	receive(t, after)
}

func TestUnsubscribe(t *testing.T) {
	sess := New(testConfig("ws://127.0.0.1:1/ws"))
	defer sess.Disconnect()

	var calls int
	unsubscribe := sess.OnMessage("echo", func(json.RawMessage) { calls++ })
	unsubscribe()
	unsubscribe()

	marker := make(chan struct{})
	sess.OnStatus(func(Status) { close(marker) })

	sess.emit(event{kind: evConnected, gen: 1})
	sess.emit(event{kind: evMessage, gen: 1, channel: "echo", data: json.RawMessage(`{}`)})
	sess.emit(event{kind: evStatus, status: StatusConnected})
	receive(t, marker)

	if calls != 0 {
		t.Errorf("expected no calls after unsubscribe, got %d", calls)
	}
}

func TestStatusString(t *testing.T) {
	cases := map[Status]string{
		StatusDisconnected:    "disconnected",
		StatusConnecting:      "connecting",
		StatusConnected:       "connected",
		StatusReconnectFailed: "reconnect_failed",
		Status(42):            "unknown",
	}
	for s, want := range cases {
		if s.String() != want {
			t.Errorf("Status(%d): expected %q, got %q", s, want, s.String())
		}
	}
}
