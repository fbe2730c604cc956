package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/bombsquad/defusal/internal/chat"
	"github.com/bombsquad/defusal/internal/gamestate"
	"github.com/bombsquad/defusal/internal/protocol"
	"github.com/bombsquad/defusal/internal/transport"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type sentFrame struct {
	channel string
	payload interface{}
}

// fakeTransport delivers inbound frames synchronously, standing in for the
// transport's dispatch goroutine.
type fakeTransport struct {
	mu          sync.Mutex
	connected   bool
	sendErr     error
	sent        []sentFrame
	onConnected []func(string)
	handlers    map[string][]func(json.RawMessage)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{connected: true, handlers: make(map[string][]func(json.RawMessage))}
}

func (f *fakeTransport) Send(channel string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return transport.ErrNotConnected
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentFrame{channel: channel, payload: payload})
	return nil
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) OnConnected(fn func(string)) func() {
	f.onConnected = append(f.onConnected, fn)
	return func() {}
}

func (f *fakeTransport) OnMessage(channel string, fn func(json.RawMessage)) func() {
	f.handlers[channel] = append(f.handlers[channel], fn)
	return func() {}
}

func (f *fakeTransport) connect(sessionID string) {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	for _, fn := range f.onConnected {
		fn(sessionID)
	}
}

func (f *fakeTransport) deliver(t *testing.T, channel string, payload interface{}) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, fn := range f.handlers[channel] {
		fn(data)
	}
}

func (f *fakeTransport) frames() []sentFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentFrame, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeTransport) last(t *testing.T) sentFrame {
	t.Helper()
	frames := f.frames()
	if len(frames) == 0 {
		t.Fatal("expected a frame to be sent")
	}
	return frames[len(frames)-1]
}

type memoryResume struct {
	mu      sync.Mutex
	records map[string]Resume
}

func newMemoryResume() *memoryResume {
	return &memoryResume{records: make(map[string]Resume)}
}

func (m *memoryResume) Save(_ context.Context, clientID string, r Resume) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[clientID] = r
	return nil
}

func (m *memoryResume) Load(_ context.Context, clientID string) (*Resume, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[clientID]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (m *memoryResume) Clear(_ context.Context, clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, clientID)
	return nil
}

var testTime = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func newTestController(t *testing.T, opts ...Option) (*Controller, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	opts = append([]Option{WithClock(clockwork.NewFakeClockAt(testTime))}, opts...)
	c := NewController(ft, gamestate.New(), chat.NewLog(), opts...)
	t.Cleanup(c.Close)
	return c, ft
}

func chatLine(gameID, content string) protocol.ChatMessage {
	return protocol.ChatMessage{GameID: gameID, Sender: protocol.RoleExpert, Content: content, Timestamp: "2024-05-01T10:00:00.000Z"}
}

func expectPrecondition(t *testing.T, err error, target error) {
	t.Helper()
	var pe *PreconditionError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *PreconditionError, got %T (%v)", err, err)
	}
	if !errors.Is(err, target) {
		t.Errorf("expected %v, got %v", target, err)
	}
}

// ---------------------------------------------------------------------------
// Join
// ---------------------------------------------------------------------------

func TestJoinSendsJoinGame(t *testing.T) {
	c, ft := newTestController(t)

	if err := c.Join("g1", "expert"); err != nil {
		t.Fatalf("join: %v", err)
	}

	f := ft.last(t)
	if f.channel != protocol.EventJoinGame {
		t.Fatalf("expected joinGame, got %q", f.channel)
	}
	if join := f.payload.(protocol.JoinGameMsg); join.GameID != "g1" || join.Role != protocol.RoleExpert {
		t.Errorf("unexpected payload %+v", join)
	}

	snap := c.State().Snapshot()
	if snap.GameID != "g1" || snap.Role != protocol.RoleExpert {
		t.Errorf("expected optimistic join, got game %q role %q", snap.GameID, snap.Role)
	}
}

func TestJoinClearsChatLog(t *testing.T) {
	c, ft := newTestController(t)

	_ = c.Join("g1", protocol.RoleDefuser)
	ft.deliver(t, protocol.EventChatMessage, chatLine("g1", "first game"))
	if c.Chat().Len() != 1 {
		t.Fatalf("expected 1 message before rejoin, got %d", c.Chat().Len())
	}

	_ = c.Join("g2", protocol.RoleDefuser)
	if c.Chat().Len() != 0 {
		t.Fatalf("expected empty log after join, got %d", c.Chat().Len())
	}

	ft.deliver(t, protocol.EventChatMessage, chatLine("g1", "late line from g1"))
	ft.deliver(t, protocol.EventChatMessage, chatLine("g2", "hello g2"))

	msgs := c.Chat().Messages()
	if len(msgs) != 1 || msgs[0].Content != "hello g2" {
		t.Errorf("expected only the g2 line, got %+v", msgs)
	}
}

func TestJoinPreconditions(t *testing.T) {
	c, ft := newTestController(t)

	expectPrecondition(t, c.Join("", protocol.RoleDefuser), ErrInvalidGame)
	expectPrecondition(t, c.Join("g1", "pilot"), ErrInvalidRole)

	ft.connected = false
	expectPrecondition(t, c.Join("g1", protocol.RoleDefuser), ErrNotConnected)

	if len(ft.frames()) != 0 {
		t.Errorf("expected nothing on the wire, got %d frames", len(ft.frames()))
	}
	if c.State().Snapshot().Joined() {
		t.Error("expected a rejected join to leave the state unjoined")
	}
}

// ---------------------------------------------------------------------------
// Solve / strike
// ---------------------------------------------------------------------------

func TestSolveAndStrikeRequireJoin(t *testing.T) {
	c, ft := newTestController(t)

	expectPrecondition(t, c.SolveModule("wires"), ErrNotJoined)
	expectPrecondition(t, c.ReportStrike(), ErrNotJoined)

	_ = c.Join("g1", protocol.RoleDefuser)
	ft.connected = false
	expectPrecondition(t, c.SolveModule("wires"), ErrNotConnected)
	expectPrecondition(t, c.ReportStrike(), ErrNotConnected)

	if n := len(ft.frames()); n != 1 {
		t.Errorf("expected only the join frame, got %d frames", n)
	}
}

func TestSolveModuleAndReportStrike(t *testing.T) {
	c, ft := newTestController(t)
	_ = c.Join("g1", protocol.RoleDefuser)

	if err := c.SolveModule("wires-1"); err != nil {
		t.Fatalf("solve: %v", err)
	}
	f := ft.last(t)
	if f.channel != protocol.EventSolveModule {
		t.Fatalf("expected solveModule, got %q", f.channel)
	}
	if m := f.payload.(protocol.SolveModuleMsg); m.GameID != "g1" || m.ModuleID != "wires-1" {
		t.Errorf("unexpected payload %+v", m)
	}

	expectPrecondition(t, c.SolveModule("  "), ErrInvalidModule)

	if err := c.ReportStrike(); err != nil {
		t.Fatalf("strike: %v", err)
	}
	f = ft.last(t)
	if f.channel != protocol.EventAddStrike || f.payload.(protocol.AddStrikeMsg).GameID != "g1" {
		t.Errorf("unexpected strike frame %+v", f)
	}
}

func TestTransportDropDuringSend(t *testing.T) {
	c, ft := newTestController(t)
	_ = c.Join("g1", protocol.RoleDefuser)

	ft.sendErr = transport.ErrNotConnected
	expectPrecondition(t, c.ReportStrike(), ErrNotConnected)

	ft.sendErr = errors.New("broken pipe")
	err := c.ReportStrike()
	var pe *PreconditionError
	if err == nil || errors.As(err, &pe) {
		t.Errorf("expected a plain send error, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Chat
// ---------------------------------------------------------------------------

func TestSendChatDoesNotAppendLocally(t *testing.T) {
	c, ft := newTestController(t)
	_ = c.Join("g1", protocol.RoleExpert)

	if err := c.SendChat("cut the red wire"); err != nil {
		t.Fatalf("send chat: %v", err)
	}
	if c.Chat().Len() != 0 {
		t.Fatalf("expected SendChat to leave the log alone, got %d", c.Chat().Len())
	}

	f := ft.last(t)
	m := f.payload.(protocol.ChatMessage)
	if f.channel != protocol.EventChatMessage || m.GameID != "g1" || m.Sender != protocol.RoleExpert {
		t.Errorf("unexpected chat frame %+v", f)
	}
	if m.Timestamp != "2024-05-01T10:00:00.000Z" {
		t.Errorf("unexpected timestamp %q", m.Timestamp)
	}

	ft.deliver(t, protocol.EventChatMessage, m)
	if c.Chat().Len() != 1 {
		t.Errorf("expected the echo to be appended, got %d", c.Chat().Len())
	}
}

func TestSendChatValidation(t *testing.T) {
	c, ft := newTestController(t)

	expectPrecondition(t, c.SendChat("hi"), ErrNotJoined)

	_ = c.Join("g1", protocol.RoleDefuser)
	err := c.SendChat("")
	expectPrecondition(t, err, ErrInvalidChat)
	if !errors.Is(err, chat.ErrEmpty) {
		t.Errorf("expected the validator's cause to be kept, got %v", err)
	}

	if n := len(ft.frames()); n != 1 {
		t.Errorf("expected only the join frame, got %d frames", n)
	}
}

func TestMalformedChatIsDropped(t *testing.T) {
	c, ft := newTestController(t)
	_ = c.Join("g1", protocol.RoleDefuser)

	for _, fn := range ft.handlers[protocol.EventChatMessage] {
		fn(json.RawMessage(`{"content":"no game"}`))
		fn(json.RawMessage(`[1,2]`))
	}
	if c.Chat().Len() != 0 {
		t.Errorf("expected malformed lines to be dropped, got %d", c.Chat().Len())
	}
}

// ---------------------------------------------------------------------------
// Game state wiring
// ---------------------------------------------------------------------------

func TestGameStateIsReconciled(t *testing.T) {
	c, ft := newTestController(t)
	_ = c.Join("g1", protocol.RoleDefuser)

	ft.deliver(t, protocol.EventGameState, map[string]interface{}{"type": protocol.UpdateFull, "gameId": "g1", "strikes": 1, "solved": 0, "modules": []string{"wires"}})
	ft.deliver(t, protocol.EventGameState, map[string]interface{}{"type": protocol.UpdateTimer, "gameId": "g1", "timeRemaining": 295})
	ft.deliver(t, protocol.EventGameState, map[string]interface{}{"type": protocol.UpdateFull, "gameId": "g1", "strikes": 2})
	ft.deliver(t, protocol.EventGameState, map[string]interface{}{"type": protocol.UpdateFull, "gameId": "g2", "strikes": 9})

	snap := c.State().Snapshot()
	if snap.Strikes != 2 || snap.TimeRemaining != 295 {
		t.Errorf("expected strikes=2 time=295, got strikes=%d time=%d", snap.Strikes, snap.TimeRemaining)
	}
}

// ---------------------------------------------------------------------------
// Resume
// ---------------------------------------------------------------------------

func TestRejoinAfterReconnect(t *testing.T) {
	c, ft := newTestController(t)
	_ = c.Join("g1", protocol.RoleExpert)
	ft.deliver(t, protocol.EventChatMessage, chatLine("g1", "before drop"))

	ft.connect("second-session")

	f := ft.last(t)
	if f.channel != protocol.EventJoinGame {
		t.Fatalf("expected joinGame on reconnect, got %q", f.channel)
	}
	if join := f.payload.(protocol.JoinGameMsg); join.GameID != "g1" || join.Role != protocol.RoleExpert {
		t.Errorf("unexpected resume payload %+v", join)
	}
	if c.Chat().Len() != 1 {
		t.Errorf("expected chat to survive a resume, got %d", c.Chat().Len())
	}
}

func TestNoRejoinWhenUnjoined(t *testing.T) {
	_, ft := newTestController(t)
	ft.connect("s1")

	if n := len(ft.frames()); n != 0 {
		t.Errorf("expected no frames, got %d", n)
	}
}

func TestRestoreFromResumeStore(t *testing.T) {
	store := newMemoryResume()
	store.records["client-1"] = Resume{GameID: "g7", Role: protocol.RoleDefuser}

	c, ft := newTestController(t, WithResumeStore("client-1", store))
	ft.connect("s1")

	if got := c.State().GameID(); got != "g7" {
		t.Fatalf("expected restored game g7, got %q", got)
	}
	if f := ft.last(t); f.channel != protocol.EventJoinGame {
		t.Errorf("expected joinGame, got %q", f.channel)
	}
}

func TestJoinSavesAndGameOverClearsResume(t *testing.T) {
	store := newMemoryResume()
	c, ft := newTestController(t, WithResumeStore("client-1", store))

	_ = c.Join("g1", "expert")
	rec, _ := store.Load(context.Background(), "client-1")
	if rec == nil || rec.GameID != "g1" || rec.Role != protocol.RoleExpert {
		t.Fatalf("expected resume record for g1, got %+v", rec)
	}
	if rec.JoinedAt != testTime.Unix() {
		t.Errorf("expected joined_at from the clock, got %d", rec.JoinedAt)
	}

	ft.deliver(t, protocol.EventGameState, map[string]interface{}{"type": protocol.UpdateFull, "gameId": "g1", "gameOver": true, "winner": true})

	if rec, _ := store.Load(context.Background(), "client-1"); rec != nil {
		t.Errorf("expected resume record to be cleared, got %+v", rec)
	}

	ft.connect("s2")
	if f := ft.last(t); f.channel != protocol.EventJoinGame || len(ft.frames()) != 1 {
		t.Errorf("expected no rejoin of a finished game, got %d frames", len(ft.frames()))
	}
}

func TestLateGameOverKeepsNewResume(t *testing.T) {
	store := newMemoryResume()
	c, _ := newTestController(t, WithResumeStore("client-1", store))

	_ = c.Join("g1", "defuser")
	_ = c.Join("g2", "defuser")

	// g1 finished before the second join but its snapshot is delivered after.
	c.watchGameOver(gamestate.GameState{GameID: "g1", Role: protocol.RoleDefuser, GameOver: true})

	rec, _ := store.Load(context.Background(), "client-1")
	if rec == nil || rec.GameID != "g2" {
		t.Errorf("expected resume record for g2 to survive, got %+v", rec)
	}
}

func TestPreconditionErrorMessage(t *testing.T) {
	err := &PreconditionError{Intent: IntentStrike, Err: ErrNotJoined}
	if got := err.Error(); got != "session: cannot addStrike: session: not joined to a game" {
		t.Errorf("unexpected message %q", got)
	}
}
