package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/bombsquad/defusal/internal/chat"
	"github.com/bombsquad/defusal/internal/gamestate"
	"github.com/bombsquad/defusal/internal/metrics"
	"github.com/bombsquad/defusal/internal/protocol"
	"github.com/bombsquad/defusal/internal/transport"
)

const resumeTimeout = 3 * time.Second

// Transport is the part of *transport.Session the controller depends on.
type Transport interface {
	Send(channel string, payload interface{}) error
	Connected() bool
	OnConnected(fn func(sessionID string)) (unsubscribe func())
	OnMessage(channel string, fn func(data json.RawMessage)) (unsubscribe func())
}

// ResumeStore persists the last joined game per client.
type ResumeStore interface {
	Save(ctx context.Context, clientID string, r Resume) error
	Load(ctx context.Context, clientID string) (*Resume, error)
	Clear(ctx context.Context, clientID string) error
}

// Option customizes a Controller.
type Option func(*Controller)

// WithResumeStore enables rejoining the last game after a restart.
func WithResumeStore(clientID string, store ResumeStore) Option {
	return func(c *Controller) {
		c.clientID = clientID
		c.resume = store
	}
}

// WithClock replaces the clock used for chat timestamps.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Controller) { c.clock = clock }
}

// Controller is the only writer of intents to the transport and the only
// reader of its game channels.
type Controller struct {
	transport Transport
	state     *gamestate.Reconciler
	chat      *chat.Log
	clock     clockwork.Clock

	clientID string
	resume   ResumeStore

	// mu serializes Join against the inbound chat handler so that a line
	// for the previous game can never land in the freshly cleared log.
	mu sync.Mutex

	overMu   sync.Mutex
	overGame string // last game seen finishing

	unsubs []func()
}

// NewController wires inbound gameState and chatMessage frames into state and
// log and subscribes to connection events for resume.
func NewController(t Transport, state *gamestate.Reconciler, chatLog *chat.Log, opts ...Option) *Controller {
	c := &Controller{
		transport: t,
		state:     state,
		chat:      chatLog,
		clock:     clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.unsubs = append(c.unsubs,
		t.OnMessage(protocol.EventGameState, c.handleGameState),
		t.OnMessage(protocol.EventChatMessage, c.handleChat),
		t.OnConnected(c.handleConnected),
		state.Subscribe(c.watchGameOver),
	)
	return c
}

// Close detaches the controller from the transport and the state mirror.
func (c *Controller) Close() {
	for _, unsubscribe := range c.unsubs {
		unsubscribe()
	}
	c.unsubs = nil
}

// State returns the game state mirror.
func (c *Controller) State() *gamestate.Reconciler {
	return c.state
}

// Chat returns the chat log.
func (c *Controller) Chat() *chat.Log {
	return c.chat
}

// Join switches to gameID as role. The local mirror and chat log are reset
// before joinGame is sent and are not rolled back if the server never
// confirms.
func (c *Controller) Join(gameID, role string) error {
	gameID = strings.TrimSpace(gameID)
	if gameID == "" {
		return c.reject(IntentJoin, ErrInvalidGame)
	}
	wireRole, ok := protocol.NormalizeRole(role)
	if !ok {
		return c.reject(IntentJoin, ErrInvalidRole)
	}
	if !c.transport.Connected() {
		return c.reject(IntentJoin, ErrNotConnected)
	}

	c.mu.Lock()
	c.state.Begin(gameID, wireRole)
	c.chat.Clear()
	c.mu.Unlock()

	c.overMu.Lock()
	c.overGame = ""
	c.overMu.Unlock()

	log.Info().Str("game_id", gameID).Str("role", wireRole).Msg("session: joining game")
	c.saveResume(gameID, wireRole)

	return c.send(IntentJoin, protocol.EventJoinGame, protocol.JoinGameMsg{GameID: gameID, Role: wireRole})
}

// SolveModule submits a solve attempt for moduleID. Correctness is decided
// by the server.
func (c *Controller) SolveModule(moduleID string) error {
	gameID, _, err := c.requireJoined(IntentSolve)
	if err != nil {
		return err
	}
	if strings.TrimSpace(moduleID) == "" {
		return c.reject(IntentSolve, ErrInvalidModule)
	}
	return c.send(IntentSolve, protocol.EventSolveModule, protocol.SolveModuleMsg{GameID: gameID, ModuleID: moduleID})
}

// ReportStrike reports a strike against the team.
func (c *Controller) ReportStrike() error {
	gameID, _, err := c.requireJoined(IntentStrike)
	if err != nil {
		return err
	}
	return c.send(IntentStrike, protocol.EventAddStrike, protocol.AddStrikeMsg{GameID: gameID})
}

// SendChat sends content to the game's chat. The line is not added to the
// local log; it appears once the server echoes it.
func (c *Controller) SendChat(content string) error {
	gameID, role, err := c.requireJoined(IntentChat)
	if err != nil {
		return err
	}
	if err := chat.ValidateMessage(content); err != nil {
		return c.reject(IntentChat, fmt.Errorf("%w: %w", ErrInvalidChat, err))
	}

	msg := protocol.ChatMessage{
		GameID:    gameID,
		Sender:    role,
		Content:   content,
		Timestamp: protocol.FormatTimestamp(c.clock.Now()),
	}
	if err := c.send(IntentChat, protocol.EventChatMessage, msg); err != nil {
		return err
	}
	metrics.ChatMessages.WithLabelValues("sent").Inc()
	return nil
}

func (c *Controller) requireJoined(intent string) (gameID, role string, err error) {
	if !c.transport.Connected() {
		return "", "", c.reject(intent, ErrNotConnected)
	}
	snap := c.state.Snapshot()
	if !snap.Joined() {
		return "", "", c.reject(intent, ErrNotJoined)
	}
	return snap.GameID, snap.Role, nil
}

func (c *Controller) send(intent, channel string, payload interface{}) error {
	err := c.transport.Send(channel, payload)
	if errors.Is(err, transport.ErrNotConnected) {
		return c.reject(intent, ErrNotConnected)
	}
	if err != nil {
		log.Warn().Err(err).Str("intent", intent).Msg("session: send failed")
		return fmt.Errorf("session: %s: %w", intent, err)
	}
	metrics.IntentsSent.WithLabelValues(channel).Inc()
	return nil
}

func (c *Controller) reject(intent string, err error) error {
	metrics.PreconditionErrors.WithLabelValues(intent).Inc()
	log.Warn().Err(err).Str("intent", intent).Msg("session: intent rejected")
	return &PreconditionError{Intent: intent, Err: err}
}

// ---------------------------------------------------------------------------
// Inbound
// ---------------------------------------------------------------------------

func (c *Controller) handleGameState(data json.RawMessage) {
	c.state.ApplyUpdate(data)
}

func (c *Controller) handleChat(data json.RawMessage) {
	m, err := protocol.DecodeChatMessage(data)
	if err != nil {
		metrics.ChatMessages.WithLabelValues("dropped").Inc()
		log.Warn().Err(err).Msg("session: discarding malformed chat message")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if current := c.state.GameID(); m.GameID != current {
		metrics.ChatMessages.WithLabelValues("dropped").Inc()
		log.Warn().Str("game_id", m.GameID).Str("current_game_id", current).Msg("session: discarding chat for another game")
		return
	}
	c.chat.Append(m)
	metrics.ChatMessages.WithLabelValues("received").Inc()
}

// handleConnected rejoins after a drop. On the first connection of a fresh
// process the resume store supplies the game, if any.
func (c *Controller) handleConnected(sessionID string) {
	snap := c.state.Snapshot()
	if snap.Joined() {
		if snap.GameOver {
			return
		}
		log.Info().Str("game_id", snap.GameID).Str("session_id", sessionID).Msg("session: resuming game after reconnect")
		if err := c.send(IntentJoin, protocol.EventJoinGame, protocol.JoinGameMsg{GameID: snap.GameID, Role: snap.Role}); err != nil {
			log.Warn().Err(err).Str("game_id", snap.GameID).Msg("session: resume failed")
		}
		return
	}

	if c.resume == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), resumeTimeout)
	defer cancel()

	rec, err := c.resume.Load(ctx, c.clientID)
	if err != nil {
		log.Warn().Err(err).Str("client_id", c.clientID).Msg("session: failed to load resume record")
		return
	}
	if rec == nil {
		return
	}
	log.Info().Str("game_id", rec.GameID).Str("role", rec.Role).Msg("session: restoring last game")
	if err := c.Join(rec.GameID, rec.Role); err != nil {
		log.Warn().Err(err).Str("game_id", rec.GameID).Msg("session: restore failed")
	}
}

// watchGameOver clears the resume record once per finished game.
func (c *Controller) watchGameOver(s gamestate.GameState) {
	if !s.GameOver {
		return
	}
	// A snapshot committed before a later Join may be delivered after it.
	if current := c.state.GameID(); s.GameID != current {
		log.Debug().Str("game_id", s.GameID).Str("current_game_id", current).Msg("session: ignoring gameOver of a previous game")
		return
	}

	c.overMu.Lock()
	first := c.overGame != s.GameID
	c.overGame = s.GameID
	c.overMu.Unlock()

	if !first {
		return
	}
	log.Info().Str("game_id", s.GameID).Bool("winner", s.Winner).Int("strikes", s.Strikes).Msg("session: game over")
	c.clearResume()
}

func (c *Controller) saveResume(gameID, role string) {
	if c.resume == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), resumeTimeout)
	defer cancel()

	rec := Resume{GameID: gameID, Role: role, JoinedAt: c.clock.Now().Unix()}
	if err := c.resume.Save(ctx, c.clientID, rec); err != nil {
		log.Warn().Err(err).Str("client_id", c.clientID).Msg("session: failed to save resume record")
	}
}

func (c *Controller) clearResume() {
	if c.resume == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), resumeTimeout)
	defer cancel()

	if err := c.resume.Clear(ctx, c.clientID); err != nil {
		log.Warn().Err(err).Str("client_id", c.clientID).Msg("session: failed to clear resume record")
	}
}
