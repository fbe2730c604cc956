// Package devgame hosts the games of the development server. It answers joins
// with a full snapshot, echoes chat to the room and counts solves and strikes
// without judging them. It also runs one countdown per game that has
// players.
package devgame

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/bombsquad/defusal/internal/chat"
	"github.com/bombsquad/defusal/internal/protocol"
	"github.com/bombsquad/defusal/internal/ratelimit"
	"github.com/bombsquad/defusal/internal/ws"
)

// Config holds the rules every hosted game starts with.
type Config struct {
	TimeLimit    int           // countdown start, in seconds
	MaxStrikes   int           // strikes that end the game
	Modules      []string      // module IDs handed out on join
	TickInterval time.Duration // countdown period
}

// DefaultConfig returns the rules used by cmd/devserver.
func DefaultConfig() Config {
	return Config{
		TimeLimit:    300,
		MaxStrikes:   3,
		Modules:      []string{"wires", "button", "keypad", "memory"},
		TickInterval: time.Second,
	}
}

// Limiter throttles inbound frames per connection. *ratelimit.Limiter
// satisfies it.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Option configures a Hub.
type Option func(*Hub)

// WithLimiter throttles chat and intents with l.
func WithLimiter(l Limiter) Option {
	return func(h *Hub) { h.limiter = l }
}

// WithClock replaces the clock driving the countdown.
func WithClock(c clockwork.Clock) Option {
	return func(h *Hub) { h.clock = c }
}

type game struct {
	id            string
	timeRemaining int
	solved        int
	strikes       int
	over          bool
	winner        bool
}

// Hub owns the hosted games.
type Hub struct {
	srv     *ws.Server
	cfg     Config
	clock   clockwork.Clock
	limiter Limiter
	modules []json.RawMessage

	mu    sync.Mutex
	games map[string]*game
}

// NewHub creates a Hub that pushes through srv.
func NewHub(srv *ws.Server, cfg Config, opts ...Option) *Hub {
	h := &Hub{
		srv:   srv,
		cfg:   cfg,
		clock: clockwork.NewRealClock(),
		games: make(map[string]*game),
	}
	for _, opt := range opts {
		opt(h)
	}

	for _, id := range cfg.Modules {
		raw, _ := json.Marshal(struct {
			ID   string `json:"id"`
			Type string `json:"type"`
		}{ID: id, Type: id})
		h.modules = append(h.modules, raw)
	}
	return h
}

// Register installs the hub's handlers on d.
func (h *Hub) Register(d *ws.MessageDispatcher) {
	d.Register(protocol.EventJoinGame, h.handleJoin)
	d.Register(protocol.EventChatMessage, h.handleChat)
	d.Register(protocol.EventSolveModule, h.handleSolve)
	d.Register(protocol.EventAddStrike, h.handleStrike)
}

// Run ticks every game's countdown until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	if h.cfg.TickInterval <= 0 {
		return
	}
	ticker := h.clock.NewTicker(h.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			h.tick()
		}
	}
}

// Games returns the number of games the hub is hosting.
func (h *Hub) Games() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.games)
}

func (h *Hub) tick() {
	type push struct {
		id        string
		remaining int
		ended     bool
	}
	var pushes []push

	h.mu.Lock()
	for id, g := range h.games {
		empty := len(h.srv.Connections().Room(id)) == 0
		if g.over {
			if empty {
				delete(h.games, id)
			}
			continue
		}
		// The countdown pauses while nobody is in the room.
		if empty {
			continue
		}
		g.timeRemaining--
		if g.timeRemaining <= 0 {
			g.timeRemaining = 0
			g.over = true
		}
		pushes = append(pushes, push{id: id, remaining: g.timeRemaining, ended: g.over})
	}
	h.mu.Unlock()

	for _, p := range pushes {
		h.pushTimer(p.id, p.remaining)
		if p.ended {
			log.Info().Str("game_id", p.id).Msg("devgame: time ran out")
			h.pushFull(p.id)
		}
	}
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (h *Hub) handleJoin(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.JoinGameMsg)
	if !ok {
		return
	}
	role, ok := protocol.NormalizeRole(m.Role)
	if !ok || m.GameID == "" {
		log.Warn().Str("session_id", conn.ID).Str("game_id", m.GameID).Str("role", m.Role).Msg("devgame: invalid join")
		return
	}

	h.mu.Lock()
	g, ok := h.games[m.GameID]
	if !ok {
		g = &game{id: m.GameID, timeRemaining: h.cfg.TimeLimit}
		h.games[m.GameID] = g
	}
	remaining := g.timeRemaining
	h.mu.Unlock()

	h.srv.Connections().Join(conn, m.GameID, role)
	log.Info().Str("session_id", conn.ID).Str("game_id", m.GameID).Str("role", role).Msg("devgame: player joined")

	h.pushFull(m.GameID)
	if err := h.srv.Push(conn.ID, protocol.EventGameState, protocol.TimerUpdate{
		Type:          protocol.UpdateTimer,
		GameID:        m.GameID,
		TimeRemaining: remaining,
	}); err != nil {
		log.Warn().Err(err).Str("session_id", conn.ID).Msg("devgame: timer push failed")
	}
}

func (h *Hub) handleChat(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.ChatMessage)
	if !ok {
		return
	}
	gameID, ok := h.member(conn, m.GameID)
	if !ok || !h.allow(conn, ratelimit.RuleChat) {
		return
	}
	if err := chat.ValidateMessage(m.Content); err != nil {
		log.Warn().Err(err).Str("session_id", conn.ID).Msg("devgame: invalid chat")
		return
	}

	if err := h.srv.PushRoom(gameID, protocol.EventChatMessage, m); err != nil {
		log.Warn().Err(err).Str("game_id", gameID).Msg("devgame: chat echo failed")
	}
}

func (h *Hub) handleSolve(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.SolveModuleMsg)
	if !ok {
		return
	}
	h.score(conn, m.GameID, func(g *game) {
		g.solved++
		if g.solved >= len(h.cfg.Modules) {
			g.solved = len(h.cfg.Modules)
			g.over, g.winner = true, true
		}
	})
}

func (h *Hub) handleStrike(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.AddStrikeMsg)
	if !ok {
		return
	}
	h.score(conn, m.GameID, func(g *game) {
		g.strikes++
		if h.cfg.MaxStrikes > 0 && g.strikes >= h.cfg.MaxStrikes {
			g.over = true
		}
	})
}

// score applies fn to the connection's game and pushes the result to the
// room. Finished games are frozen.
func (h *Hub) score(conn *ws.Connection, gameID string, fn func(*game)) {
	gameID, ok := h.member(conn, gameID)
	if !ok || !h.allow(conn, ratelimit.RuleIntent) {
		return
	}

	h.mu.Lock()
	g := h.games[gameID]
	if g == nil || g.over {
		h.mu.Unlock()
		return
	}
	fn(g)
	h.mu.Unlock()

	h.pushFull(gameID)
}

// member returns the game the connection joined, provided the frame names
// the same game.
func (h *Hub) member(conn *ws.Connection, gameID string) (string, bool) {
	joined, _ := conn.Game()
	if joined == "" || joined != gameID {
		log.Warn().Str("session_id", conn.ID).Str("joined", joined).Str("game_id", gameID).Msg("devgame: frame for a game the connection is not in")
		return "", false
	}
	return joined, true
}

func (h *Hub) allow(conn *ws.Connection, rule ratelimit.Rule) bool {
	if h.limiter == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	ok, _ := h.limiter.Allow(ctx, conn.ID, rule)
	if !ok {
		log.Warn().Str("session_id", conn.ID).Str("rule", rule.Key).Msg("devgame: rate limited")
	}
	return ok
}

// ---------------------------------------------------------------------------
// Pushes
// ---------------------------------------------------------------------------

func (h *Hub) pushTimer(gameID string, remaining int) {
	if err := h.srv.PushRoom(gameID, protocol.EventGameState, protocol.TimerUpdate{
		Type:          protocol.UpdateTimer,
		GameID:        gameID,
		TimeRemaining: remaining,
	}); err != nil {
		log.Warn().Err(err).Str("game_id", gameID).Msg("devgame: timer push failed")
	}
}

// pushFull sends every member of the room its own fullUpdate, which differs
// per member only in role and partner.
func (h *Hub) pushFull(gameID string) {
	h.mu.Lock()
	g := h.games[gameID]
	if g == nil {
		h.mu.Unlock()
		return
	}
	base := protocol.FullUpdate{
		Type:       protocol.UpdateFull,
		GameID:     g.id,
		Modules:    h.modules,
		Solved:     g.solved,
		Strikes:    g.strikes,
		MaxStrikes: h.cfg.MaxStrikes,
		GameOver:   g.over,
		Winner:     g.winner,
	}
	h.mu.Unlock()

	members := h.srv.Connections().Room(gameID)
	for _, c := range members {
		update := base
		_, update.Role = c.Game()
		for _, other := range members {
			if other.ID != c.ID {
				update.PartnerID = other.ID
				break
			}
		}
		if err := h.srv.Push(c.ID, protocol.EventGameState, update); err != nil {
			log.Warn().Err(err).Str("session_id", c.ID).Str("game_id", gameID).Msg("devgame: full push failed")
		}
	}
}
