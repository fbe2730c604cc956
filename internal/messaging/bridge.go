package messaging

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/bombsquad/defusal/internal/chat"
	"github.com/bombsquad/defusal/internal/gamestate"
	"github.com/bombsquad/defusal/internal/transport"
)

// Intent types accepted on the intent subject.
const (
	IntentJoin   = "join"
	IntentSolve  = "solve"
	IntentStrike = "strike"
	IntentChat   = "chat"
)

// Bus is the part of *NATSClient the bridge uses.
type Bus interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler func(msg *nats.Msg)) error
	Unsubscribe(subject string) error
}

// Controller executes intents. *session.Controller satisfies it.
type Controller interface {
	Join(gameID, role string) error
	SolveModule(moduleID string) error
	ReportStrike() error
	SendChat(content string) error
}

// StatusSource reports connection status changes. *transport.Session
// satisfies it.
type StatusSource interface {
	OnStatus(fn func(transport.Status)) (unsubscribe func())
}

// Intent is a request from the presentation layer.
type Intent struct {
	Type     string `json:"type"`
	GameID   string `json:"gameId,omitempty"`
	Role     string `json:"role,omitempty"`
	ModuleID string `json:"moduleId,omitempty"`
	Content  string `json:"content,omitempty"`
}

// IntentResult is sent back when an intent arrives as a NATS request.
type IntentResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// StatusEvent is published on every connection status change.
type StatusEvent struct {
	ClientID string `json:"clientId"`
	Status   string `json:"status"`
}

// Bridge mirrors one client onto NATS.
type Bridge struct {
	bus      Bus
	ctrl     Controller
	clientID string

	mu     sync.Mutex
	unsubs []func()
}

// NewBridge creates a Bridge for clientID. Call Attach to start it.
func NewBridge(bus Bus, clientID string, ctrl Controller) *Bridge {
	return &Bridge{bus: bus, ctrl: ctrl, clientID: clientID}
}

// Attach starts publishing state, chat and status and accepting intents.
func (b *Bridge) Attach(state *gamestate.Reconciler, chatLog *chat.Log, status StatusSource) error {
	subject := IntentSubject(b.clientID)
	if err := b.bus.Subscribe(subject, b.handleIntent); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.unsubs = append(b.unsubs,
		state.Subscribe(b.publishState),
		chatLog.Subscribe(b.publishChat),
		status.OnStatus(b.publishStatus),
		func() {
			if err := b.bus.Unsubscribe(subject); err != nil {
				log.Warn().Err(err).Str("subject", subject).Msg("messaging: unsubscribe failed")
			}
		},
	)

	log.Info().Str("client_id", b.clientID).Str("intent_subject", subject).Msg("messaging: bridge attached")
	return nil
}

// Close stops the bridge.
func (b *Bridge) Close() {
	b.mu.Lock()
	unsubs := b.unsubs
	b.unsubs = nil
	b.mu.Unlock()

	for _, unsubscribe := range unsubs {
		unsubscribe()
	}
}

func (b *Bridge) publishState(s gamestate.GameState) {
	if !s.Joined() {
		return
	}
	b.publish(StateSubject(s.GameID), s)
}

func (b *Bridge) publishChat(m chat.Message) {
	b.publish(ChatSubject(m.GameID), m)
}

func (b *Bridge) publishStatus(s transport.Status) {
	b.publish(StatusSubject(b.clientID), StatusEvent{ClientID: b.clientID, Status: s.String()})
}

func (b *Bridge) publish(subject string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("subject", subject).Msg("messaging: failed to encode")
		return
	}
	if err := b.bus.Publish(subject, data); err != nil {
		log.Warn().Err(err).Str("subject", subject).Msg("messaging: publish failed")
	}
}

func (b *Bridge) handleIntent(msg *nats.Msg) {
	err := b.execute(msg.Data)
	if err != nil {
		log.Warn().Err(err).Str("client_id", b.clientID).Msg("messaging: intent failed")
	}

	if msg.Reply == "" {
		return
	}
	res := IntentResult{OK: err == nil}
	if err != nil {
		res.Error = err.Error()
	}
	b.publish(msg.Reply, res)
}

func (b *Bridge) execute(data []byte) error {
	var in Intent
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("messaging: invalid intent: %w", err)
	}

	switch in.Type {
	case IntentJoin:
		return b.ctrl.Join(in.GameID, in.Role)
	case IntentSolve:
		return b.ctrl.SolveModule(in.ModuleID)
	case IntentStrike:
		return b.ctrl.ReportStrike()
	case IntentChat:
		return b.ctrl.SendChat(in.Content)
	default:
		return fmt.Errorf("messaging: unknown intent type %q", in.Type)
	}
}
