// Package protocol defines the WebSocket frames exchanged between a defusal
// client and the game server. Every frame is a JSON object carrying an event
// (channel) name and a data payload that is decoded lazily once the channel
// is known.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Channel constants
// ---------------------------------------------------------------------------

// Client -> Server channels.
const (
	EventJoinGame    = "joinGame"
	EventSolveModule = "solveModule"
	EventAddStrike   = "addStrike"
)

// Server -> Client channels.
const (
	EventGameState = "gameState"
)

// EventChatMessage is used in both directions: the client submits a message
// and the server echoes the canonical copy to every participant of the game.
const EventChatMessage = "chatMessage"

// Update kinds carried in the "type" field of a gameState payload.
const (
	UpdateTimer = "timerUpdate"
	UpdateFull  = "fullUpdate"
)

// Roles as they appear on the wire. The expert is called "manual" by the
// server because that participant holds the bomb manual.
const (
	RoleDefuser = "defuser"
	RoleExpert  = "manual"
)

// TimestampLayout matches the ISO-8601 form produced by JavaScript's
// Date.toISOString, which the server and browser clients use.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// SessionHeader carries the client-generated session ID in the WebSocket
// handshake so that server logs can be correlated with the client's.
const SessionHeader = "X-Defusal-Session"

var (
	// ErrMissingEvent is returned for frames without an event name.
	ErrMissingEvent = errors.New("protocol: missing or empty \"event\" field")

	// ErrMissingGameID is returned for payloads without a gameId.
	ErrMissingGameID = errors.New("protocol: missing or empty \"gameId\" field")
)

// ---------------------------------------------------------------------------
// Frame: the outer envelope of every WebSocket text message.
// ---------------------------------------------------------------------------

// Frame holds the channel name and the raw JSON payload for deferred parsing
// into a concrete struct.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// UnmarshalJSON implements the json.Unmarshaler interface and rejects frames
// that do not name a channel.
func (f *Frame) UnmarshalJSON(data []byte) error {
	type rawFrame Frame
	var rf rawFrame
	if err := json.Unmarshal(data, &rf); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal frame: %w", err)
	}
	if rf.Event == "" {
		return ErrMissingEvent
	}
	*f = Frame(rf)
	return nil
}

// ParseFrame decodes raw WebSocket bytes into a Frame.
func ParseFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// NewFrame encodes payload under the given channel name.
func NewFrame(event string, payload interface{}) ([]byte, error) {
	if event == "" {
		return nil, ErrMissingEvent
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal %q payload: %w", event, err)
	}
	out, err := json.Marshal(Frame{Event: event, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal frame: %w", err)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Client -> Server payloads
// ---------------------------------------------------------------------------

// JoinGameMsg asks the server to attach this connection to a game as a role.
type JoinGameMsg struct {
	GameID string `json:"gameId"`
	Role   string `json:"role"`
}

// SolveModuleMsg submits a solve attempt for a module. Whether the attempt
// is correct is decided by the server.
type SolveModuleMsg struct {
	GameID   string `json:"gameId"`
	ModuleID string `json:"moduleId"`
}

// AddStrikeMsg reports a strike against the team.
type AddStrikeMsg struct {
	GameID string `json:"gameId"`
}

// ChatMessage is a single chat line. The client sends it on the chatMessage
// channel and the server echoes it back unchanged to both participants.
type ChatMessage struct {
	GameID    string `json:"gameId"`
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// ---------------------------------------------------------------------------
// Server -> Client payloads
// ---------------------------------------------------------------------------

// TimerUpdate is the high-frequency countdown push.
type TimerUpdate struct {
	Type          string `json:"type"`
	GameID        string `json:"gameId"`
	TimeRemaining int    `json:"timeRemaining"`
}

// FullUpdate carries every game field except the countdown.
type FullUpdate struct {
	Type       string            `json:"type"`
	GameID     string            `json:"gameId"`
	Role       string            `json:"role,omitempty"`
	PartnerID  string            `json:"partnerId,omitempty"`
	Modules    []json.RawMessage `json:"modules"`
	Solved     int               `json:"solved"`
	Strikes    int               `json:"strikes"`
	MaxStrikes int               `json:"maxStrikes,omitempty"`
	GameOver   bool              `json:"gameOver"`
	Winner     bool              `json:"winner"`
}

// Update is a decoded gameState payload. Fields keeps every key the server
// sent (including "type" and "gameId") so that a merge can tell an absent
// field from a zero value.
type Update struct {
	Type   string
	GameID string
	Fields map[string]json.RawMessage
}

// Has reports whether the server sent the named field.
func (u Update) Has(field string) bool {
	_, ok := u.Fields[field]
	return ok
}

// DecodeUpdate parses a gameState payload. Payloads without a gameId are
// rejected; an unknown type is not an error.
func DecodeUpdate(data []byte) (Update, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Update{}, fmt.Errorf("protocol: failed to decode gameState: %w", err)
	}
	if fields == nil {
		return Update{}, fmt.Errorf("protocol: gameState payload is not an object")
	}

	u := Update{Fields: fields}
	if raw, ok := fields["type"]; ok {
		// A non-string type is treated as unrecognized rather than malformed.
		_ = json.Unmarshal(raw, &u.Type)
	}
	if raw, ok := fields["gameId"]; ok {
		if err := json.Unmarshal(raw, &u.GameID); err != nil {
			return Update{}, fmt.Errorf("protocol: gameId is not a string: %w", err)
		}
	}
	if u.GameID == "" {
		return Update{}, ErrMissingGameID
	}
	return u, nil
}

// DecodeChatMessage parses a chatMessage payload.
func DecodeChatMessage(data []byte) (ChatMessage, error) {
	var m ChatMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return ChatMessage{}, fmt.Errorf("protocol: failed to decode chatMessage: %w", err)
	}
	if m.GameID == "" {
		return ChatMessage{}, ErrMissingGameID
	}
	return m, nil
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientFrame parses raw WebSocket bytes sent by a client into a typed
// payload. It returns the channel name, the decoded struct, and any error
// encountered. Server-only or unknown channels are rejected.
func ParseClientFrame(data []byte) (string, interface{}, error) {
	f, err := ParseFrame(data)
	if err != nil {
		return "", nil, err
	}

	var msg interface{}
	switch f.Event {
	case EventJoinGame:
		var m JoinGameMsg
		err = json.Unmarshal(f.Data, &m)
		msg = m
	case EventSolveModule:
		var m SolveModuleMsg
		err = json.Unmarshal(f.Data, &m)
		msg = m
	case EventAddStrike:
		var m AddStrikeMsg
		err = json.Unmarshal(f.Data, &m)
		msg = m
	case EventChatMessage:
		var m ChatMessage
		err = json.Unmarshal(f.Data, &m)
		msg = m
	default:
		return f.Event, nil, fmt.Errorf("protocol: unknown client event: %q", f.Event)
	}

	if err != nil {
		return f.Event, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", f.Event, err)
	}
	return f.Event, msg, nil
}

// NormalizeRole maps user input to a wire role. "expert" is accepted as an
// alias of the manual holder.
func NormalizeRole(role string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case RoleDefuser:
		return RoleDefuser, true
	case RoleExpert, "expert":
		return RoleExpert, true
	default:
		return "", false
	}
}

// FormatTimestamp renders t the way chat timestamps appear on the wire.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}
