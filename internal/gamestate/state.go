// Package gamestate keeps the client's local mirror of a game and merges
// server pushes into it. Timer pushes and full-state pushes are merged
// independently so that neither can clobber the other.
package gamestate

import (
	"encoding/json"
	"fmt"
)

// DefaultTimeRemaining is the countdown shown before the server's first
// timer push arrives, in seconds.
const DefaultTimeRemaining = 300

// GameState is one client's view of a joined game. Values returned by the
// Reconciler are copies and may be kept or discarded freely, but must not be
// written back.
type GameState struct {
	GameID        string            `json:"gameId"`
	Role          string            `json:"role"`
	PartnerID     string            `json:"partnerId,omitempty"`
	TimeRemaining int               `json:"timeRemaining"`
	Modules       []json.RawMessage `json:"modules"`
	Solved        int               `json:"solved"`
	Strikes       int               `json:"strikes"`
	MaxStrikes    int               `json:"maxStrikes,omitempty"`
	GameOver      bool              `json:"gameOver"`
	Winner        bool              `json:"winner"`

	// Extra holds fields the server sent that this client does not know.
	// They are carried forward untouched.
	Extra map[string]json.RawMessage `json:"extra,omitempty"`
}

// Joined reports whether the state belongs to a game.
func (s GameState) Joined() bool {
	return s.GameID != ""
}

// initialState is the unjoined state.
func initialState() GameState {
	return GameState{
		TimeRemaining: DefaultTimeRemaining,
		Modules:       []json.RawMessage{},
	}
}

// clone returns a deep copy so callers never share slices or maps with the
// reconciler.
func (s GameState) clone() GameState {
	out := s
	if s.Modules != nil {
		out.Modules = make([]json.RawMessage, len(s.Modules))
		for i, m := range s.Modules {
			out.Modules[i] = append(json.RawMessage(nil), m...)
		}
	}
	if s.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(s.Extra))
		for k, v := range s.Extra {
			out.Extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	return out
}

// mergeFields writes every field present in fields into s. The countdown is
// only written when withTimer is set. Either every field is applied or,
// on the first decode error, none are: the caller merges into a copy.
func mergeFields(s *GameState, fields map[string]json.RawMessage, withTimer bool) error {
	for key, raw := range fields {
		var err error
		switch key {
		case "type", "gameId":
			// gameId already matched; type is the envelope tag.
		case "timeRemaining":
			if withTimer {
				err = decodeCount(raw, &s.TimeRemaining)
			}
		case "role":
			err = decode(raw, &s.Role)
		case "partnerId":
			err = decode(raw, &s.PartnerID)
		case "modules":
			err = decode(raw, &s.Modules)
		case "solved":
			err = decodeCount(raw, &s.Solved)
		case "strikes":
			err = decodeCount(raw, &s.Strikes)
		case "maxStrikes":
			err = decodeCount(raw, &s.MaxStrikes)
		case "gameOver":
			err = decode(raw, &s.GameOver)
		case "winner":
			err = decode(raw, &s.Winner)
		default:
			if s.Extra == nil {
				s.Extra = make(map[string]json.RawMessage)
			}
			s.Extra[key] = append(json.RawMessage(nil), raw...)
		}
		if err != nil {
			return fmt.Errorf("gamestate: field %q: %w", key, err)
		}
	}
	return nil
}

// decode unmarshals raw into dst. A JSON null resets dst to its zero value.
func decode[T any](raw json.RawMessage, dst *T) error {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	*dst = v
	return nil
}

// decodeCount is decode for counters that must never go negative.
func decodeCount(raw json.RawMessage, dst *int) error {
	var v int
	if err := decode(raw, &v); err != nil {
		return err
	}
	if v < 0 {
		return fmt.Errorf("negative value %d", v)
	}
	*dst = v
	return nil
}
