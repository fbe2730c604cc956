// Package session turns user intents (join, solve, strike, chat) into
// outbound frames, enforces their preconditions, and wires inbound frames
// into the game state mirror and the chat log. It also remembers the last
// joined game so that a dropped or restarted client can rejoin it.
package session

import (
	"errors"
	"fmt"
)

// Intent names used in errors, logs and metrics.
const (
	IntentJoin   = "join"
	IntentSolve  = "solveModule"
	IntentStrike = "addStrike"
	IntentChat   = "chat"
)

var (
	ErrNotConnected  = errors.New("session: not connected")
	ErrNotJoined     = errors.New("session: not joined to a game")
	ErrInvalidChat   = errors.New("session: invalid chat message")
	ErrInvalidRole   = errors.New("session: role must be defuser or manual")
	ErrInvalidGame   = errors.New("session: game ID is empty")
	ErrInvalidModule = errors.New("session: module ID is empty")
)

// PreconditionError reports an intent that was rejected before anything was
// written to the wire.
type PreconditionError struct {
	Intent string
	Err    error
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("session: cannot %s: %v", e.Intent, e.Err)
}

func (e *PreconditionError) Unwrap() error {
	return e.Err
}
