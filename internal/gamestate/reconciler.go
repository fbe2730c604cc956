package gamestate

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/bombsquad/defusal/internal/metrics"
	"github.com/bombsquad/defusal/internal/protocol"
)

// Outcome describes what ApplyUpdate did with a payload.
type Outcome int

const (
	OutcomeTimer     Outcome = iota + 1 // countdown replaced
	OutcomeFull                         // every field but the countdown replaced
	OutcomeFallback                     // unrecognized type, shallow-merged
	OutcomeStale                        // gameId mismatch, dropped
	OutcomeMalformed                    // undecodable or missing gameId, dropped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeTimer:
		return "timer"
	case OutcomeFull:
		return "full"
	case OutcomeFallback:
		return "fallback"
	case OutcomeStale:
		return "stale"
	case OutcomeMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Applied reports whether the outcome mutated state.
func (o Outcome) Applied() bool {
	return o == OutcomeTimer || o == OutcomeFull || o == OutcomeFallback
}

var errMissingTime = errors.New("gamestate: timerUpdate without timeRemaining")

// Reconciler owns the local GameState. ApplyUpdate is the only inbound
// mutation path; Begin and Reset are driven by the session controller.
//
// Inbound updates arrive sequentially from the transport's dispatch loop.
// The mutex exists so snapshots can be read from other goroutines and so
// the optimistic join is serialized with the loop.
//
// Subscribers see snapshots in commit order even when Begin and Apply run
// on different goroutines. Every commit queues its snapshot under mu, and
// the goroutine that finds no delivery in progress drains the queue.
type Reconciler struct {
	mu        sync.RWMutex
	state     GameState
	listeners map[int]func(GameState)
	nextID    int

	pending    []GameState // committed snapshots not yet delivered
	delivering bool        // a goroutine is draining pending
}

// New creates a Reconciler in the unjoined state.
func New() *Reconciler {
	return &Reconciler{
		state:     initialState(),
		listeners: make(map[int]func(GameState)),
	}
}

// Snapshot returns a deep copy of the current state.
func (r *Reconciler) Snapshot() GameState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.clone()
}

// GameID returns the current game, or "" when not joined.
func (r *Reconciler) GameID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.GameID
}

// Role returns the role of the current game.
func (r *Reconciler) Role() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.Role
}

// Subscribe registers fn to receive a snapshot after every accepted
// mutation. The returned func removes the subscription.
func (r *Reconciler) Subscribe(fn func(GameState)) (unsubscribe func()) {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.listeners, id)
			r.mu.Unlock()
		})
	}
}

// Begin optimistically switches the mirror to gameID/role ahead of the
// server's confirmation. Joining a different game starts from a fresh
// state; re-joining the current game keeps what is already known.
func (r *Reconciler) Begin(gameID, role string) {
	r.mu.Lock()
	if r.state.GameID != gameID {
		r.state = initialState()
		r.state.GameID = gameID
	}
	r.state.Role = role
	drain := r.publishLocked()
	r.mu.Unlock()

	if drain {
		r.deliver()
	}
}

// Reset returns to the unjoined state.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	r.state = initialState()
	drain := r.publishLocked()
	r.mu.Unlock()

	if drain {
		r.deliver()
	}
}

// ApplyUpdate decodes a raw gameState payload and merges it. It never
// panics: the caller is the transport's dispatch loop and a failure there
// would stop delivery of every later event.
func (r *Reconciler) ApplyUpdate(data []byte) (out Outcome) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Msg("gamestate: recovered while applying update")
			metrics.StateUpdates.WithLabelValues(OutcomeMalformed.String()).Inc()
			out = OutcomeMalformed
		}
	}()

	u, err := protocol.DecodeUpdate(data)
	if err != nil {
		log.Warn().Err(err).Msg("gamestate: dropping malformed update")
		metrics.StateUpdates.WithLabelValues(OutcomeMalformed.String()).Inc()
		return OutcomeMalformed
	}
	return r.Apply(u)
}

// Apply merges a decoded update. The gameId guard runs before the kind
// dispatch:
//
//   - timerUpdate replaces only timeRemaining
//   - fullUpdate replaces every present field except timeRemaining
//   - any other type shallow-merges every present field, countdown included
func (r *Reconciler) Apply(u protocol.Update) Outcome {
	r.mu.Lock()

	if u.GameID != r.state.GameID {
		current := r.state.GameID
		r.mu.Unlock()
		log.Warn().
			Str("game_id", u.GameID).
			Str("current_game_id", current).
			Str("type", u.Type).
			Msg("gamestate: dropping update for another game")
		metrics.StateUpdates.WithLabelValues(OutcomeStale.String()).Inc()
		return OutcomeStale
	}

	next := r.state.clone()
	var (
		out Outcome
		err error
	)
	switch u.Type {
	case protocol.UpdateTimer:
		out = OutcomeTimer
		err = applyTimer(&next, u)
	case protocol.UpdateFull:
		out = OutcomeFull
		err = mergeFields(&next, u.Fields, false)
	default:
		out = OutcomeFallback
		err = mergeFields(&next, u.Fields, true)
	}
	if err != nil {
		r.mu.Unlock()
		log.Warn().Err(err).Str("game_id", u.GameID).Str("type", u.Type).Msg("gamestate: dropping malformed update")
		metrics.StateUpdates.WithLabelValues(OutcomeMalformed.String()).Inc()
		return OutcomeMalformed
	}

	r.state = next
	drain := r.publishLocked()
	r.mu.Unlock()

	if out == OutcomeFallback {
		log.Warn().
			Str("game_id", u.GameID).
			Str("type", u.Type).
			Msg("gamestate: unrecognized update type merged without timer preservation")
	} else {
		log.Debug().Str("game_id", u.GameID).Str("type", u.Type).Msg("gamestate: update applied")
	}
	metrics.StateUpdates.WithLabelValues(out.String()).Inc()

	if drain {
		r.deliver()
	}
	return out
}

func applyTimer(s *GameState, u protocol.Update) error {
	raw, ok := u.Fields["timeRemaining"]
	if !ok || string(bytes.TrimSpace(raw)) == "null" {
		return errMissingTime
	}
	if err := decodeCount(raw, &s.TimeRemaining); err != nil {
		return fmt.Errorf("gamestate: timeRemaining: %w", err)
	}
	return nil
}

// publishLocked queues a copy of the state for delivery and reports whether
// the caller must drain the queue. r.mu must be held.
func (r *Reconciler) publishLocked() bool {
	r.pending = append(r.pending, r.state.clone())
	if r.delivering {
		return false
	}
	r.delivering = true
	return true
}

// deliver hands queued snapshots to the current listeners, oldest first,
// until the queue is empty. Commits made by listeners, or by other
// goroutines meanwhile, are picked up by the same loop.
func (r *Reconciler) deliver() {
	for {
		r.mu.Lock()
		if len(r.pending) == 0 {
			r.delivering = false
			r.mu.Unlock()
			return
		}
		snap := r.pending[0]
		r.pending[0] = GameState{}
		r.pending = r.pending[1:]
		listeners := make([]func(GameState), 0, len(r.listeners))
		for _, fn := range r.listeners {
			listeners = append(listeners, fn)
		}
		r.mu.Unlock()

		for _, fn := range listeners {
			notify(fn, snap)
		}
	}
}

// notify runs one listener. A panicking listener is logged and skipped so
// the queue keeps draining.
func notify(fn func(GameState), snap GameState) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Str("game_id", snap.GameID).Msg("gamestate: recovered from panic in subscriber")
		}
	}()
	fn(snap.clone())
}
