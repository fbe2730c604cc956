package transcript

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/bombsquad/defusal/internal/chat"
	"github.com/bombsquad/defusal/internal/gamestate"
)

const archiveTimeout = 5 * time.Second

// Archiver persists transcripts. *Store satisfies it.
type Archiver interface {
	Archive(ctx context.Context, t *Transcript) (bool, error)
}

// Recorder watches the game state mirror and archives the chat log once
// when a game finishes. Writes happen off the caller's goroutine.
type Recorder struct {
	archiver Archiver
	clientID string
	chat     *chat.Log
	clock    clockwork.Clock

	mu       sync.Mutex
	closed   bool
	archived map[string]bool // game IDs already handed to the archiver
	wg       sync.WaitGroup
	unsub    func()
}

// NewRecorder creates a Recorder for clientID reading lines from chatLog.
func NewRecorder(archiver Archiver, clientID string, chatLog *chat.Log, clock clockwork.Clock) *Recorder {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Recorder{
		archiver: archiver,
		clientID: clientID,
		chat:     chatLog,
		clock:    clock,
		archived: make(map[string]bool),
	}
}

// Attach starts watching state.
func (r *Recorder) Attach(state *gamestate.Reconciler) {
	r.unsub = state.Subscribe(r.observe)
}

// Close stops watching and waits for pending writes. Snapshots delivered
// after Close are ignored.
func (r *Recorder) Close() {
	if r.unsub != nil {
		r.unsub()
	}
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Recorder) observe(s gamestate.GameState) {
	if !s.GameOver || s.GameID == "" {
		return
	}

	var messages []chat.Message
	for _, m := range r.chat.Messages() {
		if m.GameID == s.GameID {
			messages = append(messages, m)
		}
	}
	t := &Transcript{
		GameID:     s.GameID,
		ClientID:   r.clientID,
		Role:       s.Role,
		Winner:     s.Winner,
		Strikes:    s.Strikes,
		Solved:     s.Solved,
		Messages:   messages,
		FinishedAt: r.clock.Now(),
	}

	// wg.Add happens under mu so it can never race the Wait in Close.
	r.mu.Lock()
	if r.closed || r.archived[s.GameID] {
		r.mu.Unlock()
		return
	}
	r.archived[s.GameID] = true
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		defer cancel()

		written, err := r.archiver.Archive(ctx, t)
		if err != nil {
			log.Error().Err(err).Str("game_id", t.GameID).Msg("transcript: archive failed")
			return
		}
		log.Info().Str("game_id", t.GameID).Bool("written", written).Int("messages", len(t.Messages)).
			Msg("transcript: game archived")
	}()
}
