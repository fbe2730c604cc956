// Package transcript archives finished games in PostgreSQL: the canonical
// chat log of the game together with its outcome, once per game and client.
package transcript

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bombsquad/defusal/internal/chat"
	"github.com/bombsquad/defusal/internal/protocol"
)

// validRoles matches the CHECK constraint on game_transcripts.role.
var validRoles = map[string]bool{
	protocol.RoleDefuser: true,
	protocol.RoleExpert:  true,
}

// Transcript is the archived record of one finished game as seen by one
// client.
type Transcript struct {
	GameID     string
	ClientID   string
	Role       string
	Winner     bool
	Strikes    int
	Solved     int
	Messages   []chat.Message
	FinishedAt time.Time
}

// Store manages transcripts in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a transcript store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Archive inserts t. Archiving the same game twice for a client is a no-op;
// the returned bool reports whether a row was written.
func (s *Store) Archive(ctx context.Context, t *Transcript) (bool, error) {
	if t.GameID == "" {
		return false, fmt.Errorf("transcript: missing game ID")
	}
	if !validRoles[t.Role] {
		return false, fmt.Errorf("transcript: invalid role %q", t.Role)
	}

	messages := t.Messages
	if messages == nil {
		messages = []chat.Message{}
	}
	messagesJSON, err := json.Marshal(messages)
	if err != nil {
		return false, fmt.Errorf("transcript: marshal messages: %w", err)
	}

	const query = `
		INSERT INTO game_transcripts (game_id, client_id, role, winner, strikes, solved, messages, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (game_id, client_id) DO NOTHING`

	res, err := s.db.ExecContext(ctx, query,
		t.GameID,
		t.ClientID,
		t.Role,
		t.Winner,
		t.Strikes,
		t.Solved,
		messagesJSON,
		t.FinishedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("transcript: insert: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transcript: rows affected: %w", err)
	}
	return n > 0, nil
}

// Get returns the transcript of gameID for clientID, or nil if none exists.
func (s *Store) Get(ctx context.Context, gameID, clientID string) (*Transcript, error) {
	const query = `
		SELECT game_id, client_id, role, winner, strikes, solved, messages, finished_at
		FROM game_transcripts
		WHERE game_id = $1 AND client_id = $2`

	var (
		t            Transcript
		messagesJSON []byte
	)
	err := s.db.QueryRowContext(ctx, query, gameID, clientID).Scan(
		&t.GameID, &t.ClientID, &t.Role, &t.Winner, &t.Strikes, &t.Solved, &messagesJSON, &t.FinishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("transcript: get: %w", err)
	}

	if err := json.Unmarshal(messagesJSON, &t.Messages); err != nil {
		return nil, fmt.Errorf("transcript: unmarshal messages: %w", err)
	}
	return &t, nil
}

// CountSince returns how many games clientID finished within window.
func (s *Store) CountSince(ctx context.Context, clientID string, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM game_transcripts
		WHERE client_id = $1
		  AND finished_at >= NOW() - $2::interval`

	var count int
	err := s.db.QueryRowContext(ctx, query, clientID, window.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("transcript: count since: %w", err)
	}
	return count, nil
}
