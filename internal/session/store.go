package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// ResumePrefix is the Redis key prefix for resume hashes.
	ResumePrefix = "defusal:resume:"

	// ResumeTTL bounds how long a client may stay away and still rejoin.
	ResumeTTL = 2 * time.Hour
)

// Resume is the last game a client joined.
type Resume struct {
	GameID   string `redis:"game_id"`
	Role     string `redis:"role"`
	JoinedAt int64  `redis:"joined_at"` // unix timestamp
}

// Store keeps resume records in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a resume store connected to Redis.
func NewStore(redisAddr string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client}, nil
}

// NewStoreWithClient wraps an existing Redis client.
func NewStoreWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Save records r as the client's last game and refreshes the TTL.
func (s *Store) Save(ctx context.Context, clientID string, r Resume) error {
	key := ResumePrefix + clientID

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, map[string]interface{}{
		"game_id":   r.GameID,
		"role":      r.Role,
		"joined_at": r.JoinedAt,
	})
	pipe.Expire(ctx, key, ResumeTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: save resume for %s: %w", clientID, err)
	}
	return nil
}

// Load returns the client's last game, or nil if there is none.
func (s *Store) Load(ctx context.Context, clientID string) (*Resume, error) {
	key := ResumePrefix + clientID

	var r Resume
	if err := s.client.HGetAll(ctx, key).Scan(&r); err != nil {
		return nil, fmt.Errorf("session: load resume for %s: %w", clientID, err)
	}
	if r.GameID == "" {
		return nil, nil // not found
	}
	return &r, nil
}

// Clear forgets the client's last game.
func (s *Store) Clear(ctx context.Context, clientID string) error {
	if err := s.client.Del(ctx, ResumePrefix+clientID).Err(); err != nil {
		return fmt.Errorf("session: clear resume for %s: %w", clientID, err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}
