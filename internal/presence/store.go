// Package presence mirrors live session state into Redis so that
// operators (and peer instances) can see who is connected where. The
// authoritative registry stays in process memory; this mirror is
// best-effort and expires on its own if a server dies without cleanup.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix is the Redis key prefix for session hashes.
	KeyPrefix = "presence:"

	// TTL is the time-to-live for presence keys. Heartbeats refresh it;
	// an instance crash leaves entries to age out on their own.
	TTL = 1 * time.Hour
)

// Store mirrors session presence in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this server instance
}

// NewStore creates a presence store connected to Redis and verifies the
// connection.
func NewStore(redisAddr, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("presence: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// Connect records a new live session. userID is zero for anonymous
// sessions.
func (s *Store) Connect(ctx context.Context, sessionID string, userID int64) error {
	key := KeyPrefix + sessionID
	now := time.Now().Unix()

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"user_id":      userID,
		"server":       s.serverName,
		"connected_at": now,
		"last_seen":    now,
	})
	pipe.Expire(ctx, key, TTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Touch refreshes a session's last-seen timestamp and TTL. Called from
// the heartbeat path.
func (s *Store) Touch(ctx context.Context, sessionID string) error {
	key := KeyPrefix + sessionID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_seen", time.Now().Unix())
	pipe.Expire(ctx, key, TTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Disconnect removes a session's presence entry.
func (s *Store) Disconnect(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx, KeyPrefix+sessionID).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages
// (the rate limiter shares the connection).
func (s *Store) Client() *redis.Client {
	return s.client
}
