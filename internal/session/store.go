// Package session manages per-connection state backed by Redis: the verified
// user bound to the connection and the channels it has joined. The state is
// ephemeral (TTL-scoped) and exists for disconnect cleanup and operational
// visibility; channel membership itself lives in the in-memory registry.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "conn:"

	// channelsSuffix is appended to the session key for the joined-channel set.
	channelsSuffix = ":channels"

	// SessionTTL is the time-to-live for session keys in Redis.
	SessionTTL = 12 * time.Hour
)

// Session is a connection's state as stored in Redis.
type Session struct {
	ID         string `redis:"id"`
	UserID     string `redis:"user_id"`
	UserName   string `redis:"user_name"`
	Server     string `redis:"server"`      // which sync-server instance
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// Store manages session state in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this server instance
}

// NewStore creates a session store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// Create stores a new unauthenticated session with the connection TTL.
func (s *Store) Create(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	now := time.Now().Unix()

	fields := map[string]interface{}{
		"id":          sessionID,
		"user_id":     "",
		"user_name":   "",
		"server":      s.serverName,
		"created_at":  now,
		"last_active": now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a session. Returns nil if not found.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	key := SessionPrefix + sessionID
	var sess Session
	err := s.client.HGetAll(ctx, key).Scan(&sess)
	if err != nil {
		return nil, err
	}
	if sess.ID == "" {
		return nil, nil // not found
	}
	return &sess, nil
}

// SetUser binds the verified user to the session.
func (s *Store) SetUser(ctx context.Context, sessionID, userID, userName string) error {
	key := SessionPrefix + sessionID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "user_id", userID, "user_name", userName, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// AddChannel records a joined channel on the session.
func (s *Store) AddChannel(ctx context.Context, sessionID, channel string) error {
	key := SessionPrefix + sessionID + channelsSuffix
	pipe := s.client.Pipeline()
	pipe.SAdd(ctx, key, channel)
	pipe.Expire(ctx, key, SessionTTL)
	pipe.HSet(ctx, SessionPrefix+sessionID, "last_active", time.Now().Unix())
	_, err := pipe.Exec(ctx)
	return err
}

// RemoveChannel drops a channel from the session's joined set.
func (s *Store) RemoveChannel(ctx context.Context, sessionID, channel string) error {
	key := SessionPrefix + sessionID + channelsSuffix
	return s.client.SRem(ctx, key, channel).Err()
}

// Channels returns the session's joined channels.
func (s *Store) Channels(ctx context.Context, sessionID string) ([]string, error) {
	key := SessionPrefix + sessionID + channelsSuffix
	return s.client.SMembers(ctx, key).Result()
}

// Touch refreshes the session's TTL and activity timestamp.
func (s *Store) Touch(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	pipe.Expire(ctx, key+channelsSuffix, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes a session and its channel set.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	pipe := s.client.Pipeline()
	pipe.Del(ctx, key)
	pipe.Del(ctx, key+channelsSuffix)
	_, err := pipe.Exec(ctx)
	return err
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
