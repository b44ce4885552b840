// Package presence persists user online/offline state in Redis. Online keys
// carry a TTL refreshed by connection activity, so a crashed server cannot
// leave permanent "online" ghosts: the key simply expires.
package presence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix is the Redis key prefix for presence hashes.
	KeyPrefix = "presence:"

	// OnlineTTL is the time-to-live for an online marker. Heartbeat-driven
	// Touch calls keep it alive while the socket is up.
	OnlineTTL = 2 * time.Minute

	// LastSeenTTL is how long the offline last-seen record is retained.
	LastSeenTTL = 30 * 24 * time.Hour
)

// Status is one user's presence as observed by the registry.
type Status struct {
	UserID   string
	IsOnline bool
	LastSeen time.Time
}

// Store manages presence state in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a presence store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// SetOnline marks the user online with a TTL'd key.
func (s *Store) SetOnline(ctx context.Context, userID string) error {
	key := KeyPrefix + userID

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "online", "true", "last_seen", time.Now().Unix())
	pipe.Expire(ctx, key, OnlineTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: set online %s: %w", userID, err)
	}
	return nil
}

// SetOffline marks the user offline and records the last-seen timestamp,
// which is returned for inclusion in the presence broadcast.
func (s *Store) SetOffline(ctx context.Context, userID string) (time.Time, error) {
	key := KeyPrefix + userID
	now := time.Now()

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "online", "false", "last_seen", now.Unix())
	pipe.Expire(ctx, key, LastSeenTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return time.Time{}, fmt.Errorf("presence: set offline %s: %w", userID, err)
	}
	return now, nil
}

// Touch refreshes the online TTL without rewriting the record. Called on
// connection activity so a live socket never expires.
func (s *Store) Touch(ctx context.Context, userID string) error {
	return s.client.Expire(ctx, KeyPrefix+userID, OnlineTTL).Err()
}

// Get returns the user's presence. A missing or expired key reads as
// offline with a zero last-seen.
func (s *Store) Get(ctx context.Context, userID string) (Status, error) {
	key := KeyPrefix + userID

	result, err := s.client.HGetAll(ctx, key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Status{}, fmt.Errorf("presence: get %s: %w", userID, err)
	}
	if len(result) == 0 {
		return Status{UserID: userID}, nil
	}

	var lastSeen time.Time
	if ts, err := strconv.ParseInt(result["last_seen"], 10, 64); err == nil {
		lastSeen = time.Unix(ts, 0)
	}

	return Status{
		UserID:   userID,
		IsOnline: result["online"] == "true",
		LastSeen: lastSeen,
	}, nil
}
