// Package auth provides the Redis-backed token store consulted when a
// client presents a credential: as a query parameter on socket connect, or
// as a bearer token on REST calls. Token issuance itself (login) lives
// outside this core; this store is the verifier its collaborators consume.
//
//	Key:   token:<token>
//	Value: <user id>
//	TTL:   token lifetime
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// TokenPrefix is the Redis key prefix for token records.
const TokenPrefix = "token:"

// ErrInvalidToken is returned when a presented token is unknown or expired.
var ErrInvalidToken = errors.New("auth: invalid or expired token")

// Store verifies connect tokens against Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a token store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// Issue creates a fresh token for the user with the given lifetime.
func (s *Store) Issue(ctx context.Context, userID string, ttl time.Duration) (string, error) {
	token := uuid.New().String()
	if err := s.client.Set(ctx, TokenPrefix+token, userID, ttl).Err(); err != nil {
		return "", fmt.Errorf("auth: issue token for %s: %w", userID, err)
	}
	return token, nil
}

// Verify resolves a token to its user id. Unknown or expired tokens fail
// closed with ErrInvalidToken; infrastructure errors are reported as-is so
// the caller refuses the connection rather than admitting it blind.
func (s *Store) Verify(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}

	userID, err := s.client.Get(ctx, TokenPrefix+token).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrInvalidToken
	}
	if err != nil {
		return "", fmt.Errorf("auth: verify token: %w", err)
	}
	return userID, nil
}

// Revoke deletes a token (logout).
func (s *Store) Revoke(ctx context.Context, token string) error {
	return s.client.Del(ctx, TokenPrefix+token).Err()
}
