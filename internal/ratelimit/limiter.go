// Package ratelimit provides Redis-backed rate limiting using the INCR +
// EXPIRE window algorithm, throttling socket connects per address and
// inbound frames per user. Limits fail open: a Redis outage must not take
// down legitimate traffic.
package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number
// of requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g., "rl:frame:", "rl:conn:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

var (
	// RuleFrame allows 30 inbound frames per 10 seconds per user. Typing
	// indicators and ICE candidates burst, so the ceiling is generous.
	RuleFrame = Rule{Key: "rl:frame:", Limit: 30, Window: 10 * time.Second}

	// RuleConnect allows 5 socket connection attempts per minute per address.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 5, Window: 1 * time.Minute}
)

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow checks whether the identifier is within the rate limit defined by
// rule. It increments the counter and sets the expiry on first access.
// Returns true if the request is allowed, false if rate limited. On Redis
// errors the method fails open.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("[ratelimit] redis INCR error key=%s: %v (failing open)", key, err)
		return true, err
	}

	// The first increment defines the window boundary.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			log.Printf("[ratelimit] redis EXPIRE error key=%s: %v (failing open)", key, err)
			// The key exists without a TTL and would block the identifier
			// forever; best effort delete.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}

// AllowConnect reports whether a socket connection attempt from the given
// address is admitted. Satisfies the socket server's ConnectLimiter.
func (l *Limiter) AllowConnect(ctx context.Context, addr string) bool {
	ok, _ := l.Allow(ctx, addr, RuleConnect)
	return ok
}

// AllowFrame reports whether an inbound frame from the given user is
// admitted. Satisfies the dispatcher's FrameLimiter.
func (l *Limiter) AllowFrame(ctx context.Context, userID string) bool {
	ok, _ := l.Allow(ctx, userID, RuleFrame)
	return ok
}
