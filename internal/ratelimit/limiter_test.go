package ratelimit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestLimiter creates a Limiter connected to a local Redis instance.
// Tests that call this helper require a running Redis on localhost:6379.
func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	cleanup := func() {
		for _, prefix := range []string{RuleFrame.Key + "test_*", RuleConnect.Key + "test_*", "rl:test:*"} {
			iter := client.Scan(ctx, 0, prefix, 100).Iterator()
			for iter.Next(ctx) {
				client.Del(ctx, iter.Val())
			}
		}
	}
	cleanup()
	t.Cleanup(func() {
		cleanup()
		client.Close()
	})
	return NewLimiter(client)
}

func TestAllow_WithinLimit(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 3, Window: 10 * time.Second}

	for i := 0; i < rule.Limit; i++ {
		ok, err := l.Allow(ctx, "test_a", rule)
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("request %d should be allowed", i)
		}
	}

	ok, err := l.Allow(ctx, "test_a", rule)
	if err != nil {
		t.Fatalf("allow over limit: %v", err)
	}
	if ok {
		t.Fatal("request over limit should be rejected")
	}
}

func TestAllow_IdentifiersIsolated(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 1, Window: 10 * time.Second}

	if ok, _ := l.Allow(ctx, "test_b", rule); !ok {
		t.Fatal("first request should be allowed")
	}
	if ok, _ := l.Allow(ctx, "test_b", rule); ok {
		t.Fatal("second request should be rejected")
	}
	// A different identifier has its own counter.
	if ok, _ := l.Allow(ctx, "test_c", rule); !ok {
		t.Fatal("other identifier should be unaffected")
	}
}

func TestAllow_WindowResets(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 1, Window: time.Second}

	if ok, _ := l.Allow(ctx, "test_d", rule); !ok {
		t.Fatal("first request should be allowed")
	}
	if ok, _ := l.Allow(ctx, "test_d", rule); ok {
		t.Fatal("second request should be rejected")
	}
	time.Sleep(1100 * time.Millisecond)
	if ok, _ := l.Allow(ctx, "test_d", rule); !ok {
		t.Fatal("request after window expiry should be allowed")
	}
}

func TestAllowFrame_UsesFrameRule(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < RuleFrame.Limit; i++ {
		if !l.AllowFrame(ctx, "test_frames") {
			t.Fatalf("frame %d should be allowed", i)
		}
	}
	if l.AllowFrame(ctx, "test_frames") {
		t.Fatalf("frame %d should be rejected", RuleFrame.Limit)
	}
}

func TestAllow_FailsOpenWithoutRedis(t *testing.T) {
	// A client pointed at a dead address errors on every call; the limiter
	// must admit traffic anyway.
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { client.Close() })
	l := NewLimiter(client)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ok, err := l.Allow(ctx, fmt.Sprintf("test_down_%d", time.Now().UnixNano()), RuleFrame)
	if err == nil {
		t.Fatal("expected a redis error")
	}
	if !ok {
		t.Fatal("limiter must fail open on redis errors")
	}
}
