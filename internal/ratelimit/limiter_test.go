package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewLimiter(client), mr
}

func TestAllow_WithinLimit(t *testing.T) {
	l, _ := newTestLimiter(t)
	rule := Rule{Key: "rl:test:", Limit: 3, Window: time.Minute}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "alice", rule)
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("request %d should be allowed", i)
		}
	}
}

func TestAllow_OverLimit(t *testing.T) {
	l, _ := newTestLimiter(t)
	rule := Rule{Key: "rl:test:", Limit: 2, Window: time.Minute}
	ctx := context.Background()

	l.Allow(ctx, "alice", rule)
	l.Allow(ctx, "alice", rule)

	ok, err := l.Allow(ctx, "alice", rule)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if ok {
		t.Error("third request should be denied")
	}
}

func TestAllow_WindowResets(t *testing.T) {
	l, mr := newTestLimiter(t)
	rule := Rule{Key: "rl:test:", Limit: 1, Window: 10 * time.Second}
	ctx := context.Background()

	l.Allow(ctx, "alice", rule)
	if ok, _ := l.Allow(ctx, "alice", rule); ok {
		t.Fatal("second request in window should be denied")
	}

	mr.FastForward(11 * time.Second)

	if ok, _ := l.Allow(ctx, "alice", rule); !ok {
		t.Error("request after window expiry should be allowed")
	}
}

func TestAllow_IdentifiersIndependent(t *testing.T) {
	l, _ := newTestLimiter(t)
	rule := Rule{Key: "rl:test:", Limit: 1, Window: time.Minute}
	ctx := context.Background()

	l.Allow(ctx, "alice", rule)

	if ok, _ := l.Allow(ctx, "bob", rule); !ok {
		t.Error("bob's budget is independent of alice's")
	}
}

func TestAllow_RedisDownFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	l := NewLimiter(client)

	mr.Close()

	ok, err := l.Allow(context.Background(), "alice", RuleMessage)
	if err == nil {
		t.Error("expected the redis error to be reported")
	}
	if !ok {
		t.Error("limiter must fail open when redis is unavailable")
	}
}

func TestRemaining(t *testing.T) {
	l, _ := newTestLimiter(t)
	rule := Rule{Key: "rl:test:", Limit: 5, Window: time.Minute}
	ctx := context.Background()

	if n, _ := l.Remaining(ctx, "alice", rule); n != 5 {
		t.Errorf("fresh identifier should have full budget, got %d", n)
	}

	l.Allow(ctx, "alice", rule)
	l.Allow(ctx, "alice", rule)

	if n, _ := l.Remaining(ctx, "alice", rule); n != 3 {
		t.Errorf("expected 3 remaining, got %d", n)
	}
}
