package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

var testRule = Rule{Key: "rl:test:", Limit: 3, Window: 5 * time.Second}

func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("redis not available: %v", err)
	}
	clean := func() {
		iter := client.Scan(ctx, 0, testRule.Key+"*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	}
	clean()
	t.Cleanup(func() {
		clean()
		client.Close()
	})
	return NewLimiter(client)
}

func TestAllow_WithinLimit(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < testRule.Limit; i++ {
		ok, err := l.Allow(ctx, "c1", testRule)
		if err != nil {
			t.Fatalf("Allow() error: %v", err)
		}
		if !ok {
			t.Fatalf("request %d was limited, want allowed", i+1)
		}
	}

	ok, _ := l.Allow(ctx, "c1", testRule)
	if ok {
		t.Error("request over the limit was allowed")
	}
}

func TestAllow_IdentifiersAreIndependent(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < testRule.Limit+1; i++ {
		_, _ = l.Allow(ctx, "c1", testRule)
	}

	ok, _ := l.Allow(ctx, "c2", testRule)
	if !ok {
		t.Error("c2 limited by c1's traffic")
	}
}

func TestRemaining(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	n, err := l.Remaining(ctx, "c1", testRule)
	if err != nil || n != testRule.Limit {
		t.Fatalf("Remaining() = %d, %v; want %d, nil", n, err, testRule.Limit)
	}

	_, _ = l.Allow(ctx, "c1", testRule)
	n, _ = l.Remaining(ctx, "c1", testRule)
	if n != testRule.Limit-1 {
		t.Errorf("Remaining() = %d, want %d", n, testRule.Limit-1)
	}
}

func TestRetryAfter(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	d, err := l.RetryAfter(ctx, "c1", testRule)
	if err != nil || d != 0 {
		t.Fatalf("RetryAfter() with no window = %v, %v; want 0, nil", d, err)
	}

	_, _ = l.Allow(ctx, "c1", testRule)
	d, err = l.RetryAfter(ctx, "c1", testRule)
	if err != nil {
		t.Fatalf("RetryAfter() error: %v", err)
	}
	if d <= 0 || d > testRule.Window {
		t.Errorf("RetryAfter() = %v, want within (0, %v]", d, testRule.Window)
	}
}
