package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupLimiter(t *testing.T, limit int, window time.Duration) (*miniredis.Miniredis, *Limiter) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, New(rdb, "test", limit, window)
}

func TestAllowWithinLimit(t *testing.T) {
	t.Parallel()
	_, limiter := setupLimiter(t, 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, err := limiter.Allow(ctx, "user-1", "send")
		if err != nil {
			t.Fatalf("Allow() call %d error = %v", i, err)
		}
		if !allowed {
			t.Fatalf("Allow() call %d = false, want true", i)
		}
	}
}

func TestAllowRejectsOverLimit(t *testing.T) {
	t.Parallel()
	_, limiter := setupLimiter(t, 2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if allowed, err := limiter.Allow(ctx, "user-1", "send"); err != nil || !allowed {
			t.Fatalf("Allow() call %d = (%v, %v), want (true, nil)", i, allowed, err)
		}
	}

	allowed, err := limiter.Allow(ctx, "user-1", "send")
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if allowed {
		t.Fatal("Allow() = true, want false once over limit")
	}
}

func TestAllowScopesByKeyAndEndpoint(t *testing.T) {
	t.Parallel()
	_, limiter := setupLimiter(t, 1, time.Minute)
	ctx := context.Background()

	if allowed, err := limiter.Allow(ctx, "user-1", "send"); err != nil || !allowed {
		t.Fatalf("Allow() user-1/send = (%v, %v), want (true, nil)", allowed, err)
	}
	if allowed, err := limiter.Allow(ctx, "user-2", "send"); err != nil || !allowed {
		t.Fatalf("Allow() user-2/send = (%v, %v), want (true, nil)", allowed, err)
	}
	if allowed, err := limiter.Allow(ctx, "user-1", "recv"); err != nil || !allowed {
		t.Fatalf("Allow() user-1/recv = (%v, %v), want (true, nil)", allowed, err)
	}
}

func TestAllowWindowResetsAfterExpiry(t *testing.T) {
	t.Parallel()
	mr, limiter := setupLimiter(t, 1, time.Second)
	ctx := context.Background()

	if allowed, err := limiter.Allow(ctx, "user-1", "send"); err != nil || !allowed {
		t.Fatalf("Allow() first call = (%v, %v), want (true, nil)", allowed, err)
	}
	if allowed, _ := limiter.Allow(ctx, "user-1", "send"); allowed {
		t.Fatal("Allow() second call = true, want false before window expires")
	}

	mr.FastForward(2 * time.Second)

	allowed, err := limiter.Allow(ctx, "user-1", "send")
	if err != nil {
		t.Fatalf("Allow() after expiry error = %v", err)
	}
	if !allowed {
		t.Fatal("Allow() after window expiry = false, want true")
	}
}

func TestRetryAfterWithNoCounterReturnsOneSecond(t *testing.T) {
	t.Parallel()
	_, limiter := setupLimiter(t, 1, time.Minute)

	d, err := limiter.RetryAfter(context.Background(), "user-1", "send")
	if err != nil {
		t.Fatalf("RetryAfter() error = %v", err)
	}
	if d != time.Second {
		t.Errorf("RetryAfter() = %v, want %v for a counter that was never incremented", d, time.Second)
	}
}

func TestRetryAfterReflectsRemainingWindow(t *testing.T) {
	t.Parallel()
	mr, limiter := setupLimiter(t, 1, 30*time.Second)
	ctx := context.Background()

	if _, err := limiter.Allow(ctx, "user-1", "send"); err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	mr.FastForward(10 * time.Second)

	d, err := limiter.RetryAfter(ctx, "user-1", "send")
	if err != nil {
		t.Fatalf("RetryAfter() error = %v", err)
	}
	if d <= 0 || d > 20*time.Second {
		t.Errorf("RetryAfter() = %v, want something in (0, 20s]", d)
	}
}
