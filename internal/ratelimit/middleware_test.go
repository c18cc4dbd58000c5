package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v3"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func newLimitedApp(t *testing.T, limit int, window time.Duration) (*fiber.App, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	limiter := New(rdb, "ip", limit, window)
	app := fiber.New()
	app.Get("/limited", PerIP(limiter, "test", zerolog.Nop()), func(c fiber.Ctx) error {
		return c.SendString("ok")
	})
	return app, mr
}

func TestPerIPAllowsUpToLimit(t *testing.T) {
	t.Parallel()

	const limit = 3
	app, _ := newLimitedApp(t, limit, time.Minute)

	// Exactly limit requests succeed; the next one in the same window is
	// rejected with a Retry-After header.
	for i := 0; i < limit; i++ {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/limited", nil))
		if err != nil {
			t.Fatalf("app.Test: %v", err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i+1, resp.StatusCode)
		}
	}

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/limited", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("over-limit status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("429 response missing Retry-After header")
	}
}

func TestPerIPDistinguishesForwardedFor(t *testing.T) {
	t.Parallel()

	app, _ := newLimitedApp(t, 1, time.Minute)

	first := httptest.NewRequest(http.MethodGet, "/limited", nil)
	first.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	resp, err := app.Test(first)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first request: status = %d, want 200", resp.StatusCode)
	}

	// Same forwarded IP: limit of one already spent.
	second := httptest.NewRequest(http.MethodGet, "/limited", nil)
	second.Header.Set("X-Forwarded-For", "203.0.113.7")
	resp, err = app.Test(second)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("repeat request: status = %d, want 429", resp.StatusCode)
	}

	// A different forwarded IP gets its own window.
	third := httptest.NewRequest(http.MethodGet, "/limited", nil)
	third.Header.Set("X-Forwarded-For", "198.51.100.9")
	resp, err = app.Test(third)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("other-ip request: status = %d, want 200", resp.StatusCode)
	}
}

func TestPerIPFailsOpenWhenStoreUnavailable(t *testing.T) {
	t.Parallel()

	app, mr := newLimitedApp(t, 1, time.Minute)
	mr.Close()

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/limited", nil), fiber.TestConfig{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status with store down = %d, want 200 (fail open)", resp.StatusCode)
	}
}
