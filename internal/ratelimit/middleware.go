package ratelimit

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/nisarsyed/openconv/internal/httputil"
)

// ClientIP extracts the caller's IP for per-IP limiting: the first address
// in X-Forwarded-For, then X-Real-IP, then the connection's remote
// address, in that order.
func ClientIP(c fiber.Ctx) string {
	if fwd := c.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if real := c.Get("X-Real-IP"); real != "" {
		return real
	}
	ip := c.IP()
	if host, _, err := net.SplitHostPort(ip); err == nil {
		return host
	}
	return ip
}

// PerIP returns Fiber middleware that applies the limiter per client IP,
// keyed additionally by endpoint so distinct routes get distinct windows.
// A limiter backend failure fails open; an exceeded limit answers 429 with
// Retry-After set to the window's remaining TTL.
func PerIP(limiter *Limiter, endpoint string, logger zerolog.Logger) fiber.Handler {
	return func(c fiber.Ctx) error {
		ip := ClientIP(c)

		allowed, err := limiter.Allow(c.Context(), ip, endpoint)
		if err != nil {
			logger.Warn().Err(err).Str("endpoint", endpoint).Msg("Rate limiter unavailable, failing open")
			return c.Next()
		}
		if allowed {
			return c.Next()
		}

		retryAfter, err := limiter.RetryAfter(c.Context(), ip, endpoint)
		if err != nil {
			retryAfter = time.Second
		}
		c.Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
		return httputil.Fail(c, fiber.StatusTooManyRequests, "Too many requests")
	}
}
