// Package ratelimit implements the fixed-window request counters AuthFlow
// applies per IP, per login public key, and per email address.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrScript atomically increments rl:<scope>:<key>:<endpoint> and sets its
// expiry only on the first increment of the window, so the window doesn't
// slide forward on every request.
//
//	KEYS[1] = counter key
//	ARGV[1] = window in seconds
var incrScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
    redis.call('EXPIRE', KEYS[1], tonumber(ARGV[1]))
end
return count
`)

// Limiter enforces a fixed number of requests per window for a given scope.
type Limiter struct {
	rdb    *redis.Client
	scope  string
	limit  int
	window time.Duration
}

// New creates a Limiter for the given scope (e.g. "ip", "key", "email"),
// allowing up to limit requests per window for each distinct key+endpoint.
func New(rdb *redis.Client, scope string, limit int, window time.Duration) *Limiter {
	return &Limiter{rdb: rdb, scope: scope, limit: limit, window: window}
}

func (l *Limiter) counterKey(key, endpoint string) string {
	return fmt.Sprintf("rl:%s:%s:%s", l.scope, key, endpoint)
}

// Allow increments the counter for (key, endpoint) and reports whether the
// request is still within the configured limit for this window.
func (l *Limiter) Allow(ctx context.Context, key, endpoint string) (bool, error) {
	count, err := incrScript.Run(ctx, l.rdb,
		[]string{l.counterKey(key, endpoint)},
		int(l.window.Seconds()),
	).Int()
	if err != nil {
		return false, fmt.Errorf("increment rate limit counter: %w", err)
	}
	return count <= l.limit, nil
}

// RetryAfter returns the remaining TTL of the (key, endpoint) counter,
// clamped to a minimum of one second, for use as a Retry-After header value
// once Allow has reported the request exceeds the limit.
func (l *Limiter) RetryAfter(ctx context.Context, key, endpoint string) (time.Duration, error) {
	ttl, err := l.rdb.TTL(ctx, l.counterKey(key, endpoint)).Result()
	if err != nil {
		return time.Second, fmt.Errorf("get rate limit ttl: %w", err)
	}
	if ttl <= 0 {
		return time.Second, nil
	}
	return ttl, nil
}
