// Package counter abstracts the shared named-integer store backing the rate
// limiter. Keys support atomic increment-by-N, read, time-to-live query, and
// arming an expiry only when none is set, which is enough for multiple
// processes to converge on one true per-window request count.
package counter

import (
	"context"
	"time"
)

// Store is the shared counter backing. TTL returns a negative duration when
// the key is missing or has no expiry armed; callers treat both as "arm the
// window now" (mirrors the Redis TTL convention).
type Store interface {
	// IncrBy atomically adds delta to the key and returns the new value.
	// Incrementing a missing key creates it at delta.
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
	// Get returns the current value, or 0 for a missing key.
	Get(ctx context.Context, key string) (int64, error)
	// TTL returns the remaining lifetime of the key.
	TTL(ctx context.Context, key string) (time.Duration, error)
	// ExpireNX arms an expiry only if the key has none. It reports whether
	// the expiry was set by this call.
	ExpireNX(ctx context.Context, key string, ttl time.Duration) (bool, error)
}
