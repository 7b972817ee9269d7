package cache

import (
	"context"
	"time"
)

// DefaultTTL is the window within which a fingerprint is considered already
// processed.
const DefaultTTL = 24 * time.Hour

// IdempotencyStats holds statistics about an idempotency store.
type IdempotencyStats struct {
	// Hits is the number of Exists/SetIfAbsent calls that found a live key.
	Hits int64 `json:"hits"`
	// Misses is the number of lookups that found no live key.
	Misses int64 `json:"misses"`
	// Sets is the total number of keys claimed.
	Sets int64 `json:"sets"`
	// Evictions is the number of expired entries removed (memory backend only).
	Evictions int64 `json:"evictions"`
}

// IdempotencyStore deduplicates processing by content fingerprint with TTL
// expiry. Absence of a key means "not yet processed or expired".
//
// SetIfAbsent is the primitive concurrent workers use: it atomically claims a
// key and reports whether the caller won the claim. A plain Exists-then-Set
// sequence is only acceptable on the in-process memory backend.
type IdempotencyStore interface {
	// Exists reports whether the key is present and not expired. Expired
	// records are evicted lazily on read.
	Exists(ctx context.Context, key string) (bool, error)
	// Set marks the key processed for the given TTL.
	Set(ctx context.Context, key string, ttl time.Duration) error
	// SetIfAbsent atomically claims the key. It returns true when the key was
	// absent (or expired) and is now claimed by this caller.
	SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Delete removes the key, allowing immediate reprocessing.
	Delete(ctx context.Context, key string) error
	// GetStats returns the current store statistics.
	GetStats() IdempotencyStats
	// Close releases any resources held by the store.
	Close() error
}
