package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisIdempotencyStore is the durable backend for multi-instance deployment.
// SetIfAbsent maps to SET NX EX, so two concurrent workers racing on the same
// fingerprint resolve to exactly one winner at the Redis layer. TTL expiry is
// native, so Exists never reads an expired record.
type RedisIdempotencyStore struct {
	client  *redis.Client
	prefix  string
	stats   IdempotencyStats
	statsMu sync.Mutex
}

// NewRedisIdempotencyStore wraps an existing Redis client. All keys are
// namespaced under prefix (default "signalfuse:idem:").
func NewRedisIdempotencyStore(client *redis.Client, prefix string) *RedisIdempotencyStore {
	if prefix == "" {
		prefix = "signalfuse:idem:"
	}
	return &RedisIdempotencyStore{client: client, prefix: prefix}
}

func (s *RedisIdempotencyStore) key(key string) string {
	return s.prefix + key
}

func (s *RedisIdempotencyStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency exists check failed: %w", err)
	}
	if n > 0 {
		s.bump(func(st *IdempotencyStats) { st.Hits++ })
		return true, nil
	}
	s.bump(func(st *IdempotencyStats) { st.Misses++ })
	return false, nil
}

func (s *RedisIdempotencyStore) Set(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if err := s.client.Set(ctx, s.key(key), "1", ttl).Err(); err != nil {
		return fmt.Errorf("idempotency set failed: %w", err)
	}
	s.bump(func(st *IdempotencyStats) { st.Sets++ })
	return nil
}

func (s *RedisIdempotencyStore) SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	claimed, err := s.client.SetNX(ctx, s.key(key), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency claim failed: %w", err)
	}
	if claimed {
		s.bump(func(st *IdempotencyStats) { st.Sets++ })
	} else {
		s.bump(func(st *IdempotencyStats) { st.Hits++ })
	}
	return claimed, nil
}

func (s *RedisIdempotencyStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("idempotency delete failed: %w", err)
	}
	return nil
}

func (s *RedisIdempotencyStore) GetStats() IdempotencyStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

// Close is a no-op; the underlying client is owned by the caller.
func (s *RedisIdempotencyStore) Close() error { return nil }

func (s *RedisIdempotencyStore) bump(fn func(*IdempotencyStats)) {
	s.statsMu.Lock()
	fn(&s.stats)
	s.statsMu.Unlock()
}
