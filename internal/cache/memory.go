package cache

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// memoryEntry tracks one claimed fingerprint.
type memoryEntry struct {
	expiresAt time.Time
}

// MemoryIdempotencyStore is the single-process backend: a TTL map with lazy
// eviction on read and a periodic background sweep. It is safe for concurrent
// use within one process but offers no cross-process guarantees; multi-instance
// deployments use the Redis backend.
type MemoryIdempotencyStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	stats   IdempotencyStats
	statsMu sync.Mutex

	logger   *logrus.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewMemoryIdempotencyStore creates a memory store sweeping expired entries
// every sweepInterval. A non-positive interval disables the background sweep.
func NewMemoryIdempotencyStore(sweepInterval time.Duration, logger *logrus.Logger) *MemoryIdempotencyStore {
	if logger == nil {
		logger = logrus.New()
	}
	s := &MemoryIdempotencyStore{
		entries: make(map[string]memoryEntry),
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
	if sweepInterval > 0 {
		go s.sweepLoop(sweepInterval)
	}
	return s
}

func (s *MemoryIdempotencyStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok {
		s.bumpMiss()
		return false, nil
	}
	if time.Now().After(e.expiresAt) {
		// Lazy eviction: an expired record reads as "not processed".
		s.mu.Lock()
		if cur, still := s.entries[key]; still && cur.expiresAt.Equal(e.expiresAt) {
			delete(s.entries, key)
			s.bumpEviction()
		}
		s.mu.Unlock()
		s.bumpMiss()
		return false, nil
	}
	s.bumpHit()
	return true, nil
}

func (s *MemoryIdempotencyStore) Set(_ context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s.mu.Lock()
	s.entries[key] = memoryEntry{expiresAt: time.Now().Add(ttl)}
	s.mu.Unlock()
	s.bumpSet()
	return nil
}

func (s *MemoryIdempotencyStore) SetIfAbsent(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok && now.Before(e.expiresAt) {
		s.bumpHit()
		return false, nil
	}
	s.entries[key] = memoryEntry{expiresAt: now.Add(ttl)}
	s.bumpSet()
	return true, nil
}

func (s *MemoryIdempotencyStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryIdempotencyStore) GetStats() IdempotencyStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

// Len reports the number of live and expired-but-unswept entries.
func (s *MemoryIdempotencyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *MemoryIdempotencyStore) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	return nil
}

func (s *MemoryIdempotencyStore) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			removed := s.sweep()
			if removed > 0 {
				s.logger.WithField("removed", removed).Debug("Swept expired idempotency records")
			}
		}
	}
}

func (s *MemoryIdempotencyStore) sweep() int {
	now := time.Now()
	removed := 0
	s.mu.Lock()
	for key, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, key)
			removed++
		}
	}
	s.mu.Unlock()
	if removed > 0 {
		s.statsMu.Lock()
		s.stats.Evictions += int64(removed)
		s.statsMu.Unlock()
	}
	return removed
}

func (s *MemoryIdempotencyStore) bumpHit() {
	s.statsMu.Lock()
	s.stats.Hits++
	s.statsMu.Unlock()
}

func (s *MemoryIdempotencyStore) bumpMiss() {
	s.statsMu.Lock()
	s.stats.Misses++
	s.statsMu.Unlock()
}

func (s *MemoryIdempotencyStore) bumpSet() {
	s.statsMu.Lock()
	s.stats.Sets++
	s.statsMu.Unlock()
}

func (s *MemoryIdempotencyStore) bumpEviction() {
	s.statsMu.Lock()
	s.stats.Evictions++
	s.statsMu.Unlock()
}
