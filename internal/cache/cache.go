// Package cache is a process-wide TTL key/value store. Every provider
// adapter routes external calls through it to bound call volume against
// provider rate limits. Expiry is the only eviction policy.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/daehan-lim/stock-insight/internal/observ"
)

type entry struct {
	value     any
	expiresAt time.Time
}

// Store is safe for concurrent use. A cache-miss race may run the same
// producer twice; the second write wins and both callers get valid data.
type Store struct {
	mu    sync.RWMutex
	items map[string]entry
}

func New() *Store {
	return &Store{items: make(map[string]entry)}
}

// Get returns the value for key if present and unexpired.
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()
	if !ok || time.Now().After(e.expiresAt) {
		observ.IncCounter("cache_miss_total", nil)
		return nil, false
	}
	observ.IncCounter("cache_hit_total", nil)
	return e.value, true
}

func (s *Store) Set(key string, value any, ttl time.Duration) {
	s.mu.Lock()
	s.items[key] = entry{value: value, expiresAt: time.Now().Add(ttl)}
	s.mu.Unlock()
}

func (s *Store) Invalidate(key string) {
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
}

// Len reports live entries, counting expired-but-unswept ones.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// With returns the cached value for key when fresh, otherwise runs producer,
// stores its result for ttl, and returns it. Producer errors are not cached.
func With[T any](s *Store, key string, ttl time.Duration, producer func() (T, error)) (T, error) {
	if v, ok := s.Get(key); ok {
		if t, ok := v.(T); ok {
			return t, nil
		}
	}
	t, err := producer()
	if err != nil {
		return t, err
	}
	s.Set(key, t, ttl)
	return t, nil
}

// CleanupLoop sweeps expired entries every interval until ctx is done.
func (s *Store) CleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *Store) cleanup() {
	now := time.Now()
	evicted := 0

	s.mu.Lock()
	for k, e := range s.items {
		if now.After(e.expiresAt) {
			delete(s.items, k)
			evicted++
		}
	}
	s.mu.Unlock()

	if evicted > 0 {
		observ.Log("cache_cleanup", map[string]any{"evicted": evicted})
	}
}
