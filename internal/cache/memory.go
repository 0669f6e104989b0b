package cache

import (
	"context"
	"sync"
	"time"
)

// memItem stores a cached value together with its expiry time.
type memItem struct {
	data      []byte
	expiresAt time.Time
}

// MemoryStore is a simple in-process exact-match Store with per-entry TTL.
//
// It is safe for concurrent use. A background goroutine periodically removes
// expired entries to prevent unbounded memory growth. Use this backend when
// Redis is not available — local development, single-instance deployments,
// or tests. Multi-replica deployments should use RedisStore so all replicas
// share the same cache.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]memItem

	done chan struct{}
}

// NewMemoryStore creates a MemoryStore and starts the background cleanup loop.
// The cleanup goroutine stops when ctx is cancelled or Close is called.
func NewMemoryStore(ctx context.Context) *MemoryStore {
	s := &MemoryStore{
		items: make(map[string]memItem),
		done:  make(chan struct{}),
	}
	go s.cleanup(ctx)
	return s
}

// Get returns the cached value for key. Returns (nil, false) on a miss or if
// the entry has expired. Expired entries are removed lazily on access.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool) {
	s.mu.RLock()
	item, ok := s.items[key]
	s.mu.RUnlock()

	if !ok {
		return nil, false
	}

	if time.Now().After(item.expiresAt) {
		// Lazy expiry — remove the stale entry without blocking reads.
		s.mu.Lock()
		delete(s.items, key)
		s.mu.Unlock()
		return nil, false
	}

	return item.data, true
}

// Set stores value under key for the duration of ttl.
// A zero or negative ttl is treated as a 1-hour TTL.
func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Hour
	}

	s.mu.Lock()
	s.items[key] = memItem{
		data:      value,
		expiresAt: time.Now().Add(ttl),
	}
	s.mu.Unlock()

	return nil
}

// Delete removes key from the store. Returns nil if the key did not exist.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}

// Len returns the number of entries currently held (including entries that
// may have expired but not yet been evicted).
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Close stops the background cleanup goroutine.
func (s *MemoryStore) Close() {
	close(s.done)
}

// cleanup runs every 5 minutes and evicts all expired entries.
func (s *MemoryStore) cleanup(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.evictExpired()
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}

func (s *MemoryStore) evictExpired() {
	now := time.Now()

	s.mu.Lock()
	for k, v := range s.items {
		if now.After(v.expiresAt) {
			delete(s.items, k)
		}
	}
	s.mu.Unlock()
}
