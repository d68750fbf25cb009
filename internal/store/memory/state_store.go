// Package memory provides in-memory implementations of store interfaces.
// These are useful for testing and development without external dependencies.
package memory

import (
	"context"
	"sync"
	"time"
)

// DedupStore is an in-memory implementation of store.DedupStore.
// TTL expiration is checked on access (lazy expiration).
type DedupStore struct {
	mu   sync.RWMutex
	keys map[string]time.Time
	now  func() time.Time
}

// NewDedupStore creates a new in-memory dedup store.
func NewDedupStore() *DedupStore {
	return &DedupStore{
		keys: make(map[string]time.Time),
		now:  time.Now,
	}
}

// IsProcessed reports whether key was marked and has not expired.
func (s *DedupStore) IsProcessed(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	expiresAt, ok := s.keys[key]
	if !ok {
		return false, nil
	}
	return s.now().Before(expiresAt), nil
}

// MarkProcessed records key for ttl.
func (s *DedupStore) MarkProcessed(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.keys[key] = s.now().Add(ttl)
	return nil
}

// Cleanup drops expired keys and returns how many were removed.
func (s *DedupStore) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for k, exp := range s.keys {
		if !now.Before(exp) {
			delete(s.keys, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys, expired or not.
func (s *DedupStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// Close is a no-op for the in-memory store.
func (s *DedupStore) Close() error {
	return nil
}
