// Package memory provides an in-process prerender.Store, used for tests and
// single-instance deployments that do not need the cache to survive restarts.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/prerender-gateway/internal/prerender"
)

// Store keeps cache entries in a map.
type Store struct {
	mu      sync.RWMutex
	entries map[string]prerender.CacheEntry
}

// New creates an empty Store.
func New() *Store {
	return &Store{entries: make(map[string]prerender.CacheEntry)}
}

// Get returns a copy of the entry for key.
func (s *Store) Get(_ context.Context, key string) (prerender.CacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[key]
	if !ok {
		return prerender.CacheEntry{}, prerender.ErrCacheMiss
	}
	entry.Payload = append([]byte(nil), entry.Payload...)
	return entry, nil
}

// Put stores a copy of entry, replacing any previous one.
func (s *Store) Put(_ context.Context, entry prerender.CacheEntry) error {
	entry.Payload = append([]byte(nil), entry.Payload...)
	s.mu.Lock()
	s.entries[entry.Key] = entry
	s.mu.Unlock()
	return nil
}

// Len reports how many entries are stored.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
