package cachestore

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// InMemoryStore is a thread-safe, map-backed Store for tests and local
// development. Entry sizes are the serialized length of each entry.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	sizes   map[string]int64
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		entries: make(map[string]*Entry),
		sizes:   make(map[string]int64),
	}
}

// Get retrieves an entry by fingerprint.
func (s *InMemoryStore) Get(_ context.Context, fp string) (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[fp]
	return entry, ok
}

// Put stores the entry, replacing any prior entry for the fingerprint.
func (s *InMemoryStore) Put(_ context.Context, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("%w: nil entry", ErrCacheWrite)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.Fingerprint] = entry
	s.sizes[entry.Fingerprint] = entry.encodedSize()
	return nil
}

// Stats aggregates over the current entry set.
func (s *InMemoryStore) Stats(_ context.Context) Statistics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stats Statistics
	for fp, entry := range s.entries {
		stats.observe(entry.CreatedAt, s.sizes[fp])
	}
	return stats
}

// ClearAll removes every entry.
func (s *InMemoryStore) ClearAll(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := len(s.entries)
	s.entries = make(map[string]*Entry)
	s.sizes = make(map[string]int64)
	return deleted, nil
}

// ClearOlderThan removes entries created more than maxAge before now.
func (s *InMemoryStore) ClearOlderThan(_ context.Context, maxAge time.Duration) (int, error) {
	if maxAge < 0 {
		return 0, fmt.Errorf("%w: maxAge must be non-negative, got %s", ErrInvalidArgument, maxAge)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().UnixMilli() - maxAge.Milliseconds()
	deleted := 0
	for fp, entry := range s.entries {
		if entry.CreatedAt < cutoff {
			delete(s.entries, fp)
			delete(s.sizes, fp)
			deleted++
		}
	}
	return deleted, nil
}

// Close is a no-op.
func (s *InMemoryStore) Close() error {
	return nil
}
