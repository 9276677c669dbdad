// Package memory provides an in-process cache store.
package memory

import (
	"context"
	"sync"

	"github.com/dukex/lazypipe/pkg/cache"
)

const storeName = "memory"

// Store keeps entries in a map. Entries are copied on the way in and out so
// callers cannot mutate stored bytes.
type Store struct {
	mu      sync.RWMutex
	entries map[cache.Key]*cache.Entry
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{entries: make(map[cache.Key]*cache.Entry)}
}

func (s *Store) Exists(_ context.Context, key cache.Key) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.entries[key]

	return ok, nil
}

func (s *Store) Get(_ context.Context, key cache.Key) (*cache.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[key]
	if !ok {
		return nil, cache.NewStoreError(storeName, "Get", key, cache.ErrEntryNotFound)
	}

	return entry.Clone(), nil
}

func (s *Store) Put(_ context.Context, entry *cache.Entry) error {
	err := entry.Validate()
	if err != nil {
		return cache.NewStoreError(storeName, "Put", "", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[entry.Key] = entry.Clone()

	return nil
}

// Len returns the number of stored entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.entries)
}

func (s *Store) Close(context.Context) error       { return nil }
func (s *Store) HealthCheck(context.Context) error { return nil }
