package store

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore implements LedgerStore using an in-memory map. It is the
// default backend when the control plane runs embedded in a node that
// has not wired its own store, and the backend used by tests.
type MemoryStore struct {
	data map[string][]byte
	mu   sync.RWMutex
}

// NewMemoryStore creates an empty in-memory ledger store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string][]byte),
	}
}

// Get retrieves a value by key
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, exists := s.data[key]
	if !exists {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

// Set stores a value under key
func (s *MemoryStore) Set(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[key] = append([]byte(nil), value...)
	return nil
}

// Delete removes a key
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, key)
	return nil
}

// Has reports whether key exists
func (s *MemoryStore) Has(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, exists := s.data[key]
	return exists, nil
}

// List returns all pairs under prefix ordered by key
func (s *MemoryStore) List(ctx context.Context, prefix string) ([]KV, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pairs := make([]KV, 0)
	for key, value := range s.data {
		if strings.HasPrefix(key, prefix) {
			pairs = append(pairs, KV{Key: key, Value: append([]byte(nil), value...)})
		}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Key < pairs[j].Key })
	return pairs, nil
}

// Ping always succeeds for the in-memory store
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op
func (s *MemoryStore) Close() {}

// Len returns the number of stored keys
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
