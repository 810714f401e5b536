// Package memstore keeps cache generations in process memory.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/NoahCxrest/offline-cache-gateway/internal/cache"
)

// Store implements cache.Store with a map per generation.
type Store struct {
	mu          sync.RWMutex
	generations map[string]map[string]cache.Entry
}

// New constructs an empty in-memory store.
func New() *Store {
	return &Store{generations: make(map[string]map[string]cache.Entry)}
}

// Open creates the generation if needed.
func (s *Store) Open(ctx context.Context, generation string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.generations[generation]; !ok {
		s.generations[generation] = make(map[string]cache.Entry)
	}
	return nil
}

// Get returns a copy of the stored entry.
func (s *Store) Get(ctx context.Context, generation, key string) (cache.Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return cache.Entry{}, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, ok := s.generations[generation]
	if !ok {
		return cache.Entry{}, false, cache.ErrNoGeneration
	}
	entry, ok := entries[key]
	if !ok {
		return cache.Entry{}, false, nil
	}
	return entry.Clone(), true, nil
}

// Put replaces every record under a single lock so readers never observe a partial batch.
func (s *Store) Put(ctx context.Context, generation string, records ...cache.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries, ok := s.generations[generation]
	if !ok {
		return cache.ErrNoGeneration
	}
	for _, rec := range records {
		entries[rec.Key] = rec.Entry.Clone()
	}
	return nil
}

// Keys lists the keys of a generation in lexical order.
func (s *Store) Keys(ctx context.Context, generation string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, ok := s.generations[generation]
	if !ok {
		return nil, cache.ErrNoGeneration
	}
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Generations lists generation names in lexical order.
func (s *Store) Generations(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.generations))
	for name := range s.generations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Delete drops a generation.
func (s *Store) Delete(ctx context.Context, generation string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.generations[generation]; !ok {
		return false, nil
	}
	delete(s.generations, generation)
	return true, nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}
