// Package memory provides an in-memory store implementation for testing.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/aloks98/agentauth/store"
)

// Store is an in-memory implementation of the store.Store interface.
// It is intended for testing and development purposes. Values are copied
// on the way in and out so callers cannot mutate stored records.
type Store struct {
	mu     sync.RWMutex
	tables map[string]map[string][]byte
	closed bool
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		tables: make(map[string]map[string][]byte),
	}
}

// Close marks the store as closed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Ping checks if the store is available.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.ErrClosed
	}
	return ctx.Err()
}

// Get retrieves a record.
func (s *Store) Get(ctx context.Context, table, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, store.MapContextError(err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.ErrClosed
	}
	v, ok := s.tables[table][key]
	if !ok {
		return nil, nil
	}
	return clone(v), nil
}

// Put creates or replaces a record.
func (s *Store) Put(ctx context.Context, table, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return store.MapContextError(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	s.table(table)[key] = clone(value)
	return nil
}

// Delete removes a record.
func (s *Store) Delete(ctx context.Context, table, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, store.MapContextError(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, store.ErrClosed
	}
	t := s.tables[table]
	if _, ok := t[key]; !ok {
		return false, nil
	}
	delete(t, key)
	return true, nil
}

// Update performs an atomic read-modify-write while holding the write lock.
func (s *Store) Update(ctx context.Context, table, key string, fn store.UpdateFunc) error {
	if err := ctx.Err(); err != nil {
		return store.MapContextError(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}

	t := s.table(table)
	var current []byte
	if v, ok := t[key]; ok {
		current = clone(v)
	}

	next, err := fn(current)
	if errors.Is(err, store.ErrSkipWrite) {
		return nil
	}
	if err != nil {
		return err
	}
	if next == nil {
		delete(t, key)
		return nil
	}
	t[key] = clone(next)
	return nil
}

// List returns a copy of every record in a table.
func (s *Store) List(ctx context.Context, table string) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, store.MapContextError(err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.ErrClosed
	}
	out := make(map[string][]byte, len(s.tables[table]))
	for k, v := range s.tables[table] {
		out[k] = clone(v)
	}
	return out, nil
}

// table returns the named table, creating it. Caller must hold the write lock.
func (s *Store) table(name string) map[string][]byte {
	t, ok := s.tables[name]
	if !ok {
		t = make(map[string][]byte)
		s.tables[name] = t
	}
	return t
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Verify Store implements store.Store interface
var _ store.Store = (*Store)(nil)
