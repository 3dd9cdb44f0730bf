package store

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
)

// InMemoryStore is a Store[T] kept in a map. Values are stored as JSON so
// callers never share memory with the store, matching BoltStore.
type InMemoryStore[T any] struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore[T any]() *InMemoryStore[T] {
	return &InMemoryStore[T]{
		data: make(map[string][]byte),
	}
}

// Get retrieves a value by key.
func (s *InMemoryStore[T]) Get(ctx context.Context, key string) (*T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.data[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	var value T
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, err
	}
	return &value, nil
}

// Set stores a value by key.
func (s *InMemoryStore[T]) Set(ctx context.Context, key string, value *T) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = data
	return nil
}

// Update performs a read-modify-write of key under the store lock.
func (s *InMemoryStore[T]) Update(ctx context.Context, key string, fn func(current *T) (*T, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current *T
	if data, ok := s.data[key]; ok {
		current = new(T)
		if err := json.Unmarshal(data, current); err != nil {
			return err
		}
	}

	next, err := fn(current)
	if err != nil {
		return err
	}
	if next == nil {
		delete(s.data, key)
		return nil
	}
	data, err := json.Marshal(next)
	if err != nil {
		return err
	}
	s.data[key] = data
	return nil
}

// Delete removes a value by key.
func (s *InMemoryStore[T]) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// Scan iterates over all keys with the given prefix in key order.
func (s *InMemoryStore[T]) Scan(ctx context.Context, prefix string, fn func(key string, value *T) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, k := range slices.Sorted(maps.Keys(s.data)) {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		var value T
		if err := json.Unmarshal(s.data[k], &value); err != nil {
			return err
		}
		if err := fn(k, &value); err != nil {
			return err
		}
	}
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore[T]) Close() error {
	return nil
}

var _ Store[struct{}] = (*InMemoryStore[struct{}])(nil)
