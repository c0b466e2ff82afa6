// Package adapter defines the storage collaborators that handlers protect
// with the lock manager, and Guarded, which wraps a Store so that every
// read-modify-write runs under a scoped lock acquisition.
package adapter

import (
	"context"
	"sort"
	"sync"
)

// Store abstracts an external key/value resource such as a pooled Redis
// connection or an object store.
//
// T represents the type of values stored in the adapter.
type Store[T any] interface {
	// Get retrieves the value for a key. The boolean return indicates
	// whether the key was found.
	Get(ctx context.Context, key string) (T, bool, error)
	// Set stores the value for a key.
	Set(ctx context.Context, key string, value T) error
	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Keys returns the keys available in the store.
	Keys(ctx context.Context) ([]string, error)
}

// InMemoryStore is a simple Store implementation backed by a map.
type InMemoryStore[T any] struct {
	mu    sync.RWMutex
	items map[string]T
}

// NewInMemoryStore returns a new InMemoryStore.
func NewInMemoryStore[T any]() *InMemoryStore[T] {
	return &InMemoryStore[T]{items: make(map[string]T)}
}

// Get implements Store.Get.
func (s *InMemoryStore[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, false, err
	}
	s.mu.RLock()
	v, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return zero, false, nil
	}
	return v, true, nil
}

// Set implements Store.Set.
func (s *InMemoryStore[T]) Set(ctx context.Context, key string, value T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.items[key] = value
	s.mu.Unlock()
	return nil
}

// Delete implements Store.Delete.
func (s *InMemoryStore[T]) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}

// Keys implements Store.Keys. Keys are returned sorted.
func (s *InMemoryStore[T]) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}
