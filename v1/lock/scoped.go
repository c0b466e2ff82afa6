package lock

import (
	"context"
	"time"
)

// With acquires key, runs fn with the registered payload and releases the
// lock on every exit path, panics included. Contention is returned as is;
// With never waits for the lock.
func With[T any](ctx context.Context, m *Manager[T], key string, ttl time.Duration, fn func(ctx context.Context, payload T) error) error {
	h, err := m.Acquire(ctx, key, ttl)
	if err != nil {
		return err
	}
	defer h.Release()
	return fn(ctx, h.Payload())
}
