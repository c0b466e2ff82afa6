package lock

import "time"

// Handle is bound to one successful Acquire. Only the acquisition that
// produced it can be released through it.
type Handle[T any] struct {
	m        *Manager[T]
	key      string
	gen      uint64
	token    string
	payload  T
	deadline time.Time
}

// Key returns the locked key.
func (h *Handle[T]) Key() string { return h.key }

// Token returns the unique identifier of this acquisition.
func (h *Handle[T]) Token() string { return h.token }

// Payload returns the value registered with the key.
func (h *Handle[T]) Payload() T { return h.payload }

// Deadline returns the auto-release time, if the lock was acquired with a TTL.
func (h *Handle[T]) Deadline() (time.Time, bool) {
	return h.deadline, !h.deadline.IsZero()
}

// Release frees the lock and cancels its pending auto-release. It is
// idempotent, and it does nothing once the TTL has already reclaimed the
// lock or the key has been removed.
func (h *Handle[T]) Release() {
	if h == nil || h.m == nil {
		return
	}
	h.m.release(h)
}

// Valid reports whether this handle still holds the lock.
func (h *Handle[T]) Valid() bool {
	if h == nil || h.m == nil {
		return false
	}
	m := h.m
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[h.key]
	if !ok || !e.held || e.gen != h.gen {
		return false
	}
	return e.item == nil || m.clock.Now().Before(e.deadline)
}
