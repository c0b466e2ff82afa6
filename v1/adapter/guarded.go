package adapter

import (
	"context"
	"errors"
	"log/slog"
	"time"

	wardenerrors "github.com/mirkobrombin/go-warden/v1/errors"
	"github.com/mirkobrombin/go-warden/v1/lock"
)

const (
	defaultLockPrefix = "store:"
	defaultLockTTL    = 30 * time.Second
	maxLostLocks      = 8
)

// Guarded wraps a Store so that writes and read-modify-write cycles on a key
// hold that key's lock. Lock keys are registered on first use with the store
// key as payload. Contention is reported as ErrAlreadyHeld unless WithRetry
// allows further attempts.
type Guarded[T any] struct {
	store    Store[T]
	locks    *lock.Manager[string]
	prefix   string
	ttl      time.Duration
	attempts int
	backoff  time.Duration
	logger   *slog.Logger
}

// GuardOption configures a Guarded store.
type GuardOption func(*guardOptions)

type guardOptions struct {
	prefix   string
	ttl      time.Duration
	attempts int
	backoff  time.Duration
	logger   *slog.Logger
}

// WithLockPrefix sets the namespace of the lock keys. Defaults to "store:".
func WithLockPrefix(p string) GuardOption {
	return func(o *guardOptions) {
		o.prefix = p
	}
}

// WithLockTTL bounds how long a single guarded operation may hold its lock.
// Zero disables auto-release.
func WithLockTTL(d time.Duration) GuardOption {
	return func(o *guardOptions) {
		o.ttl = d
	}
}

// WithRetry retries contended acquisitions up to attempts times in total,
// waiting backoff times the attempt number in between.
func WithRetry(attempts int, backoff time.Duration) GuardOption {
	return func(o *guardOptions) {
		o.attempts = attempts
		o.backoff = backoff
	}
}

// WithGuardLogger sets the logger. Defaults to slog.Default.
func WithGuardLogger(l *slog.Logger) GuardOption {
	return func(o *guardOptions) {
		o.logger = l
	}
}

// NewGuarded returns a Guarded view of store using locks.
func NewGuarded[T any](store Store[T], locks *lock.Manager[string], opts ...GuardOption) *Guarded[T] {
	o := guardOptions{prefix: defaultLockPrefix, ttl: defaultLockTTL, attempts: 1}
	for _, opt := range opts {
		opt(&o)
	}
	if o.attempts < 1 {
		o.attempts = 1
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return &Guarded[T]{
		store:    store,
		locks:    locks,
		prefix:   o.prefix,
		ttl:      o.ttl,
		attempts: o.attempts,
		backoff:  o.backoff,
		logger:   o.logger,
	}
}

// LockKey returns the lock key guarding key.
func (g *Guarded[T]) LockKey(key string) string { return g.prefix + key }

// Get reads key without taking its lock.
func (g *Guarded[T]) Get(ctx context.Context, key string) (T, bool, error) {
	return g.store.Get(ctx, key)
}

// Keys lists the underlying store keys.
func (g *Guarded[T]) Keys(ctx context.Context) ([]string, error) {
	return g.store.Keys(ctx)
}

// Set writes key while holding its lock.
func (g *Guarded[T]) Set(ctx context.Context, key string, value T) error {
	return g.do(ctx, key, func(ctx context.Context) error {
		return g.store.Set(ctx, key, value)
	})
}

// Delete removes key while holding its lock, then drops the lock itself
// unless another caller already holds it again.
func (g *Guarded[T]) Delete(ctx context.Context, key string) error {
	err := g.do(ctx, key, func(ctx context.Context) error {
		return g.store.Delete(ctx, key)
	})
	if err != nil {
		return err
	}
	g.locks.RemoveIfFree(g.LockKey(key))
	return nil
}

// Update reads key, passes the current value to fn and stores the result,
// all while holding the key's lock. An error from fn aborts the write.
func (g *Guarded[T]) Update(ctx context.Context, key string, fn func(cur T, found bool) (T, error)) error {
	return g.do(ctx, key, func(ctx context.Context) error {
		cur, found, err := g.store.Get(ctx, key)
		if err != nil {
			return err
		}
		next, err := fn(cur, found)
		if err != nil {
			return err
		}
		return g.store.Set(ctx, key, next)
	})
}

// Forget removes the lock registered for key.
func (g *Guarded[T]) Forget(key string) {
	g.locks.Remove(g.LockKey(key))
}

func (g *Guarded[T]) do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	lk := g.LockKey(key)
	if err := g.locks.Register(lk, key); err != nil && !errors.Is(err, wardenerrors.ErrDuplicateKey) {
		return err
	}
	lost := 0
	for attempt := 1; ; attempt++ {
		err := lock.With(ctx, g.locks, lk, g.ttl, func(ctx context.Context, _ string) error {
			return fn(ctx)
		})
		// A concurrent Delete dropped the lock between Register and Acquire.
		if errors.Is(err, wardenerrors.ErrUnknownKey) && lost < maxLostLocks {
			lost++
			attempt--
			if err := g.locks.Register(lk, key); err != nil && !errors.Is(err, wardenerrors.ErrDuplicateKey) {
				return err
			}
			continue
		}
		if !errors.Is(err, wardenerrors.ErrAlreadyHeld) || attempt >= g.attempts {
			return err
		}
		g.logger.Debug("guarded store contention, retrying", "key", key, "attempt", attempt)
		t := time.NewTimer(g.backoff * time.Duration(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
