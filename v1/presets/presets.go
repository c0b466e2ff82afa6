// Package presets wires ready-to-use guarded stores for the common setups.
package presets

import (
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-warden/v1/adapter"
	"github.com/mirkobrombin/go-warden/v1/lock"
)

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every stored key. Defaults to "warden:".
	Prefix string
}

// Store is a guarded store together with the lock manager serializing its
// writes. Close releases both.
type Store[T any] struct {
	*adapter.Guarded[T]
	Locks *lock.Manager[string]

	closeFn func() error
}

// Close stops the lock manager and closes any backend connection.
func (s *Store[T]) Close() error {
	s.Locks.Close()
	if s.closeFn != nil {
		return s.closeFn()
	}
	return nil
}

// NewInMemoryStandalone returns a guarded in-memory store with no external
// dependencies. Contended writes are retried briefly.
func NewInMemoryStandalone[T any]() *Store[T] {
	locks := lock.New[string]()
	g := adapter.NewGuarded[T](adapter.NewInMemoryStore[T](), locks,
		adapter.WithRetry(3, 10*time.Millisecond))
	return &Store[T]{Guarded: g, Locks: locks}
}

// NewRedisGuarded returns a guarded store backed by Redis. Values are JSON
// encoded and the backend sits behind a circuit breaker that fails fast after
// five consecutive errors.
func NewRedisGuarded[T any](opts RedisOptions) *Store[T] {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "warden:"
	}
	backend := adapter.NewBreaker[T](adapter.NewRedisStore[T](client, adapter.WithPrefix(prefix)), 5, 5*time.Second)
	locks := lock.New[string]()
	g := adapter.NewGuarded[T](backend, locks, adapter.WithRetry(3, 50*time.Millisecond))
	return &Store[T]{Guarded: g, Locks: locks, closeFn: client.Close}
}
