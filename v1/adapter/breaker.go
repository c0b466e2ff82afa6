package adapter

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mirkobrombin/go-warden/v1/clock"
	wardenerrors "github.com/mirkobrombin/go-warden/v1/errors"
)

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Breaker decorates a Store with circuit breaker logic. After threshold
// consecutive failures every call fails fast with ErrCircuitOpen until
// cooldown has elapsed; then a single trial call decides whether the circuit
// closes again.
type Breaker[T any] struct {
	store     Store[T]
	clock     clock.Clock
	logger    *slog.Logger
	threshold int
	cooldown  time.Duration

	mu       sync.Mutex
	state    breakerState
	failures int
	lastFail time.Time
}

// BreakerOption configures a Breaker.
type BreakerOption func(*breakerOptions)

type breakerOptions struct {
	clock  clock.Clock
	logger *slog.Logger
}

// WithBreakerClock sets the time source used for the cooldown.
func WithBreakerClock(c clock.Clock) BreakerOption {
	return func(o *breakerOptions) {
		o.clock = c
	}
}

// WithBreakerLogger sets the logger. Defaults to slog.Default.
func WithBreakerLogger(l *slog.Logger) BreakerOption {
	return func(o *breakerOptions) {
		o.logger = l
	}
}

// NewBreaker returns a Breaker around store. A threshold below 1 is treated
// as 1.
func NewBreaker[T any](store Store[T], threshold int, cooldown time.Duration, opts ...BreakerOption) *Breaker[T] {
	o := breakerOptions{clock: clock.Real{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if threshold < 1 {
		threshold = 1
	}
	return &Breaker[T]{
		store:     store,
		clock:     o.clock,
		logger:    o.logger,
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// Healthy reports whether calls would currently reach the backend.
func (b *Breaker[T]) Healthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == stateOpen {
		return b.clock.Now().Sub(b.lastFail) >= b.cooldown
	}
	return b.state == stateClosed
}

func (b *Breaker[T]) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateClosed:
		return true
	case stateOpen:
		if b.clock.Now().Sub(b.lastFail) >= b.cooldown {
			b.setState(stateHalfOpen)
			return true
		}
	}
	// half-open: one trial call is already in flight
	return false
}

func (b *Breaker[T]) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if errors.Is(err, context.Canceled) {
		// The caller gave up, so the backend told us nothing. A cancelled
		// trial call hands the circuit back to open for the next caller to retry.
		if b.state == stateHalfOpen {
			b.setState(stateOpen)
		}
		return
	}
	if err == nil {
		if b.state == stateHalfOpen {
			b.setState(stateClosed)
		}
		b.failures = 0
		return
	}
	b.lastFail = b.clock.Now()
	b.failures++
	if b.state == stateHalfOpen || (b.state == stateClosed && b.failures >= b.threshold) {
		b.setState(stateOpen)
	}
}

func (b *Breaker[T]) setState(s breakerState) {
	if b.state != s {
		b.logger.Warn("store circuit breaker", "from", b.state.String(), "to", s.String(), "failures", b.failures)
	}
	b.state = s
}

// Get implements Store.Get.
func (b *Breaker[T]) Get(ctx context.Context, key string) (T, bool, error) {
	if !b.allow() {
		var zero T
		return zero, false, wardenerrors.ErrCircuitOpen
	}
	v, ok, err := b.store.Get(ctx, key)
	b.record(err)
	return v, ok, err
}

// Set implements Store.Set.
func (b *Breaker[T]) Set(ctx context.Context, key string, value T) error {
	if !b.allow() {
		return wardenerrors.ErrCircuitOpen
	}
	err := b.store.Set(ctx, key, value)
	b.record(err)
	return err
}

// Delete implements Store.Delete.
func (b *Breaker[T]) Delete(ctx context.Context, key string) error {
	if !b.allow() {
		return wardenerrors.ErrCircuitOpen
	}
	err := b.store.Delete(ctx, key)
	b.record(err)
	return err
}

// Keys implements Store.Keys.
func (b *Breaker[T]) Keys(ctx context.Context) ([]string, error) {
	if !b.allow() {
		return nil, wardenerrors.ErrCircuitOpen
	}
	keys, err := b.store.Keys(ctx)
	b.record(err)
	return keys, err
}
