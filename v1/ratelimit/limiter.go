package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mirkobrombin/go-warden/v1/clock"
	wardenerrors "github.com/mirkobrombin/go-warden/v1/errors"
	"github.com/mirkobrombin/go-warden/v1/metrics"
)

// Limiter applies one fixed-window policy to many clients.
type Limiter struct {
	mu     sync.Mutex
	window time.Duration
	max    int
	table  Table

	clock      clock.Clock
	logger     *slog.Logger
	maxClients int
	idleAfter  time.Duration
	sweepEvery time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock sets the time source. Defaults to clock.Real.
func WithClock(c clock.Clock) Option {
	return func(l *Limiter) {
		if c != nil {
			l.clock = c
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(lg *slog.Logger) Option {
	return func(l *Limiter) {
		if lg != nil {
			l.logger = lg
		}
	}
}

// WithTable replaces the default map based client table.
func WithTable(t Table) Option {
	return func(l *Limiter) {
		l.table = t
	}
}

// WithMaxClients bounds the client table to roughly n windows using a
// RistrettoTable. It is ignored when WithTable is also given.
func WithMaxClients(n int) Option {
	return func(l *Limiter) {
		l.maxClients = n
	}
}

// WithIdleEviction drops windows whose last admitted request is older than
// multiple times the policy window. A positive interval also starts a
// background sweep; otherwise Sweep must be called by the owner.
func WithIdleEviction(multiple int, interval time.Duration) Option {
	return func(l *Limiter) {
		if multiple > 0 {
			l.idleAfter = time.Duration(multiple) * l.window
		}
		l.sweepEvery = interval
	}
}

// NewLimiter returns a Limiter admitting maxCount+1 requests per window and
// client. A zero window or maxCount disables limiting. Negative values fail
// with ErrInvalidPolicy.
func NewLimiter(window time.Duration, maxCount int, opts ...Option) (*Limiter, error) {
	if window < 0 || maxCount < 0 {
		return nil, fmt.Errorf("window %v max %d: %w", window, maxCount, wardenerrors.ErrInvalidPolicy)
	}
	l := &Limiter{
		window: window,
		max:    maxCount,
		clock:  clock.Real{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.table == nil {
		if l.maxClients > 0 {
			t, err := NewRistrettoTable(l.maxClients, l.idleAfter)
			if err != nil {
				return nil, fmt.Errorf("client table: %w", err)
			}
			l.table = t
		} else {
			l.table = newMapTable()
		}
	}
	if l.idleAfter > 0 && l.sweepEvery > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		l.cancel = cancel
		l.wg.Add(1)
		go l.sweeper(ctx)
	}
	return l, nil
}

// Window returns the policy window.
func (l *Limiter) Window() time.Duration { return l.window }

// Max returns the policy count threshold.
func (l *Limiter) Max() int { return l.max }

// Disabled reports whether the policy allows everything.
func (l *Limiter) Disabled() bool { return l.max == 0 || l.window == 0 }

// Affirm reports whether clientID may proceed.
func (l *Limiter) Affirm(clientID string) bool {
	return l.Check(clientID).Allowed
}

// Check runs the admission decision for clientID and returns its details.
func (l *Limiter) Check(clientID string) Decision {
	if l.Disabled() {
		metrics.RateAllowCounter.Inc()
		return Decision{Allowed: true, At: l.clock.Now()}
	}

	l.mu.Lock()
	now := l.clock.Now()
	v, ok := l.table.Get(clientID)
	switch {
	case !ok:
		v = &Visit{ClientID: clientID, LastSeen: now, Count: 1}
	case now.Sub(v.LastSeen) > l.window:
		v.Count = 1
		v.LastSeen = now
	case v.Count > l.max:
		d := Decision{
			Visit:      *v,
			RetryAfter: v.LastSeen.Add(l.window).Sub(now),
			At:         now,
		}
		l.mu.Unlock()
		metrics.RateDenyCounter.Inc()
		return d
	default:
		v.Count++
		v.LastSeen = now
	}
	l.table.Put(v)
	d := Decision{Allowed: true, Visit: *v, At: now}
	l.mu.Unlock()

	metrics.RateAllowCounter.Inc()
	return d
}

// Visit returns a copy of the window tracked for clientID.
func (l *Limiter) Visit(clientID string) (Visit, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.table.Get(clientID)
	if !ok {
		return Visit{}, false
	}
	return *v, true
}

// Reset forgets the window of clientID.
func (l *Limiter) Reset(clientID string) {
	l.mu.Lock()
	l.table.Delete(clientID)
	l.mu.Unlock()
}

// Clients returns the number of tracked client windows.
func (l *Limiter) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.table.Len()
}

// Sweep removes windows idle for longer than the eviction horizon and returns
// how many were removed. It does nothing unless WithIdleEviction was used.
func (l *Limiter) Sweep() int {
	if l.idleAfter <= 0 {
		return 0
	}
	l.mu.Lock()
	cutoff := l.clock.Now().Add(-l.idleAfter)
	var idle []string
	l.table.Range(func(v *Visit) bool {
		if v.LastSeen.Before(cutoff) {
			idle = append(idle, v.ClientID)
		}
		return true
	})
	for _, id := range idle {
		l.table.Delete(id)
	}
	l.mu.Unlock()

	if n := len(idle); n > 0 {
		metrics.RateEvictCounter.Add(float64(n))
		l.logger.Debug("evicted idle rate limit windows", "count", n)
	}
	return len(idle)
}

func (l *Limiter) sweeper(ctx context.Context) {
	defer l.wg.Done()
	ticker := time.NewTicker(l.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.Sweep()
		case <-ctx.Done():
			return
		}
	}
}

// Close stops the background sweep and releases the client table.
func (l *Limiter) Close() {
	if l.cancel != nil {
		l.cancel()
		l.wg.Wait()
	}
	l.mu.Lock()
	l.table.Close()
	l.mu.Unlock()
}
