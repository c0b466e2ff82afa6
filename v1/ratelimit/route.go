package ratelimit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mirkobrombin/go-warden/v1/watchbus"
)

// Policy is the fixed-window configuration of one route.
type Policy struct {
	Route  string
	Window time.Duration
	Max    int
}

// DenyEvent is published when a RouteLimiter rejects a request.
type DenyEvent struct {
	Route    string    `json:"route"`
	ClientID string    `json:"client"`
	Count    int       `json:"count"`
	At       time.Time `json:"at"`
}

// Topic returns the watchbus topic carrying denials for route.
func Topic(route string) string { return "route:" + route }

// RouteLimiter selects a Limiter per route.
type RouteLimiter struct {
	mu     sync.RWMutex
	routes map[string]*Limiter

	limiterOpts []Option
	logger      *slog.Logger
	bus         watchbus.WatchBus
	decisions   *prometheus.CounterVec
}

// RouteOption configures a RouteLimiter.
type RouteOption func(*RouteLimiter)

// WithLimiterOptions applies opts to every Limiter created by Add.
func WithLimiterOptions(opts ...Option) RouteOption {
	return func(rl *RouteLimiter) {
		rl.limiterOpts = append(rl.limiterOpts, opts...)
	}
}

// WithRouteLogger sets the logger. Defaults to slog.Default.
func WithRouteLogger(l *slog.Logger) RouteOption {
	return func(rl *RouteLimiter) {
		if l != nil {
			rl.logger = l
		}
	}
}

// WithEventBus publishes a JSON DenyEvent on Topic(route) for every denial.
func WithEventBus(bus watchbus.WatchBus) RouteOption {
	return func(rl *RouteLimiter) {
		rl.bus = bus
	}
}

// WithMetrics registers a per-route decision counter on reg.
func WithMetrics(reg prometheus.Registerer) RouteOption {
	return func(rl *RouteLimiter) {
		rl.decisions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_route_decisions_total",
			Help: "Rate limiter decisions by route and result",
		}, []string{"route", "result"})
		reg.MustRegister(rl.decisions)
	}
}

// NewRouteLimiter returns a RouteLimiter with no routes. Every route allows
// until a policy is added for it.
func NewRouteLimiter(opts ...RouteOption) *RouteLimiter {
	rl := &RouteLimiter{
		routes: make(map[string]*Limiter),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(rl)
	}
	return rl
}

// Add installs the policy for route, replacing any previous policy and
// discarding its client windows.
func (rl *RouteLimiter) Add(route string, window time.Duration, maxCount int) error {
	l, err := NewLimiter(window, maxCount, rl.limiterOpts...)
	if err != nil {
		return err
	}
	rl.mu.Lock()
	old := rl.routes[route]
	rl.routes[route] = l
	rl.mu.Unlock()
	if old != nil {
		old.Close()
	}
	rl.logger.Info("rate limit policy installed", "route", route, "window", window, "max", maxCount)
	return nil
}

// AddPolicy is Add for a Policy value.
func (rl *RouteLimiter) AddPolicy(p Policy) error {
	return rl.Add(p.Route, p.Window, p.Max)
}

// Remove drops the policy for route, which then allows every request.
func (rl *RouteLimiter) Remove(route string) {
	rl.mu.Lock()
	l := rl.routes[route]
	delete(rl.routes, route)
	rl.mu.Unlock()
	if l != nil {
		l.Close()
	}
}

// Affirm reports whether clientID may access route.
func (rl *RouteLimiter) Affirm(route, clientID string) bool {
	return rl.Check(route, clientID).Allowed
}

// Check runs the admission decision for clientID on route. Unknown routes
// are allowed.
func (rl *RouteLimiter) Check(route, clientID string) Decision {
	rl.mu.RLock()
	l, ok := rl.routes[route]
	rl.mu.RUnlock()
	if !ok {
		return Decision{Allowed: true}
	}
	d := l.Check(clientID)
	if rl.decisions != nil {
		result := "allow"
		if !d.Allowed {
			result = "deny"
		}
		rl.decisions.WithLabelValues(route, result).Inc()
	}
	if !d.Allowed {
		rl.logger.Debug("rate limit exceeded", "route", route, "client", clientID, "count", d.Visit.Count)
		rl.publish(route, clientID, d)
	}
	return d
}

// Limiter returns the limiter installed for route.
func (rl *RouteLimiter) Limiter(route string) (*Limiter, bool) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	l, ok := rl.routes[route]
	return l, ok
}

// Policies returns the installed policies ordered by route.
func (rl *RouteLimiter) Policies() []Policy {
	rl.mu.RLock()
	out := make([]Policy, 0, len(rl.routes))
	for route, l := range rl.routes {
		out = append(out, Policy{Route: route, Window: l.Window(), Max: l.Max()})
	}
	rl.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Route < out[j].Route })
	return out
}

// Sweep runs idle eviction on every route and returns the windows removed.
func (rl *RouteLimiter) Sweep() int {
	rl.mu.RLock()
	limiters := make([]*Limiter, 0, len(rl.routes))
	for _, l := range rl.routes {
		limiters = append(limiters, l)
	}
	rl.mu.RUnlock()
	n := 0
	for _, l := range limiters {
		n += l.Sweep()
	}
	return n
}

// Close closes every route limiter.
func (rl *RouteLimiter) Close() {
	rl.mu.Lock()
	routes := rl.routes
	rl.routes = make(map[string]*Limiter)
	rl.mu.Unlock()
	for _, l := range routes {
		l.Close()
	}
}

func (rl *RouteLimiter) publish(route, clientID string, d Decision) {
	if rl.bus == nil {
		return
	}
	data, err := json.Marshal(DenyEvent{
		Route:    route,
		ClientID: clientID,
		Count:    d.Visit.Count,
		At:       d.At,
	})
	if err != nil {
		rl.logger.Error("deny event encode failed", "route", route, "err", err)
		return
	}
	if err := rl.bus.Publish(context.Background(), Topic(route), data); err != nil {
		rl.logger.Debug("deny event publish failed", "route", route, "err", err)
	}
}
