package ratelimit

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
)

// KeyFunc extracts the client identifier from a request.
type KeyFunc func(r *http.Request) string

// RouteFunc extracts the route identifier from a request.
type RouteFunc func(r *http.Request) string

// OnLimitReached writes the response for a denied request.
type OnLimitReached func(w http.ResponseWriter, r *http.Request, d Decision)

type middlewareConfig struct {
	keyFunc        KeyFunc
	routeFunc      RouteFunc
	onLimitReached OnLimitReached
}

// MiddlewareOption configures Middleware.
type MiddlewareOption func(*middlewareConfig)

// WithKeyFunc sets the client key extraction. Defaults to RemoteAddrKey.
func WithKeyFunc(fn KeyFunc) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		cfg.keyFunc = fn
	}
}

// WithRouteFunc sets the route extraction. Defaults to the URL path.
func WithRouteFunc(fn RouteFunc) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		cfg.routeFunc = fn
	}
}

// WithOnLimitReached replaces the default 429 response.
func WithOnLimitReached(fn OnLimitReached) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		cfg.onLimitReached = fn
	}
}

// Middleware affirms every request against rl before calling the next
// handler.
func Middleware(rl *RouteLimiter, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	cfg := &middlewareConfig{
		keyFunc:        RemoteAddrKey,
		routeFunc:      PathRoute,
		onLimitReached: DefaultOnLimitReached,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := rl.Check(cfg.routeFunc(r), cfg.keyFunc(r))
			if !d.Allowed {
				cfg.onLimitReached(w, r, d)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// DefaultOnLimitReached answers 429 with a Retry-After header.
func DefaultOnLimitReached(w http.ResponseWriter, r *http.Request, d Decision) {
	if d.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
	}
	http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
}

// PathRoute uses the request URL path as the route.
func PathRoute(r *http.Request) string {
	return r.URL.Path
}

// PatternRoute keys requests by the mux pattern that will serve them, so
// "/kv/a" and "/kv/b" share the policy of "/kv/{key}". The method part of a
// pattern such as "GET /kv/{key}" is dropped. Requests matching no pattern
// fall back to the URL path.
func PatternRoute(mux *http.ServeMux) RouteFunc {
	return func(r *http.Request) string {
		_, pattern := mux.Handler(r)
		if pattern == "" {
			return r.URL.Path
		}
		if _, rest, ok := strings.Cut(pattern, " "); ok {
			return strings.TrimSpace(rest)
		}
		return pattern
	}
}

// RemoteAddrKey uses the host part of the connection address.
func RemoteAddrKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ForwardedKey trusts X-Forwarded-For and X-Real-IP. Use it only behind a
// proxy that overwrites those headers.
func ForwardedKey(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	return RemoteAddrKey(r)
}
