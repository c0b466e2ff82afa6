package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	uuid "github.com/hashicorp/go-uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mirkobrombin/go-warden/v1/adapter"
	"github.com/mirkobrombin/go-warden/v1/config"
	wardenerrors "github.com/mirkobrombin/go-warden/v1/errors"
	"github.com/mirkobrombin/go-warden/v1/lock"
	"github.com/mirkobrombin/go-warden/v1/metrics"
	"github.com/mirkobrombin/go-warden/v1/ratelimit"
	"github.com/mirkobrombin/go-warden/v1/watchbus"
)

const maxValueBytes = 1 << 20

type ctxKey struct{}

// requestID returns the id assigned by the request id middleware.
func requestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

type server struct {
	cfg    *config.Config
	logger *slog.Logger
	reg    *prometheus.Registry
	bus    *watchbus.InMemoryWatchBus
	locks  *lock.Manager[string]
	routes *ratelimit.RouteLimiter
	store  *adapter.Guarded[string]
	// healthy reports backend health; nil when the backend has no notion of it.
	healthy func() bool
}

// healthChecker is implemented by backends that can report their own
// health, such as adapter.Breaker.
type healthChecker interface {
	Healthy() bool
}

func newServer(cfg *config.Config, logger *slog.Logger, backend adapter.Store[string]) (*server, error) {
	reg := metrics.NewRegistry()
	metrics.RegisterCoreMetrics(reg)
	bus := watchbus.NewInMemory()

	locks := lock.New[string](
		lock.WithLogger[string](logger),
		lock.WithEventBus[string](bus),
		lock.WithTracing[string](),
	)
	routes := ratelimit.NewRouteLimiter(
		ratelimit.WithRouteLogger(logger),
		ratelimit.WithEventBus(bus),
		ratelimit.WithMetrics(reg),
		ratelimit.WithLimiterOptions(
			ratelimit.WithLogger(logger),
			ratelimit.WithMaxClients(cfg.MaxClients),
			ratelimit.WithIdleEviction(cfg.IdleMultiple, cfg.SweepInterval),
		),
	)
	for _, p := range cfg.Routes {
		if err := routes.AddPolicy(p); err != nil {
			routes.Close()
			locks.Close()
			return nil, err
		}
	}
	store := adapter.NewGuarded[string](backend, locks,
		adapter.WithLockTTL(cfg.LockTTL),
		adapter.WithRetry(cfg.LockRetries, cfg.LockBackoff),
		adapter.WithGuardLogger(logger),
	)
	s := &server{
		cfg:    cfg,
		logger: logger,
		reg:    reg,
		bus:    bus,
		locks:  locks,
		routes: routes,
		store:  store,
	}
	if hc, ok := backend.(healthChecker); ok {
		s.healthy = hc.Healthy
	}
	return s, nil
}

func (s *server) Close() {
	s.routes.Close()
	s.locks.Close()
}

// Handler returns the full middleware chain: request ids, access logging,
// then route rate limiting keyed by mux pattern.
func (s *server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /locks", s.handleLocks)
	mux.HandleFunc("GET /routes", s.handleRoutes)
	mux.Handle("GET /events", watchbus.SSEHandler(s.bus))
	mux.Handle("GET /events/ws", watchbus.WebSocketHandler(s.bus))
	mux.HandleFunc("GET /kv", s.handleKeys)
	mux.HandleFunc("GET /kv/{key}", s.handleGet)
	mux.HandleFunc("PUT /kv/{key}", s.handlePut)
	mux.HandleFunc("POST /kv/{key}/append", s.handleAppend)
	mux.HandleFunc("DELETE /kv/{key}", s.handleDelete)

	keyFunc := ratelimit.RemoteAddrKey
	if s.cfg.TrustForwarded {
		keyFunc = ratelimit.ForwardedKey
	}
	limited := ratelimit.Middleware(s.routes,
		ratelimit.WithKeyFunc(keyFunc),
		ratelimit.WithRouteFunc(ratelimit.PatternRoute(mux)),
	)(mux)
	return s.withRequestID(s.withAccessLog(limited))
}

func (s *server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			var err error
			if id, err = uuid.GenerateUUID(); err != nil {
				s.logger.Warn("request id generation failed", "err", err)
			}
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack keeps WebSocket upgrades working behind the access log.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (s *server) withAccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request",
			"id", requestID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.healthy != nil && !s.healthy() {
		http.Error(w, "store circuit open", http.StatusServiceUnavailable)
		return
	}
	_, _ = io.WriteString(w, "ok\n")
}

type lockView struct {
	Key      string     `json:"key"`
	Payload  string     `json:"payload"`
	Held     bool       `json:"held"`
	Deadline *time.Time `json:"deadline,omitempty"`
}

func (s *server) handleLocks(w http.ResponseWriter, r *http.Request) {
	snap := s.locks.Snapshot()
	out := make([]lockView, 0, len(snap))
	for _, in := range snap {
		v := lockView{Key: in.Key, Payload: in.Payload, Held: in.Held}
		if !in.Deadline.IsZero() {
			d := in.Deadline
			v.Deadline = &d
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

type policyView struct {
	Route  string `json:"route"`
	Window string `json:"window"`
	Max    int    `json:"max"`
}

func (s *server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	ps := s.routes.Policies()
	out := make([]policyView, 0, len(ps))
	for _, p := range ps {
		out = append(out, policyView{Route: p.Route, Window: p.Window.String(), Max: p.Max})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) handleKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.store.Keys(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, keys)
}

func (s *server) handleGet(w http.ResponseWriter, r *http.Request) {
	v, ok, err := s.store.Get(r.Context(), r.PathValue("key"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	_, _ = io.WriteString(w, v)
}

func (s *server) handlePut(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxValueBytes))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.store.Set(r.Context(), r.PathValue("key"), string(body)); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleAppend(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxValueBytes))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var next string
	err = s.store.Update(r.Context(), r.PathValue("key"), func(cur string, _ bool) (string, error) {
		next = cur + string(body)
		return next, nil
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	_, _ = io.WriteString(w, next)
}

func (s *server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Delete(r.Context(), r.PathValue("key")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, wardenerrors.ErrAlreadyHeld):
		status = http.StatusConflict
	case errors.Is(err, wardenerrors.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.Is(err, wardenerrors.ErrConnectionClosed), errors.Is(err, wardenerrors.ErrCircuitOpen):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "id", requestID(r.Context()), "path", r.URL.Path, "err", err)
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
