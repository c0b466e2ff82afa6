// Package config loads the warden service configuration from command line
// flags, with WARDEN_* environment variables taking precedence.
package config

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	wardenerrors "github.com/mirkobrombin/go-warden/v1/errors"
	"github.com/mirkobrombin/go-warden/v1/ratelimit"
)

// Config is the resolved service configuration.
type Config struct {
	Addr            string
	RedisAddr       string
	RedisCodec      string
	BreakerFailures int
	BreakerCooldown time.Duration
	LockTTL         time.Duration
	LockRetries     int
	LockBackoff     time.Duration
	IdleMultiple    int
	SweepInterval   time.Duration
	MaxClients      int
	TrustForwarded  bool
	Tracing         bool
	LogLevel        string
	ShutdownTimeout time.Duration
	Routes          []ratelimit.Policy
}

// routeFlags collects repeated -route values.
type routeFlags []string

func (r *routeFlags) String() string { return strings.Join(*r, ",") }

func (r *routeFlags) Set(v string) error {
	*r = append(*r, v)
	return nil
}

// ParsePolicy parses a route policy of the form "/route=window:max", for
// example "/api=60s:5". The window accepts any time.ParseDuration value.
func ParsePolicy(s string) (ratelimit.Policy, error) {
	route, rest, ok := strings.Cut(strings.TrimSpace(s), "=")
	if !ok || route == "" {
		return ratelimit.Policy{}, fmt.Errorf("route policy %q: missing route: %w", s, wardenerrors.ErrInvalidPolicy)
	}
	win, limit, ok := strings.Cut(rest, ":")
	if !ok {
		return ratelimit.Policy{}, fmt.Errorf("route policy %q: expected window:max: %w", s, wardenerrors.ErrInvalidPolicy)
	}
	window, err := time.ParseDuration(win)
	if err != nil {
		return ratelimit.Policy{}, fmt.Errorf("route policy %q: window: %v: %w", s, err, wardenerrors.ErrInvalidPolicy)
	}
	n, err := strconv.Atoi(limit)
	if err != nil {
		return ratelimit.Policy{}, fmt.Errorf("route policy %q: max: %v: %w", s, err, wardenerrors.ErrInvalidPolicy)
	}
	if window < 0 || n < 0 {
		return ratelimit.Policy{}, fmt.Errorf("route policy %q: negative value: %w", s, wardenerrors.ErrInvalidPolicy)
	}
	return ratelimit.Policy{Route: route, Window: window, Max: n}, nil
}

func envOrString(key, flagVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return flagVal
}

// envOrInt falls back to the flag value when the variable is unset or not a
// number.
func envOrInt(key string, flagVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return flagVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return flagVal
	}
	return n
}

func envOrBool(key string, flagVal bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "yes", "true":
		return true
	case "0", "no", "false":
		return false
	default:
		return flagVal
	}
}

func envOrDuration(key string, flagVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return flagVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return flagVal
	}
	return d
}

// Load parses args (without the program name). WARDEN_ROUTES, a comma
// separated list of policies, replaces any -route flags when set.
func Load(args []string) (*Config, error) {
	fs := flag.NewFlagSet("warden", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	addr := fs.String("addr", ":8080", "HTTP listen address")
	redisAddr := fs.String("redis-addr", "", "Redis address for the guarded store (empty = in-memory)")
	redisCodec := fs.String("redis-codec", "raw", "Redis value codec: raw, json, gob")
	breakerFailures := fs.Int("breaker-failures", 5, "Consecutive Redis failures before failing fast")
	breakerCooldown := fs.Duration("breaker-cooldown", 5*time.Second, "Time before probing Redis again")
	lockTTL := fs.Duration("lock-ttl", 30*time.Second, "Auto-release delay for store locks (0 = never)")
	lockRetries := fs.Int("lock-retries", 3, "Attempts for a contended store lock")
	lockBackoff := fs.Duration("lock-backoff", 50*time.Millisecond, "Backoff step between store lock attempts")
	idleMultiple := fs.Int("idle-multiple", 2, "Evict clients idle for this many windows (0 = never)")
	sweepInterval := fs.Duration("sweep-interval", time.Minute, "Idle client sweep interval (0 = disabled)")
	maxClients := fs.Int("max-clients", 0, "Bound on tracked clients per route (0 = unbounded)")
	trustForwarded := fs.Bool("trust-forwarded", false, "Key clients by X-Forwarded-For / X-Real-IP")
	tracing := fs.Bool("tracing", false, "Export OpenTelemetry spans to stdout")
	logLevel := fs.String("log-level", "info", "Log level: debug, info, warn, error")
	shutdownTimeout := fs.Duration("shutdown-timeout", 10*time.Second, "Graceful shutdown timeout")
	var routes routeFlags
	fs.Var(&routes, "route", "Route policy /route=window:max (repeatable)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := &Config{
		Addr:            envOrString("WARDEN_ADDR", *addr),
		RedisAddr:       envOrString("WARDEN_REDIS_ADDR", *redisAddr),
		RedisCodec:      envOrString("WARDEN_REDIS_CODEC", *redisCodec),
		BreakerFailures: envOrInt("WARDEN_BREAKER_FAILURES", *breakerFailures),
		BreakerCooldown: envOrDuration("WARDEN_BREAKER_COOLDOWN", *breakerCooldown),
		LockTTL:         envOrDuration("WARDEN_LOCK_TTL", *lockTTL),
		LockRetries:     envOrInt("WARDEN_LOCK_RETRIES", *lockRetries),
		LockBackoff:     envOrDuration("WARDEN_LOCK_BACKOFF", *lockBackoff),
		IdleMultiple:    envOrInt("WARDEN_IDLE_MULTIPLE", *idleMultiple),
		SweepInterval:   envOrDuration("WARDEN_SWEEP_INTERVAL", *sweepInterval),
		MaxClients:      envOrInt("WARDEN_MAX_CLIENTS", *maxClients),
		TrustForwarded:  envOrBool("WARDEN_TRUST_FORWARDED", *trustForwarded),
		Tracing:         envOrBool("WARDEN_TRACING", *tracing),
		LogLevel:        envOrString("WARDEN_LOG_LEVEL", *logLevel),
		ShutdownTimeout: envOrDuration("WARDEN_SHUTDOWN_TIMEOUT", *shutdownTimeout),
	}

	specs := []string(routes)
	if v := os.Getenv("WARDEN_ROUTES"); v != "" {
		specs = strings.Split(v, ",")
	}
	for _, s := range specs {
		if strings.TrimSpace(s) == "" {
			continue
		}
		p, err := ParsePolicy(s)
		if err != nil {
			return nil, err
		}
		cfg.Routes = append(cfg.Routes, p)
	}
	switch cfg.RedisCodec {
	case "raw", "json", "gob":
	default:
		return nil, fmt.Errorf("unknown redis codec %q", cfg.RedisCodec)
	}
	if cfg.LockTTL < 0 || cfg.SweepInterval < 0 || cfg.IdleMultiple < 0 {
		return nil, fmt.Errorf("negative lock ttl, sweep interval or idle multiple: %w", wardenerrors.ErrInvalidPolicy)
	}
	return cfg, nil
}
