package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// LockAcquireCounter tracks successful lock acquisitions.
	LockAcquireCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warden_lock_acquire_total",
		Help: "Total number of successful lock acquisitions",
	})
	// LockContentionCounter tracks acquisitions rejected because the lock was held.
	LockContentionCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warden_lock_contention_total",
		Help: "Total number of acquisitions rejected because the lock was held",
	})
	// LockReleaseCounter tracks explicit releases.
	LockReleaseCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warden_lock_release_total",
		Help: "Total number of explicit lock releases",
	})
	// LockExpireCounter tracks locks reclaimed by their TTL.
	LockExpireCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warden_lock_expire_total",
		Help: "Total number of locks auto-released after their TTL",
	})
	// LockHeldGauge reports the number of locks currently held.
	LockHeldGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "warden_locks_held",
		Help: "Current number of held locks",
	})
	// RateAllowCounter tracks admitted requests.
	RateAllowCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warden_ratelimit_allow_total",
		Help: "Total number of requests admitted by rate limiters",
	})
	// RateDenyCounter tracks rejected requests.
	RateDenyCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warden_ratelimit_deny_total",
		Help: "Total number of requests denied by rate limiters",
	})
	// RateEvictCounter tracks client windows dropped by idle eviction.
	RateEvictCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warden_ratelimit_evict_total",
		Help: "Total number of idle client windows evicted",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers warden core metrics on the provided registerer.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		LockAcquireCounter,
		LockContentionCounter,
		LockReleaseCounter,
		LockExpireCounter,
		LockHeldGauge,
		RateAllowCounter,
		RateDenyCounter,
		RateEvictCounter,
	)
}
