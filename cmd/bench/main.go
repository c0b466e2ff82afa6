package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-warden/v1/lock"
	"github.com/mirkobrombin/go-warden/v1/presets"
	"github.com/mirkobrombin/go-warden/v1/ratelimit"
)

var (
	concurrency = flag.Int("c", 50, "Concurrency")
	requests    = flag.Int("n", 100000, "Requests")
	keys        = flag.Int("k", 1024, "Distinct lock keys / client ids")
	target      = flag.String("target", "all", "Target: lock, limiter-map, limiter-ristretto, guarded-mem, guarded-redis")
	redisAddr   = flag.String("redis-addr", "localhost:6379", "Redis Address")
)

func main() {
	flag.Parse()

	targets := strings.Split(*target, ",")
	if *target == "all" {
		targets = []string{"lock", "limiter-map", "limiter-ristretto", "guarded-mem", "guarded-redis"}
	}

	ids := make([]string, *keys)
	for i := range ids {
		ids[i] = "k" + strconv.Itoa(i)
	}

	fmt.Printf("| %-18s | %-10s | %-12s | %-12s |\n", "Target", "Ops/sec", "Avg Latency", "P99 Latency")
	fmt.Println("|:---|:---|:---|:---|")

	for _, t := range targets {
		runBenchmark(strings.TrimSpace(t), ids)
	}
}

func runBenchmark(name string, ids []string) {
	var (
		opFn    func(ctx context.Context, id string) error
		cleanup func()
	)

	ctx := context.Background()

	switch name {
	case "lock":
		m := lock.New[int]()
		for i, id := range ids {
			_ = m.Register(id, i)
		}
		// contention is an expected outcome, not a failure
		opFn = func(ctx context.Context, id string) error {
			h, err := m.Acquire(ctx, id, time.Minute)
			if err != nil {
				return nil
			}
			h.Release()
			return nil
		}
		cleanup = m.Close

	case "limiter-map", "limiter-ristretto":
		var opts []ratelimit.Option
		if name == "limiter-ristretto" {
			opts = append(opts, ratelimit.WithMaxClients(len(ids)))
		}
		l, err := ratelimit.NewLimiter(time.Second, 1000, opts...)
		if err != nil {
			log.Printf("%s: %v", name, err)
			return
		}
		opFn = func(ctx context.Context, id string) error {
			l.Affirm(id)
			return nil
		}
		cleanup = l.Close

	case "guarded-mem", "guarded-redis":
		var s *presets.Store[int]
		if name == "guarded-redis" {
			ping := redis.NewClient(&redis.Options{Addr: *redisAddr})
			err := ping.Ping(ctx).Err()
			_ = ping.Close()
			if err != nil {
				fmt.Printf("| %-18s | %-10s | %-12s | %-12s |\n", name, "SKIP", "-", "-")
				return
			}
			s = presets.NewRedisGuarded[int](presets.RedisOptions{Addr: *redisAddr, Prefix: "bench:"})
		} else {
			s = presets.NewInMemoryStandalone[int]()
		}
		opFn = func(ctx context.Context, id string) error {
			return s.Update(ctx, id, func(cur int, _ bool) (int, error) { return cur + 1, nil })
		}
		cleanup = func() { _ = s.Close() }

	default:
		log.Printf("Unknown target: %s", name)
		return
	}

	if cleanup != nil {
		defer cleanup()
	}

	var wg sync.WaitGroup
	var ops int64
	totalReqs := *requests
	latencies := make([]int64, totalReqs)

	start := time.Now()
	chunk := totalReqs / *concurrency

	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			offset := idx * chunk
			for j := 0; j < chunk; j++ {
				id := ids[(offset+j)%len(ids)]
				reqStart := time.Now()
				if err := opFn(ctx, id); err == nil {
					atomic.AddInt64(&ops, 1)
					latencies[offset+j] = time.Since(reqStart).Nanoseconds()
				}
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	if ops == 0 {
		fmt.Printf("| %-18s | %-10s | %-12s | %-12s |\n", name, "ERROR", "-", "-")
		return
	}

	throughput := float64(ops) / elapsed.Seconds()
	avgLat := float64(elapsed.Nanoseconds()) / float64(ops)

	p99 := "-"
	validLats := make([]int64, 0, ops)
	for _, l := range latencies {
		if l > 0 {
			validLats = append(validLats, l)
		}
	}
	if len(validLats) > 0 {
		sort.Slice(validLats, func(i, j int) bool { return validLats[i] < validLats[j] })
		p99Idx := int(float64(len(validLats)) * 0.99)
		if p99Idx >= len(validLats) {
			p99Idx = len(validLats) - 1
		}
		p99 = strconv.FormatInt(validLats[p99Idx], 10)
	}

	fmt.Printf("| %-18s | %-10.0f | %-12.0f | %-12s |\n", name, throughput, avgLat, p99)
}
