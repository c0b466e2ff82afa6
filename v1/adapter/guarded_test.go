package adapter_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mirkobrombin/go-warden/v1/adapter"
	wardenerrors "github.com/mirkobrombin/go-warden/v1/errors"
	"github.com/mirkobrombin/go-warden/v1/lock"
)

func TestGuardedSetReportsContention(t *testing.T) {
	ctx := context.Background()
	locks := lock.New[string]()
	defer locks.Close()
	g := adapter.NewGuarded[string](adapter.NewInMemoryStore[string](), locks)

	if err := g.Set(ctx, "k", "v1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	info, err := locks.Get(g.LockKey("k"))
	if err != nil || info.Payload != "k" || info.Held {
		t.Fatalf("unexpected lock state %+v err %v", info, err)
	}

	h, err := locks.Acquire(ctx, g.LockKey("k"), 0)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := g.Set(ctx, "k", "v2"); !errors.Is(err, wardenerrors.ErrAlreadyHeld) {
		t.Fatalf("expected ErrAlreadyHeld, got %v", err)
	}
	if v, _, _ := g.Get(ctx, "k"); v != "v1" {
		t.Fatalf("contended write must not apply, got %q", v)
	}
	h.Release()
	if err := g.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	keys, _ := g.Keys(ctx)
	if len(keys) != 0 {
		t.Fatalf("expected empty store, got %v", keys)
	}
}

func TestGuardedRetryWaitsForRelease(t *testing.T) {
	ctx := context.Background()
	locks := lock.New[string]()
	defer locks.Close()
	g := adapter.NewGuarded[int](adapter.NewInMemoryStore[int](), locks,
		adapter.WithRetry(50, time.Millisecond))

	_ = locks.Register(g.LockKey("n"), "n")
	h, _ := locks.Acquire(ctx, g.LockKey("n"), 0)
	go func() {
		time.Sleep(10 * time.Millisecond)
		h.Release()
	}()
	if err := g.Set(ctx, "n", 5); err != nil {
		t.Fatalf("Set with retry: %v", err)
	}
}

func TestGuardedRetryHonoursContext(t *testing.T) {
	locks := lock.New[string]()
	defer locks.Close()
	g := adapter.NewGuarded[int](adapter.NewInMemoryStore[int](), locks,
		adapter.WithRetry(1000, 10*time.Millisecond))
	_ = locks.Register(g.LockKey("n"), "n")
	_, _ = locks.Acquire(context.Background(), g.LockKey("n"), 0)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := g.Set(ctx, "n", 1); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestGuardedUpdateIsSerialized(t *testing.T) {
	ctx := context.Background()
	locks := lock.New[string]()
	defer locks.Close()
	s, _, _ := newRedisStore[int](t)
	g := adapter.NewGuarded[int](s, locks,
		adapter.WithRetry(1000, 100*time.Microsecond),
		adapter.WithLockTTL(time.Second))

	const workers, increments = 4, 10
	var wg sync.WaitGroup
	errs := make(chan error, workers*increments)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < increments; i++ {
				errs <- g.Update(ctx, "counter", func(cur int, _ bool) (int, error) {
					return cur + 1, nil
				})
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("update: %v", err)
		}
	}
	v, ok, err := g.Get(ctx, "counter")
	if err != nil || !ok || v != workers*increments {
		t.Fatalf("expected %d, got %d ok=%v err=%v", workers*increments, v, ok, err)
	}
	if locks.Held() != 0 {
		t.Fatalf("expected all locks released, %d held", locks.Held())
	}
}

func TestGuardedUpdateAbortsOnError(t *testing.T) {
	ctx := context.Background()
	locks := lock.New[string]()
	defer locks.Close()
	g := adapter.NewGuarded[int](adapter.NewInMemoryStore[int](), locks)
	_ = g.Set(ctx, "n", 1)
	boom := errors.New("boom")
	if err := g.Update(ctx, "n", func(int, bool) (int, error) { return 0, boom }); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if v, _, _ := g.Get(ctx, "n"); v != 1 {
		t.Fatalf("aborted update must not write, got %d", v)
	}
	g.Forget("n")
	if _, err := locks.Get(g.LockKey("n")); !errors.Is(err, wardenerrors.ErrUnknownKey) {
		t.Fatalf("expected lock forgotten, got %v", err)
	}
}

func TestGuardedDeleteDropsLock(t *testing.T) {
	ctx := context.Background()
	locks := lock.New[string]()
	defer locks.Close()
	g := adapter.NewGuarded[string](adapter.NewInMemoryStore[string](), locks)

	for _, k := range []string{"a", "b", "c"} {
		if err := g.Set(ctx, k, "v"); err != nil {
			t.Fatalf("Set %s: %v", k, err)
		}
	}
	if locks.Len() != 3 {
		t.Fatalf("expected 3 locks, got %d", locks.Len())
	}
	for _, k := range []string{"a", "b", "c"} {
		if err := g.Delete(ctx, k); err != nil {
			t.Fatalf("Delete %s: %v", k, err)
		}
	}
	if locks.Len() != 0 {
		t.Fatalf("expected lock table empty after deletes, got %d", locks.Len())
	}

	// the lock comes back on the next write
	if err := g.Set(ctx, "a", "again"); err != nil {
		t.Fatalf("Set after delete: %v", err)
	}
	if locks.Len() != 1 {
		t.Fatalf("expected 1 lock, got %d", locks.Len())
	}
}

func TestGuardedConcurrentSetAndDelete(t *testing.T) {
	ctx := context.Background()
	locks := lock.New[string]()
	defer locks.Close()
	g := adapter.NewGuarded[int](adapter.NewInMemoryStore[int](), locks,
		adapter.WithRetry(1000, 100*time.Microsecond))

	var wg sync.WaitGroup
	errs := make(chan error, 200)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				if w%2 == 0 {
					errs <- g.Set(ctx, "k", i)
				} else {
					errs <- g.Delete(ctx, "k")
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if locks.Held() != 0 {
		t.Fatalf("expected no held locks, got %d", locks.Held())
	}
}
