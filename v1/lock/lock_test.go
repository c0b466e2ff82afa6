package lock

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mirkobrombin/go-warden/v1/clock"
	wardenerrors "github.com/mirkobrombin/go-warden/v1/errors"
	"github.com/mirkobrombin/go-warden/v1/metrics"
	"github.com/mirkobrombin/go-warden/v1/watchbus"
)

func newManual(t *testing.T) (*Manager[int], *clock.Manual) {
	t.Helper()
	c := clock.NewManual(time.Unix(1000, 0))
	m := New[int](WithClock[int](c))
	t.Cleanup(m.Close)
	return m, c
}

func TestRegisterDuplicateKeepsFirstPayload(t *testing.T) {
	m, _ := newManual(t)
	if err := m.Register("k", 1); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.Register("k", 2); !errors.Is(err, wardenerrors.ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
	info, err := m.Get("k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if info.Payload != 1 {
		t.Fatalf("expected payload 1, got %d", info.Payload)
	}
	if m.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", m.Len())
	}
}

func TestAcquireTwiceAlreadyHeld(t *testing.T) {
	m, _ := newManual(t)
	ctx := context.Background()
	_ = m.Register("k", 7)
	h, err := m.Acquire(ctx, "k", 0)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if h.Payload() != 7 || h.Key() != "k" || h.Token() == "" {
		t.Fatalf("unexpected handle %+v", h)
	}
	if _, err := m.Acquire(ctx, "k", 0); !errors.Is(err, wardenerrors.ErrAlreadyHeld) {
		t.Fatalf("expected ErrAlreadyHeld, got %v", err)
	}
	info, _ := m.Get("k")
	if !info.Held || info.Token != h.Token() {
		t.Fatalf("holder changed: %+v", info)
	}
	if !h.Valid() {
		t.Fatal("original handle should still be valid")
	}
}

func TestAcquireUnknownKey(t *testing.T) {
	m, _ := newManual(t)
	if _, err := m.Acquire(context.Background(), "missing", 0); !errors.Is(err, wardenerrors.ErrUnknownKey) {
		t.Fatalf("expected ErrUnknownKey, got %v", err)
	}
	if err := m.TryCheck("missing"); !errors.Is(err, wardenerrors.ErrUnknownKey) {
		t.Fatalf("expected ErrUnknownKey, got %v", err)
	}
	if _, err := m.Get("missing"); !errors.Is(err, wardenerrors.ErrUnknownKey) {
		t.Fatalf("expected ErrUnknownKey, got %v", err)
	}
}

func TestAcquireCanceledContext(t *testing.T) {
	m, _ := newManual(t)
	_ = m.Register("k", 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Acquire(ctx, "k", 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if err := m.TryCheck("k"); err != nil {
		t.Fatalf("lock should be free: %v", err)
	}
}

func TestReleaseThenReacquire(t *testing.T) {
	m, _ := newManual(t)
	ctx := context.Background()
	_ = m.Register("k", 0)
	h, _ := m.Acquire(ctx, "k", 0)
	h.Release()
	h.Release()
	if h.Valid() {
		t.Fatal("released handle should be invalid")
	}
	h2, err := m.Acquire(ctx, "k", 0)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	// A stale handle must not free someone else's acquisition.
	h.Release()
	if _, err := m.Acquire(ctx, "k", 0); !errors.Is(err, wardenerrors.ErrAlreadyHeld) {
		t.Fatalf("stale release freed the lock: %v", err)
	}
	h2.Release()
	if m.Held() != 0 {
		t.Fatalf("expected 0 held, got %d", m.Held())
	}
}

func TestTTLAutoRelease(t *testing.T) {
	m, c := newManual(t)
	ctx := context.Background()
	_ = m.Register("k", 0)
	h, err := m.Acquire(ctx, "k", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if d, ok := h.Deadline(); !ok || !d.Equal(c.Now().Add(50*time.Millisecond)) {
		t.Fatalf("unexpected deadline %v %v", d, ok)
	}
	c.Advance(49 * time.Millisecond)
	if err := m.TryCheck("k"); !errors.Is(err, wardenerrors.ErrAlreadyHeld) {
		t.Fatalf("expected held before ttl, got %v", err)
	}
	c.Advance(time.Millisecond)
	if m.Held() != 0 {
		t.Fatalf("sweeper did not reclaim the lock")
	}
	if h.Valid() {
		t.Fatal("handle should be stale after ttl")
	}
	h2, err := m.Acquire(ctx, "k", 0)
	if err != nil {
		t.Fatalf("acquire after ttl: %v", err)
	}
	// Releasing the expired handle is a no-op.
	h.Release()
	if !h2.Valid() {
		t.Fatal("stale release affected the new holder")
	}
}

func TestReleaseBeforeTTLCancelsTimer(t *testing.T) {
	m, c := newManual(t)
	ctx := context.Background()
	_ = m.Register("k", 0)
	bus := watchbus.NewInMemory()
	m.bus = bus
	ch, _ := bus.Watch(ctx, Topic("k"))

	before := testutil.ToFloat64(metrics.LockExpireCounter)
	h, _ := m.Acquire(ctx, "k", 50*time.Millisecond)
	c.Advance(10 * time.Millisecond)
	h.Release()
	if n := c.Pending(); n != 0 {
		t.Fatalf("expected sweeper timer cancelled, %d pending", n)
	}
	c.Advance(100 * time.Millisecond)
	if got := testutil.ToFloat64(metrics.LockExpireCounter); got != before {
		t.Fatalf("unexpected expiry after release: %v -> %v", before, got)
	}

	var ops []Op
	for len(ch) > 0 {
		var ev Event
		if err := json.Unmarshal(<-ch, &ev); err != nil {
			t.Fatalf("decode: %v", err)
		}
		ops = append(ops, ev.Op)
	}
	if len(ops) != 2 || ops[0] != OpAcquire || ops[1] != OpRelease {
		t.Fatalf("expected [acquire release], got %v", ops)
	}
}

func TestLazyReclaimWithoutSweeper(t *testing.T) {
	m, c := newManual(t)
	m.Close()
	ctx := context.Background()
	_ = m.Register("k", 0)
	if _, err := m.Acquire(ctx, "k", 20*time.Millisecond); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if c.Pending() != 0 {
		t.Fatal("closed manager should not arm timers")
	}
	c.Advance(20 * time.Millisecond)
	if err := m.TryCheck("k"); err != nil {
		t.Fatalf("expected lazily reclaimed lock, got %v", err)
	}
	if m.Held() != 0 {
		t.Fatalf("expected 0 held, got %d", m.Held())
	}
}

func TestSweeperHandlesManyDeadlines(t *testing.T) {
	m, c := newManual(t)
	ctx := context.Background()
	keys := []string{"a", "b", "c", "d"}
	for _, k := range keys {
		_ = m.Register(k, 0)
	}
	ttls := map[string]time.Duration{"a": 40, "b": 10, "c": 30, "d": 20}
	handles := map[string]*Handle[int]{}
	for _, k := range keys {
		h, err := m.Acquire(ctx, k, ttls[k]*time.Millisecond)
		if err != nil {
			t.Fatalf("acquire %s: %v", k, err)
		}
		handles[k] = h
	}
	if n := c.Pending(); n != 1 {
		t.Fatalf("expected a single sweeper timer, got %d", n)
	}
	handles["c"].Release()

	c.Advance(15 * time.Millisecond)
	if handles["b"].Valid() || !handles["d"].Valid() || !handles["a"].Valid() {
		t.Fatal("unexpected state after 15ms")
	}
	c.Advance(10 * time.Millisecond)
	if handles["d"].Valid() || !handles["a"].Valid() {
		t.Fatal("unexpected state after 25ms")
	}
	c.Advance(20 * time.Millisecond)
	if handles["a"].Valid() {
		t.Fatal("a should have expired")
	}
	if m.Held() != 0 || c.Pending() != 0 {
		t.Fatalf("expected idle manager, held %d pending %d", m.Held(), c.Pending())
	}
}

func TestTryCheckIsAdvisory(t *testing.T) {
	m, _ := newManual(t)
	ctx := context.Background()
	_ = m.Register("k", 0)
	if err := m.TryCheck("k"); err != nil {
		t.Fatalf("trycheck: %v", err)
	}
	if err := m.TryCheck("k"); err != nil {
		t.Fatalf("trycheck must not change state: %v", err)
	}
	h, _ := m.Acquire(ctx, "k", 0)
	if err := m.TryCheck("k"); !errors.Is(err, wardenerrors.ErrAlreadyHeld) {
		t.Fatalf("expected ErrAlreadyHeld, got %v", err)
	}
	h.Release()
}

func TestRegisterManyRollsBackBatchOnly(t *testing.T) {
	m, _ := newManual(t)
	_ = m.Register("pre", 0)
	err := m.RegisterEntries([]Entry[int]{{"a", 1}, {"b", 2}, {"a", 3}})
	if !errors.Is(err, wardenerrors.ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
	for _, k := range []string{"a", "b"} {
		if _, err := m.Get(k); !errors.Is(err, wardenerrors.ErrUnknownKey) {
			t.Fatalf("%s should have been rolled back, got %v", k, err)
		}
	}
	if _, err := m.Get("pre"); err != nil {
		t.Fatalf("pre-existing key removed: %v", err)
	}

	err = m.RegisterMany(map[string]int{"x": 1, "pre": 2, "y": 3})
	if !errors.Is(err, wardenerrors.ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
	if m.Len() != 1 {
		t.Fatalf("expected only pre to remain, got %v", m.Snapshot())
	}
	info, _ := m.Get("pre")
	if info.Payload != 0 {
		t.Fatalf("pre payload changed to %d", info.Payload)
	}

	if err := m.RegisterMany(map[string]int{"x": 1, "y": 2}); err != nil {
		t.Fatalf("register many: %v", err)
	}
	if m.Len() != 3 {
		t.Fatalf("expected 3 keys, got %d", m.Len())
	}
}

func TestRemoveCancelsPendingReleaseAndIsIdempotent(t *testing.T) {
	m, c := newManual(t)
	ctx := context.Background()
	_ = m.Register("k", 0)
	h, _ := m.Acquire(ctx, "k", time.Second)
	m.Remove("k")
	m.Remove("k")
	if c.Pending() != 0 {
		t.Fatal("remove should cancel the pending auto-release")
	}
	if h.Valid() {
		t.Fatal("handle should be stale after remove")
	}
	h.Release()
	if _, err := m.Acquire(ctx, "k", 0); !errors.Is(err, wardenerrors.ErrUnknownKey) {
		t.Fatalf("expected ErrUnknownKey, got %v", err)
	}

	// Re-registering the same key must not revive the old handle.
	_ = m.Register("k", 1)
	h2, _ := m.Acquire(ctx, "k", 0)
	h.Release()
	if !h2.Valid() {
		t.Fatal("old handle released a new registration")
	}
}

func TestRemoveIfFree(t *testing.T) {
	m, c := newManual(t)
	ctx := context.Background()
	_ = m.Register("free", 1)
	_ = m.Register("held", 2)
	_ = m.Register("expired", 3)

	if m.RemoveIfFree("missing") {
		t.Fatal("unknown key must not report removal")
	}
	if !m.RemoveIfFree("free") {
		t.Fatal("expected free key removed")
	}

	h, _ := m.Acquire(ctx, "held", 0)
	if m.RemoveIfFree("held") {
		t.Fatal("held key must not be removed")
	}
	if !h.Valid() {
		t.Fatal("holder lost its lock")
	}

	m.Close()
	_, _ = m.Acquire(ctx, "expired", 10*time.Millisecond)
	c.Advance(10 * time.Millisecond)
	if !m.RemoveIfFree("expired") {
		t.Fatal("expected expired holder to be reclaimed and removed")
	}
	if m.Len() != 1 || m.Held() != 1 {
		t.Fatalf("expected only the held key left, len=%d held=%d", m.Len(), m.Held())
	}
}

func TestDestroyAll(t *testing.T) {
	m, c := newManual(t)
	_ = m.RegisterMany(map[string]int{"a": 1, "b": 2, "c": 3})
	_, _ = m.Acquire(context.Background(), "a", time.Second)
	m.DestroyAll()
	if m.Len() != 0 || m.Held() != 0 || c.Pending() != 0 {
		t.Fatalf("expected empty manager, len %d held %d pending %d", m.Len(), m.Held(), c.Pending())
	}
}

func TestSnapshot(t *testing.T) {
	m, c := newManual(t)
	_ = m.RegisterMany(map[string]int{"b": 2, "a": 1})
	h, _ := m.Acquire(context.Background(), "b", 10*time.Millisecond)
	snap := m.Snapshot()
	if len(snap) != 2 || snap[0].Key != "a" || snap[1].Key != "b" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if snap[0].Held || !snap[1].Held || snap[1].Token != h.Token() {
		t.Fatalf("unexpected held flags %+v", snap)
	}
	if !snap[1].Deadline.Equal(c.Now().Add(10 * time.Millisecond)) {
		t.Fatalf("unexpected deadline %v", snap[1].Deadline)
	}
}

func TestWithReleasesOnErrorAndPanic(t *testing.T) {
	m, _ := newManual(t)
	ctx := context.Background()
	_ = m.Register("k", 42)

	sentinel := errors.New("boom")
	err := With(ctx, m, "k", 0, func(ctx context.Context, payload int) error {
		if payload != 42 {
			t.Fatalf("unexpected payload %d", payload)
		}
		if err := m.TryCheck("k"); !errors.Is(err, wardenerrors.ErrAlreadyHeld) {
			t.Fatalf("expected lock held inside With, got %v", err)
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel, got %v", err)
	}
	if err := m.TryCheck("k"); err != nil {
		t.Fatalf("lock not released after error: %v", err)
	}

	func() {
		defer func() { _ = recover() }()
		_ = With(ctx, m, "k", 0, func(context.Context, int) error { panic("boom") })
	}()
	if err := m.TryCheck("k"); err != nil {
		t.Fatalf("lock not released after panic: %v", err)
	}
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	m := New[int]()
	defer m.Close()
	_ = m.Register("k", 0)
	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := m.Acquire(context.Background(), "k", time.Minute); err == nil {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins.Load())
	}
}

func TestRealClockTTLExpires(t *testing.T) {
	m := New[int]()
	defer m.Close()
	ctx := context.Background()
	_ = m.Register("k", 0)
	if _, err := m.Acquire(ctx, "k", 10*time.Millisecond); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for m.Held() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("lock was not auto-released by the sweeper")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := m.Acquire(ctx, "k", 0); err != nil {
		t.Fatalf("acquire after ttl: %v", err)
	}
}
