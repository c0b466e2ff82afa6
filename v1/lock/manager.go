package lock

import (
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-warden/v1/clock"
	wardenerrors "github.com/mirkobrombin/go-warden/v1/errors"
	"github.com/mirkobrombin/go-warden/v1/metrics"
	"github.com/mirkobrombin/go-warden/v1/watchbus"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-warden/v1/lock")

type entry[T any] struct {
	payload  T
	held     bool
	gen      uint64
	token    string
	deadline time.Time
	item     *deadlineItem
}

// Entry is a key and payload pair used for ordered batch registration.
type Entry[T any] struct {
	Key     string
	Payload T
}

// Info is a read-only view of a registered lock.
type Info[T any] struct {
	Key      string
	Payload  T
	Held     bool
	Token    string
	Deadline time.Time
}

// Manager owns a table of registered locks. All operations are short
// critical sections guarded by a single mutex; the auto-release sweeper takes
// the same mutex, so an explicit Release and a TTL expiry never interleave.
//
// T is the type of the payload attached to each key.
type Manager[T any] struct {
	mu      sync.Mutex
	entries map[string]*entry[T]
	queue   deadlineHeap
	seq     uint64
	held    int

	clock   clock.Clock
	timer   clock.Timer
	timerAt time.Time
	closed  bool

	logger       *slog.Logger
	bus          watchbus.WatchBus
	traceEnabled bool
}

// Option configures a Manager.
type Option[T any] func(*Manager[T])

// WithClock sets the time source used for deadlines. Defaults to clock.Real.
func WithClock[T any](c clock.Clock) Option[T] {
	return func(m *Manager[T]) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger[T any](l *slog.Logger) Option[T] {
	return func(m *Manager[T]) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithEventBus publishes lock transitions as JSON Events on bus, under the
// topic returned by Topic.
func WithEventBus[T any](bus watchbus.WatchBus) Option[T] {
	return func(m *Manager[T]) {
		m.bus = bus
	}
}

// WithTracing enables OpenTelemetry spans for Acquire.
func WithTracing[T any]() Option[T] {
	return func(m *Manager[T]) {
		m.traceEnabled = true
	}
}

// New returns an empty Manager.
func New[T any](opts ...Option[T]) *Manager[T] {
	m := &Manager[T]{
		entries: make(map[string]*entry[T]),
		clock:   clock.Real{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds key in the free state. It fails with ErrDuplicateKey if the
// key exists, leaving the existing entry untouched.
func (m *Manager[T]) Register(key string, payload T) error {
	m.mu.Lock()
	err := m.registerLocked(key, payload)
	now := m.clock.Now()
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.logger.Debug("lock registered", "key", key)
	m.publish(context.Background(), []Event{{Op: OpRegister, Key: key, At: now}})
	return nil
}

// RegisterMany registers every pair in items, in key order. If any key is
// already present, the keys added by this call are removed again before the
// error is returned. Entries that existed before the call are not touched.
func (m *Manager[T]) RegisterMany(items map[string]T) error {
	entries := make([]Entry[T], 0, len(items))
	for k, v := range items {
		entries = append(entries, Entry[T]{Key: k, Payload: v})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return m.RegisterEntries(entries)
}

// RegisterEntries is RegisterMany for an ordered batch, which may repeat a
// key. A repeated key fails the whole batch.
func (m *Manager[T]) RegisterEntries(entries []Entry[T]) error {
	m.mu.Lock()
	added := make([]string, 0, len(entries))
	for _, e := range entries {
		if err := m.registerLocked(e.Key, e.Payload); err != nil {
			for _, k := range added {
				delete(m.entries, k)
			}
			m.mu.Unlock()
			m.logger.Debug("lock batch rolled back", "key", e.Key, "rolled_back", len(added))
			return err
		}
		added = append(added, e.Key)
	}
	now := m.clock.Now()
	m.mu.Unlock()

	evs := make([]Event, 0, len(added))
	for _, k := range added {
		evs = append(evs, Event{Op: OpRegister, Key: k, At: now})
	}
	m.publish(context.Background(), evs)
	return nil
}

func (m *Manager[T]) registerLocked(key string, payload T) error {
	if _, ok := m.entries[key]; ok {
		return fmt.Errorf("lock %q: %w", key, wardenerrors.ErrDuplicateKey)
	}
	m.entries[key] = &entry[T]{payload: payload}
	return nil
}

// Remove deletes key, cancelling any pending auto-release. Removing an
// unknown key is a no-op. Handles issued for the removed entry become stale.
func (m *Manager[T]) Remove(key string) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if ok {
		m.removeLocked(key, e)
		m.scheduleLocked()
	}
	now := m.clock.Now()
	m.mu.Unlock()
	if ok {
		m.logger.Debug("lock removed", "key", key)
		m.publish(context.Background(), []Event{{Op: OpRemove, Key: key, At: now}})
	}
}

// RemoveIfFree deletes key only when nobody holds it, reclaiming an expired
// holder first. It reports whether the key was removed.
func (m *Manager[T]) RemoveIfFree(key string) bool {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		m.mu.Unlock()
		return false
	}
	now := m.clock.Now()
	var evs []Event
	if ev, reclaimed := m.reclaimLocked(key, e, now); reclaimed {
		evs = append(evs, ev)
	}
	removed := !e.held
	if removed {
		m.removeLocked(key, e)
		m.scheduleLocked()
		evs = append(evs, Event{Op: OpRemove, Key: key, At: now})
	}
	m.mu.Unlock()
	if removed {
		m.logger.Debug("lock removed", "key", key)
	}
	m.publish(context.Background(), evs)
	return removed
}

// DestroyAll removes every registered key.
func (m *Manager[T]) DestroyAll() {
	m.mu.Lock()
	keys := make([]string, 0, len(m.entries))
	for k, e := range m.entries {
		m.removeLocked(k, e)
		keys = append(keys, k)
	}
	m.scheduleLocked()
	now := m.clock.Now()
	m.mu.Unlock()

	sort.Strings(keys)
	evs := make([]Event, 0, len(keys))
	for _, k := range keys {
		evs = append(evs, Event{Op: OpRemove, Key: k, At: now})
	}
	m.publish(context.Background(), evs)
}

func (m *Manager[T]) removeLocked(key string, e *entry[T]) {
	if e.item != nil {
		m.queue.remove(e.item)
		e.item = nil
	}
	if e.held {
		e.held = false
		m.held--
		metrics.LockHeldGauge.Dec()
	}
	delete(m.entries, key)
}

// Acquire takes the lock for key without waiting. It fails with
// ErrUnknownKey if key was never registered and with ErrAlreadyHeld if
// another holder has it. When ttl is positive the lock is released
// automatically once ttl elapses; the returned Handle is then stale and
// releasing it does nothing.
func (m *Manager[T]) Acquire(ctx context.Context, key string, ttl time.Duration) (*Handle[T], error) {
	var span trace.Span
	if m.traceEnabled {
		ctx, span = tracer.Start(ctx, "Lock.Acquire", trace.WithAttributes(
			attribute.String("warden.lock.key", key),
			attribute.Int64("warden.lock.ttl_ms", ttl.Milliseconds()),
		))
		defer span.End()
	}
	if err := ctx.Err(); err != nil {
		recordError(span, err)
		return nil, err
	}

	m.mu.Lock()
	now := m.clock.Now()
	e, ok := m.entries[key]
	if !ok {
		m.mu.Unlock()
		err := fmt.Errorf("lock %q: %w", key, wardenerrors.ErrUnknownKey)
		recordError(span, err)
		return nil, err
	}
	var evs []Event
	if ev, ok := m.reclaimLocked(key, e, now); ok {
		evs = append(evs, ev)
	}
	if e.held {
		m.mu.Unlock()
		metrics.LockContentionCounter.Inc()
		m.publish(ctx, evs)
		err := fmt.Errorf("lock %q: %w", key, wardenerrors.ErrAlreadyHeld)
		recordError(span, err)
		return nil, err
	}

	m.seq++
	e.held = true
	e.gen = m.seq
	e.token = uuid.NewString()
	m.held++
	if ttl > 0 {
		e.deadline = now.Add(ttl)
		e.item = &deadlineItem{key: key, gen: e.gen, at: e.deadline}
		heap.Push(&m.queue, e.item)
		m.scheduleLocked()
	}
	h := &Handle[T]{
		m:        m,
		key:      key,
		gen:      e.gen,
		token:    e.token,
		payload:  e.payload,
		deadline: e.deadline,
	}
	m.mu.Unlock()

	metrics.LockAcquireCounter.Inc()
	metrics.LockHeldGauge.Inc()
	if span != nil {
		span.SetAttributes(attribute.String("warden.lock.token", h.token))
	}
	evs = append(evs, Event{Op: OpAcquire, Key: key, Token: h.token, At: now})
	m.publish(ctx, evs)
	return h, nil
}

// TryCheck reports whether key could be acquired right now. It is advisory
// only: another caller may acquire the key between TryCheck and a later
// Acquire, so Acquire remains the only atomic test-and-set.
func (m *Manager[T]) TryCheck(key string) error {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("lock %q: %w", key, wardenerrors.ErrUnknownKey)
	}
	ev, reclaimed := m.reclaimLocked(key, e, m.clock.Now())
	held := e.held
	m.mu.Unlock()
	if reclaimed {
		m.publish(context.Background(), []Event{ev})
	}
	if held {
		return fmt.Errorf("lock %q: %w", key, wardenerrors.ErrAlreadyHeld)
	}
	return nil
}

// Get returns a view of key without changing its state.
func (m *Manager[T]) Get(key string) (Info[T], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return Info[T]{}, fmt.Errorf("lock %q: %w", key, wardenerrors.ErrUnknownKey)
	}
	return m.infoLocked(key, e, m.clock.Now()), nil
}

// Snapshot returns a view of every registered lock ordered by key.
func (m *Manager[T]) Snapshot() []Info[T] {
	m.mu.Lock()
	now := m.clock.Now()
	out := make([]Info[T], 0, len(m.entries))
	for k, e := range m.entries {
		out = append(out, m.infoLocked(k, e, now))
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (m *Manager[T]) infoLocked(key string, e *entry[T], now time.Time) Info[T] {
	info := Info[T]{Key: key, Payload: e.payload}
	if e.held && (e.item == nil || now.Before(e.deadline)) {
		info.Held = true
		info.Token = e.token
		info.Deadline = e.deadline
	}
	return info
}

// Len returns the number of registered keys.
func (m *Manager[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Held returns the number of keys currently held, including holders whose
// TTL has passed but which the sweeper has not reclaimed yet.
func (m *Manager[T]) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held
}

// Close stops the background sweeper. Expired locks are still reclaimed
// lazily when they are next acquired or checked.
func (m *Manager[T]) Close() {
	m.mu.Lock()
	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.mu.Unlock()
}

func (m *Manager[T]) release(h *Handle[T]) bool {
	m.mu.Lock()
	e, ok := m.entries[h.key]
	if !ok || !e.held || e.gen != h.gen {
		m.mu.Unlock()
		return false
	}
	if e.item != nil {
		m.queue.remove(e.item)
		e.item = nil
		m.scheduleLocked()
	}
	e.held = false
	e.token = ""
	e.deadline = time.Time{}
	m.held--
	now := m.clock.Now()
	m.mu.Unlock()

	metrics.LockReleaseCounter.Inc()
	metrics.LockHeldGauge.Dec()
	m.publish(context.Background(), []Event{{Op: OpRelease, Key: h.key, Token: h.token, At: now}})
	return true
}

// reclaimLocked expires e if its deadline has passed before the sweeper got
// to it.
func (m *Manager[T]) reclaimLocked(key string, e *entry[T], now time.Time) (Event, bool) {
	if !e.held || e.item == nil || now.Before(e.deadline) {
		return Event{}, false
	}
	m.queue.remove(e.item)
	m.scheduleLocked()
	return m.expireLocked(key, e, now), true
}

func (m *Manager[T]) expireLocked(key string, e *entry[T], now time.Time) Event {
	token := e.token
	e.held = false
	e.item = nil
	e.token = ""
	e.deadline = time.Time{}
	m.held--
	metrics.LockHeldGauge.Dec()
	metrics.LockExpireCounter.Inc()
	m.logger.Warn("lock auto-released after ttl", "key", key, "token", token)
	return Event{Op: OpExpire, Key: key, Token: token, At: now}
}

// scheduleLocked arms the sweeper timer for the earliest pending deadline.
func (m *Manager[T]) scheduleLocked() {
	if m.closed {
		return
	}
	next := m.queue.peek()
	if next == nil {
		if m.timer != nil {
			m.timer.Stop()
			m.timer = nil
		}
		return
	}
	if m.timer != nil && m.timerAt.Equal(next.at) {
		return
	}
	if m.timer != nil {
		m.timer.Stop()
	}
	d := next.at.Sub(m.clock.Now())
	if d < 0 {
		d = 0
	}
	m.timerAt = next.at
	m.timer = m.clock.AfterFunc(d, m.sweep)
}

// sweep reclaims every acquisition whose deadline has passed, then re-arms
// the timer. A sweep fired by an already replaced timer is harmless.
func (m *Manager[T]) sweep() {
	m.mu.Lock()
	now := m.clock.Now()
	var evs []Event
	for {
		it := m.queue.peek()
		if it == nil || now.Before(it.at) {
			break
		}
		heap.Pop(&m.queue)
		e, ok := m.entries[it.key]
		if !ok || e.item != it || e.gen != it.gen {
			continue
		}
		evs = append(evs, m.expireLocked(it.key, e, now))
	}
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.scheduleLocked()
	m.mu.Unlock()
	m.publish(context.Background(), evs)
}

func (m *Manager[T]) publish(ctx context.Context, evs []Event) {
	if m.bus == nil {
		return
	}
	for _, ev := range evs {
		data, err := json.Marshal(ev)
		if err != nil {
			m.logger.Error("lock event encode failed", "key", ev.Key, "err", err)
			continue
		}
		if err := m.bus.Publish(ctx, Topic(ev.Key), data); err != nil {
			m.logger.Debug("lock event publish failed", "key", ev.Key, "err", err)
		}
	}
}

func recordError(span trace.Span, err error) {
	if span == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
