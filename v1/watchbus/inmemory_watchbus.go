package watchbus

import (
	"context"
	"strings"
	"sync"
)

// watchBuffer is the per-watcher channel capacity.
const watchBuffer = 16

// InMemoryWatchBus is an in-memory implementation of WatchBus.
type InMemoryWatchBus struct {
	mu       sync.Mutex
	subs     map[string][]chan []byte
	prefixes map[string][]chan []byte
}

// NewInMemory creates a new InMemoryWatchBus.
func NewInMemory() *InMemoryWatchBus {
	return &InMemoryWatchBus{
		subs:     make(map[string][]chan []byte),
		prefixes: make(map[string][]chan []byte),
	}
}

// Publish implements WatchBus.Publish.
func (b *InMemoryWatchBus) Publish(ctx context.Context, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	chans := append([]chan []byte(nil), b.subs[topic]...)
	for prefix, subs := range b.prefixes {
		if strings.HasPrefix(topic, prefix) {
			chans = append(chans, subs...)
		}
	}
	// Sends happen under the lock so Unwatch cannot close a channel mid-send.
	for _, ch := range chans {
		select {
		case ch <- data:
		default:
		}
	}
	b.mu.Unlock()
	return nil
}

// Watch implements WatchBus.Watch.
func (b *InMemoryWatchBus) Watch(ctx context.Context, topic string) (chan []byte, error) {
	return b.add(ctx, b.subs, topic)
}

// WatchPrefix implements WatchBus.WatchPrefix.
func (b *InMemoryWatchBus) WatchPrefix(ctx context.Context, prefix string) (chan []byte, error) {
	return b.add(ctx, b.prefixes, prefix)
}

func (b *InMemoryWatchBus) add(ctx context.Context, set map[string][]chan []byte, topic string) (chan []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan []byte, watchBuffer)
	b.mu.Lock()
	set[topic] = append(set[topic], ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = b.Unwatch(context.Background(), topic, ch)
	}()
	return ch, nil
}

// Unwatch implements WatchBus.Unwatch. Calling it twice for the same channel
// is harmless.
func (b *InMemoryWatchBus) Unwatch(ctx context.Context, topic string, ch chan []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if removeChan(b.subs, topic, ch) || removeChan(b.prefixes, topic, ch) {
		close(ch)
	}
	return nil
}

// Watchers returns the number of exact and prefix watchers registered for topic.
func (b *InMemoryWatchBus) Watchers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[topic]) + len(b.prefixes[topic])
}

func removeChan(set map[string][]chan []byte, topic string, ch chan []byte) bool {
	subs := set[topic]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			if len(subs) == 0 {
				delete(set, topic)
			} else {
				set[topic] = subs
			}
			return true
		}
	}
	return false
}
