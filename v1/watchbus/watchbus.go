// Package watchbus streams lock and rate limiter events to in-process
// observers and, through the HTTP handlers, to remote dashboards.
//
// Topics are plain strings. Publishers in this module use "lock:<key>" for
// lock transitions and "route:<route>" for rate limiter denials, so a watcher
// interested in every lock subscribes to the "lock:" prefix.
package watchbus

import "context"

// WatchBus provides a simple message bus for streaming events.
type WatchBus interface {
	// Publish sends data to watchers of topic and to prefix watchers whose
	// prefix matches topic. Slow watchers miss messages instead of blocking.
	Publish(ctx context.Context, topic string, data []byte) error
	// Watch subscribes to messages published on exactly topic.
	Watch(ctx context.Context, topic string) (chan []byte, error)
	// WatchPrefix subscribes to messages on every topic starting with prefix.
	WatchPrefix(ctx context.Context, prefix string) (chan []byte, error)
	// Unwatch stops delivering messages to ch and closes it.
	Unwatch(ctx context.Context, topic string, ch chan []byte) error
}
