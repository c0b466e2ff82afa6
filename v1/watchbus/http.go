package watchbus

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
)

// subscribe resolves the watched topic from the "topic" or "prefix" query
// parameter. It returns false after writing a 400 when neither is set.
func subscribe(ctx context.Context, bus WatchBus, w http.ResponseWriter, r *http.Request) (string, chan []byte, bool) {
	q := r.URL.Query()
	if topic := q.Get("topic"); topic != "" {
		ch, err := bus.Watch(ctx, topic)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return "", nil, false
		}
		return topic, ch, true
	}
	if prefix := q.Get("prefix"); prefix != "" {
		ch, err := bus.WatchPrefix(ctx, prefix)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return "", nil, false
		}
		return prefix, ch, true
	}
	http.Error(w, "missing topic or prefix", http.StatusBadRequest)
	return "", nil, false
}

// SSEHandler streams WatchBus events over Server-Sent Events.
func SSEHandler(bus WatchBus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "stream unsupported", http.StatusInternalServerError)
			return
		}
		ctx, cancel := context.WithCancel(r.Context())
		topic, ch, ok := subscribe(ctx, bus, w, r)
		if !ok {
			cancel()
			return
		}
		defer func() {
			cancel()
			_ = bus.Unwatch(context.Background(), topic, ch)
		}()
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", msg); err != nil {
					return
				}
				flusher.Flush()
			case <-ctx.Done():
				return
			}
		}
	}
}

var upgrader = websocket.Upgrader{}

// WebSocketHandler streams WatchBus events over WebSocket, one text frame
// per event.
func WebSocketHandler(bus WatchBus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("topic") == "" && q.Get("prefix") == "" {
			http.Error(w, "missing topic or prefix", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		ctx, cancel := context.WithCancel(r.Context())
		topic, ch, ok := subscribe(ctx, bus, w, r)
		if !ok {
			cancel()
			return
		}
		defer func() {
			cancel()
			_ = bus.Unwatch(context.Background(), topic, ch)
		}()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
}
