package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/owenstuckman/orbit-engine/internal/otel"
	"github.com/owenstuckman/orbit-engine/pkg/models"
)

const keepaliveInterval = 30 * time.Second

type subscriber struct {
	id int64
	ch chan []byte
}

// SSEHub fans state-change events (task transitions, recorded reviews,
// computed payouts) out to connected operator clients. A subscriber that
// falls behind loses events rather than stalling the publishers.
type SSEHub struct {
	mu     sync.Mutex
	nextID int64
	subs   map[int64]*subscriber
}

func NewSSEHub() *SSEHub {
	return &SSEHub{subs: make(map[int64]*subscriber)}
}

func (h *SSEHub) subscribe() *subscriber {
	h.mu.Lock()
	h.nextID++
	s := &subscriber{id: h.nextID, ch: make(chan []byte, models.DefaultSSEChannelBuffer)}
	h.subs[s.id] = s
	h.mu.Unlock()
	otel.AddSSEConnection()
	return s
}

func (h *SSEHub) drop(s *subscriber) {
	h.mu.Lock()
	if _, ok := h.subs[s.id]; ok {
		delete(h.subs, s.id)
		close(s.ch)
		otel.RemoveSSEConnection()
	}
	h.mu.Unlock()
}

// SubscriberCount reports the number of connected stream clients.
func (h *SSEHub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// PublishJSON marshals v and delivers it to every subscriber that has
// buffer room. Marshal failures are silently dropped; event payloads are
// built from in-process maps and structs.
func (h *SSEHub) PublishJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	otel.RecordSSEEvent(context.Background())
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs {
		select {
		case s.ch <- b:
		default:
		}
	}
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, data []byte) {
	_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}

// Handler serves the text/event-stream endpoint. Each connection gets its
// own buffered subscription for the lifetime of the request context.
func (h *SSEHub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		sub := h.subscribe()
		defer h.drop(sub)

		// Tell the client the stream is live before any real event arrives.
		writeEvent(w, flusher, []byte(`{"type":"connected"}`))

		keepalive := time.NewTicker(keepaliveInterval)
		defer keepalive.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-keepalive.C:
				_, _ = fmt.Fprint(w, ": keepalive\n\n")
				flusher.Flush()
			case msg, ok := <-sub.ch:
				if !ok {
					return
				}
				writeEvent(w, flusher, msg)
			}
		}
	}
}
