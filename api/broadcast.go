/*
broadcast.go - Server-sent change signals for connected clients

PURPOSE:
  After every committed engine action the Hub pushes a "change" event to
  each open GET /api/events stream. Clients refetch what they display; the
  event carries no payload beyond a sequence number.

DELIVERY:
  Each subscriber has a one-slot buffer. Signals coalesce: a slow client
  that misses several changes still sees at least one event afterwards.
*/
package api

import (
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"
)

// Hub fans change signals out to SSE subscribers. It implements
// economy.Broadcaster.
type Hub struct {
	mu   sync.Mutex
	subs map[chan uint64]struct{}
	seq  uint64

	// Heartbeat keeps idle connections open through proxies.
	Heartbeat time.Duration
}

// NewHub returns an empty hub with a 30s heartbeat.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan uint64]struct{}), Heartbeat: 30 * time.Second}
}

// NotifyClientsOfChange signals every subscriber without blocking.
func (h *Hub) NotifyClientsOfChange() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq++
	for ch := range h.subs {
		select {
		case ch <- h.seq:
		default:
			// A signal is already pending for this client.
		}
	}
}

// Subscribe registers a listener; call the returned func to unsubscribe.
func (h *Hub) Subscribe() (<-chan uint64, func()) {
	ch := make(chan uint64, 1)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
	}
}

// Subscribers reports how many clients are listening.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// ServeHTTP streams change events until the client disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming unsupported", nil)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	events, unsubscribe := h.Subscribe()
	defer unsubscribe()

	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(h.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case seq := <-events:
			if _, err := fmt.Fprintf(w, "id: %d\nevent: change\ndata: {}\n\n", seq); err != nil {
				log.Printf("[Events] write failed: %v", err)
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}
