// Copyright 2025 The Weft Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sse relays bus events to HTTP clients as Server-Sent Events.
//
// The stream is fire-and-forget: there is no replay and no Last-Event-ID
// handling. A client that needs history reads it from the API and then
// follows the stream.
package sse

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/weftworks/weft/internal/engine/bus"
)

// DefaultHeartbeat is the comment interval used when no interval is set.
const DefaultHeartbeat = 30 * time.Second

// clientBuffer is the per-client frame buffer. A client that falls this
// far behind starts losing its oldest frames.
const clientBuffer = 64

// frame is one serialized SSE message, built once per bus event and
// shared by every client.
type frame struct {
	event string
	data  []byte
}

// Hub fans bus events out to connected SSE clients. A slow client never
// blocks the bus: its oldest buffered frame is dropped to make room.
type Hub struct {
	bus       *bus.Bus
	logger    *slog.Logger
	heartbeat time.Duration

	mu      sync.Mutex
	clients map[uint64]chan frame
	nextID  uint64
	closed  bool

	subID uint64
}

// New creates a hub subscribed to every bus topic.
func New(b *bus.Bus, heartbeat time.Duration, logger *slog.Logger) *Hub {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		bus:       b,
		logger:    logger,
		heartbeat: heartbeat,
		clients:   make(map[uint64]chan frame),
	}
	h.subID = b.Subscribe("*", h.relay)
	return h
}

// relay serializes a bus event once and broadcasts it.
func (h *Hub) relay(e bus.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		h.logger.Warn("dropping unserializable event", "type", e.Type, "error", err)
		return
	}
	h.broadcast(frame{event: string(e.Type), data: data})
}

func (h *Hub) broadcast(f frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.clients {
		select {
		case ch <- f:
		default:
			// Full buffer: drop the client's oldest frame to make room.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- f:
			default:
			}
		}
	}
}

func (h *Hub) register() (uint64, chan frame, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, nil, false
	}
	h.nextID++
	id := h.nextID
	ch := make(chan frame, clientBuffer)
	h.clients[id] = ch
	return id, ch, true
}

func (h *Hub) unregister(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.clients[id]
	if !ok {
		return
	}
	delete(h.clients, id)
	close(ch)
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close unsubscribes from the bus and disconnects every client.
func (h *Hub) Close() {
	h.bus.Unsubscribe(h.subID)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.clients {
		delete(h.clients, id)
		close(ch)
	}
}

// ServeHTTP handles GET /v1/events/stream. It holds the connection open,
// writing named events as they arrive and a `:heartbeat` comment each
// interval so intermediaries keep the connection alive.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	id, ch, ok := h.register()
	if !ok {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer h.unregister(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "event: connected\ndata: {\"heartbeatSeconds\":%d}\n\n", int(h.heartbeat.Seconds()))
	flusher.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ":heartbeat\n\n")
			flusher.Flush()
		case f, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.event, f.data)
			flusher.Flush()
		}
	}
}
