// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package eventstream pushes block and job state-change events to
// connected operator consoles over WebSocket, adapted from the teacher's
// pkg/streaming/websocket.go: same upgrade-then-fan-out shape, generalized
// from "one connection per SlurmClient watch subscription" to "one
// connection subscribed to every event this core's pollers and lifecycle
// engine emit" (there is only one stream here, not per-resource streams,
// since §1 scopes out the richer job/node/partition watch surface the
// teacher streams).
package eventstream

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/SchedMD/slurm-sub061/internal/health"
)

// Event is what a connected console receives, serialized as JSON.
type Event struct {
	Type      string    `json:"type"`
	BlockID   string    `json:"block_id,omitempty"`
	JobID     int64     `json:"job_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Hub is a broadcast fan-out to every connected WebSocket client.
// Grounded on the teacher's WebSocketServer, minus its multi-stream
// routing (StreamTypeJobs/Nodes/Partitions) since this core has exactly
// one event feed.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[chan Event]struct{}
}

// NewHub builds an empty hub. CheckOrigin always allows, matching the
// teacher's own placeholder ("In production, implement proper origin
// checking") — this core's event stream is an operator-facing
// introspection endpoint (§6), not a public API.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[chan Event]struct{}),
	}
}

// Publish implements health.Sink: it converts a poller event into the
// wire Event shape and fans it out to every connected client. Slow
// clients drop events rather than block the publisher, since health
// pollers must never stall on a stuck WebSocket write.
func (h *Hub) Publish(ev health.Event) {
	h.broadcast(Event{
		Type:      ev.Kind,
		BlockID:   ev.BlockID,
		Reason:    ev.Reason,
		Timestamp: ev.At,
	})
}

// PublishJobEvent lets the job bridge/lifecycle layer push a job-scoped
// event (job_ready, job failed) through the same hub.
func (h *Hub) PublishJobEvent(kind string, jobID int64, reason string) {
	h.broadcast(Event{Type: kind, JobID: jobID, Reason: reason, Timestamp: time.Now()})
}

func (h *Hub) broadcast(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- ev:
		default:
			log.Printf("eventstream: client buffer full, dropping %s event", ev.Type)
		}
	}
}

func (h *Hub) register() chan Event {
	ch := make(chan Event, 64)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) unregister(ch chan Event) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
	close(ch)
}

// HandleWebSocket upgrades the request and streams events to it until the
// client disconnects or the request context is cancelled.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("eventstream: upgrade error: %v", err)
		return
	}
	defer func() {
		if err := conn.Close(); err != nil {
			log.Printf("eventstream: close error: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := h.register()
	defer h.unregister(ch)

	go h.detectClose(conn, cancel)
	h.writeLoop(ctx, conn, ch)
}

// detectClose watches for a client-initiated close so writeLoop's ctx
// cancels promptly, mirroring the teacher's handleIncomingMessages loop
// (this stream is push-only, so the only message we expect from the
// client is a close frame).
func (h *Hub) detectClose(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(ctx context.Context, conn *websocket.Conn, ch chan Event) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				log.Printf("eventstream: write error: %v", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Printf("eventstream: ping error: %v", err)
				return
			}
		}
	}
}

var _ health.Sink = (*Hub)(nil)
