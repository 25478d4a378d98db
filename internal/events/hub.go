// Package events fans the watcher's callbacks out to browser clients over
// Server-Sent Events. The hub is the message-passing boundary between the
// tick goroutine and the presentation layer: the core only ever hands it
// immutable payloads.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType tags a hub message.
type EventType string

const (
	// EventSummary carries a full watcher.Summary.
	EventSummary EventType = "summary"
	// EventStatus carries an advisory status line.
	EventStatus EventType = "status"
	// EventLive carries a map-went-live notification.
	EventLive EventType = "live"
)

// Message is one event delivered to every subscriber.
type Message struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Hub tracks SSE subscribers and broadcasts messages to them. Slow clients
// are skipped rather than allowed to block the tick goroutine.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]chan Message
	log     *slog.Logger
}

// NewHub returns an empty hub.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]chan Message),
		log:     log,
	}
}

// Subscribe registers a client and returns its id and receive channel.
func (h *Hub) Subscribe() (string, <-chan Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := uuid.NewString()
	ch := make(chan Message, 64)
	h.clients[id] = ch

	h.log.Debug("sse client connected", slog.String("client", id), slog.Int("total", len(h.clients)))
	return id, ch
}

// Unsubscribe removes a client and closes its channel. Idempotent.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.clients[id]; ok {
		close(ch)
		delete(h.clients, id)
		h.log.Debug("sse client disconnected", slog.String("client", id), slog.Int("remaining", len(h.clients)))
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast delivers msg to every subscriber without blocking. A client
// whose buffer is full misses the message; summaries are republished every
// tick so the loss is transient.
func (h *Hub) Broadcast(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, ch := range h.clients {
		select {
		case ch <- msg:
		default:
			h.log.Debug("sse client buffer full, dropping message",
				slog.String("client", id), slog.String("type", string(msg.Type)))
		}
	}
}
