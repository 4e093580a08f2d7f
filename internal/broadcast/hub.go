// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package broadcast

import (
	"errors"
	"log"
	"sync"

	"github.com/google/uuid"
)

// ErrClientNotFound is returned when operating on an unknown client id.
var ErrClientNotFound = errors.New("client not found")

// connection is a single registered viewer connection.
type connection struct {
	id         string
	ch         chan Event
	sessionID  string // Current subscription, empty if none
	statusOnly bool   // Global status feed, never session-subscribed
}

// Hub owns the subscriber registry and all fanout. No other component
// touches the registry; everything goes through the operations below.
type Hub struct {
	mu      sync.Mutex
	conns   map[string]*connection
	bufSize int
}

// NewHub creates a hub. bufSize is the per-connection event buffer; a
// connection that falls behind by more than bufSize events starts dropping.
func NewHub(bufSize int) *Hub {
	if bufSize <= 0 {
		bufSize = 100
	}
	return &Hub{
		conns:   make(map[string]*connection),
		bufSize: bufSize,
	}
}

// Register adds a viewer connection and returns its client id and event
// channel. The first event on the channel is always connected{client_id}.
// statusOnly connections receive the lower-fidelity global status feed
// instead of subscribing to a single session.
func (h *Hub) Register(statusOnly bool) (string, <-chan Event) {
	c := &connection{
		id:         uuid.New().String(),
		ch:         make(chan Event, h.bufSize),
		statusOnly: statusOnly,
	}

	h.mu.Lock()
	h.conns[c.id] = c
	// Sent under the lock so a concurrent Shutdown cannot close the channel
	// first. The buffer is empty, the send never blocks.
	c.ch <- NewEvent(EventConnected, "", map[string]interface{}{"client_id": c.id})
	h.mu.Unlock()

	return c.id, c.ch
}

// Subscribe points a connection at a session. A connection is subscribed to
// at most one session; subscribing replaces any prior subscription.
func (h *Hub) Subscribe(clientID, sessionID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.conns[clientID]
	if !ok {
		return ErrClientNotFound
	}
	if c.statusOnly {
		return errors.New("status-only connections cannot subscribe to a session")
	}
	c.sessionID = sessionID
	return nil
}

// Unsubscribe clears a connection's session subscription. Safe to call if
// not subscribed.
func (h *Hub) Unsubscribe(clientID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.conns[clientID]
	if !ok {
		return ErrClientNotFound
	}
	c.sessionID = ""
	return nil
}

// Close removes a connection and closes its channel. Subsequent publishes
// never touch it. Safe to call if already closed.
func (h *Hub) Close(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c, ok := h.conns[clientID]; ok {
		delete(h.conns, clientID)
		close(c.ch)
	}
}

// PublishToSession delivers an event to every connection subscribed to the
// session and, for status-shaped event types, to every status-only global
// connection. Sends are non-blocking; a full buffer drops the event for
// that connection only.
func (h *Hub) PublishToSession(sessionID string, event Event) {
	event.SessionID = sessionID

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.conns {
		if c.sessionID == sessionID || (c.statusOnly && statusFeedTypes[event.Type]) {
			h.send(c, event)
		}
	}
}

// PublishGlobal delivers an event to every registered connection.
func (h *Hub) PublishGlobal(event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.conns {
		h.send(c, event)
	}
}

// send pushes an event onto a connection's buffer. Must be called with h.mu held.
func (h *Hub) send(c *connection, event Event) {
	select {
	case c.ch <- event:
	default:
		log.Printf("broadcast: dropped %s for client %s - buffer full", event.Type, c.id)
	}
}

// SubscriberCount returns how many connections are currently subscribed to
// the session. Status-only connections do not count; they could not act on
// a session-scoped request.
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for _, c := range h.conns {
		if c.sessionID == sessionID {
			n++
		}
	}
	return n
}

// Subscription returns the session a client is subscribed to, if any.
func (h *Hub) Subscription(clientID string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.conns[clientID]
	if !ok || c.sessionID == "" {
		return "", false
	}
	return c.sessionID, true
}

// Shutdown closes every connection.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, c := range h.conns {
		delete(h.conns, id)
		close(c.ch)
	}
}
