// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wingedpig/lattice/internal/broadcast"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// clientMessage is what a viewer sends over the socket: a subscription
// change. Anything else is ignored.
type clientMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
}

// StreamHandler serves the WebSocket push channel for viewers.
type StreamHandler struct {
	hub       *broadcast.Hub
	keepalive time.Duration
}

// NewStreamHandler creates a new stream handler. keepalive is the ping
// interval; the read deadline is set a little past it.
func NewStreamHandler(hub *broadcast.Hub, keepalive time.Duration) *StreamHandler {
	if keepalive <= 0 {
		keepalive = 54 * time.Second
	}
	return &StreamHandler{hub: hub, keepalive: keepalive}
}

// WebSocket handles GET /api/v1/stream/ws. With ?feed=status the connection
// gets the global status-only feed and cannot subscribe to a session.
func (h *StreamHandler) WebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	statusOnly := r.URL.Query().Get("feed") == "status"
	clientID, eventCh := h.hub.Register(statusOnly)
	defer h.hub.Close(clientID)

	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(h.keepalive + 6*time.Second))
		return nil
	})

	pingTicker := time.NewTicker(h.keepalive)
	defer pingTicker.Stop()

	// Read loop: subscription changes and close detection
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg clientMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			switch msg.Type {
			case "subscribe":
				if err := h.hub.Subscribe(clientID, msg.SessionID); err != nil {
					log.Printf("stream: subscribe %s: %v", clientID, err)
				}
			case "unsubscribe":
				if err := h.hub.Unsubscribe(clientID); err != nil {
					log.Printf("stream: unsubscribe %s: %v", clientID, err)
				}
			}
		}
	}()

	// Write loop
	for {
		select {
		case event, ok := <-eventCh:
			if !ok {
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-pingTicker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
