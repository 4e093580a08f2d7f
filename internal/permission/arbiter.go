// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package permission brokers tool-permission requests between a blocked CLI
// hook and live web viewers. The CLI creates a request and polls for the
// verdict; a viewer decides it; an unattended request is evicted by TTL, and
// pollers see not-found, which the CLI treats as a deny, so it never hangs
// forever.
package permission

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wingedpig/lattice/internal/broadcast"
)

// ErrRequestNotFound is returned when a request id is unknown, already
// collected, or swept.
var ErrRequestNotFound = errors.New("permission request not found")

// Decision behaviors.
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// Bus is the broadcast surface the arbiter needs: announcing requests and
// decisions, and checking whether anyone is watching a session at all.
type Bus interface {
	PublishToSession(sessionID string, event broadcast.Event)
	SubscriberCount(sessionID string) int
}

// Pending is one in-flight permission request.
type Pending struct {
	RequestID string          `json:"request_id"`
	SessionID string          `json:"session_id"`
	ToolName  string          `json:"tool_name"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`
	Decided   bool            `json:"decided"`
	Behavior  string          `json:"behavior,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Arbiter holds pending requests in memory. Requests do not survive a
// restart; a restarted process denies every poll, which the CLI treats the
// same as a timeout.
type Arbiter struct {
	mu      sync.Mutex
	pending map[string]*Pending
	bus     Bus
	ttl     time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewArbiter creates an arbiter and starts its TTL sweeper. ttl is how long
// an undecided request lives before auto-deny; sweepInterval is how often
// the sweeper runs.
func NewArbiter(bus Bus, ttl, sweepInterval time.Duration) *Arbiter {
	if ttl <= 0 {
		ttl = 3 * time.Minute
	}
	if sweepInterval <= 0 {
		sweepInterval = 30 * time.Second
	}
	a := &Arbiter{
		pending: make(map[string]*Pending),
		bus:     bus,
		ttl:     ttl,
	}

	a.stopCh = make(chan struct{})
	a.wg.Add(1)
	go a.sweepLoop(sweepInterval)

	return a
}

// Create registers a permission request and announces it to the session's
// viewers. With no viewer subscribed there is nobody to grant it, so the
// request is created already decided as a deny; the CLI's next poll collects
// the deny. The second return reports whether viewers were present.
func (a *Arbiter) Create(sessionID, toolName string, toolInput json.RawMessage) (*Pending, bool) {
	p := &Pending{
		RequestID: uuid.New().String(),
		SessionID: sessionID,
		ToolName:  toolName,
		ToolInput: toolInput,
		CreatedAt: time.Now(),
	}

	hasSubscribers := a.bus.SubscriberCount(sessionID) > 0
	if !hasSubscribers {
		log.Printf("permission: no viewers for session %s, denying %s", sessionID, toolName)
		p.Decided = true
		p.Behavior = BehaviorDeny
	}

	a.mu.Lock()
	a.pending[p.RequestID] = p
	a.mu.Unlock()

	if hasSubscribers {
		a.bus.PublishToSession(sessionID, broadcast.NewEvent(broadcast.EventPermissionRequest, "", map[string]interface{}{
			"request_id": p.RequestID,
			"tool_name":  toolName,
			"tool_input": toolInput,
		}))
	}
	return p, hasSubscribers
}

// Poll collects the verdict for a request. Once a decided request is polled
// it is removed, so each verdict is handed out exactly once. An undecided
// request returns decided=false and stays.
func (a *Arbiter) Poll(requestID string) (string, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.pending[requestID]
	if !ok {
		return "", false, ErrRequestNotFound
	}
	if !p.Decided {
		return "", false, nil
	}
	delete(a.pending, requestID)
	return p.Behavior, true, nil
}

// Decide records a viewer's verdict and announces it. Deciding an already
// decided request is a no-op; the first verdict wins.
func (a *Arbiter) Decide(requestID, behavior string) error {
	if behavior != BehaviorAllow && behavior != BehaviorDeny {
		return errors.New("behavior must be allow or deny")
	}

	a.mu.Lock()
	p, ok := a.pending[requestID]
	if !ok {
		a.mu.Unlock()
		return ErrRequestNotFound
	}
	if p.Decided {
		a.mu.Unlock()
		return nil
	}
	p.Decided = true
	p.Behavior = behavior
	sessionID := p.SessionID
	a.mu.Unlock()

	a.bus.PublishToSession(sessionID, broadcast.NewEvent(broadcast.EventPermissionDecided, "", map[string]interface{}{
		"request_id": requestID,
		"behavior":   behavior,
	}))
	return nil
}

// ExpireSession denies and drops every undecided request for a session.
// Called when the session's turn ends; the CLI will not poll for them again.
func (a *Arbiter) ExpireSession(sessionID string) {
	a.mu.Lock()
	var expired []string
	for id, p := range a.pending {
		if p.SessionID == sessionID && !p.Decided {
			delete(a.pending, id)
			expired = append(expired, id)
		}
	}
	a.mu.Unlock()

	for _, id := range expired {
		a.bus.PublishToSession(sessionID, broadcast.NewEvent(broadcast.EventPermissionDecided, "", map[string]interface{}{
			"request_id": id,
			"behavior":   BehaviorDeny,
			"expired":    true,
		}))
	}
}

// PendingCount returns how many undecided requests a session has.
func (a *Arbiter) PendingCount(sessionID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := 0
	for _, p := range a.pending {
		if p.SessionID == sessionID && !p.Decided {
			n++
		}
	}
	return n
}

// Close stops the TTL sweeper.
func (a *Arbiter) Close() {
	close(a.stopCh)
	a.wg.Wait()
}

func (a *Arbiter) sweepLoop(interval time.Duration) {
	defer a.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.sweep(time.Now())
		}
	}
}

// sweep evicts requests older than the TTL. An evicted undecided request is
// announced as an expired deny; pollers see not-found from then on, which the
// CLI treats as a deny. Decided requests nobody polled are dropped silently,
// their verdict already went out.
func (a *Arbiter) sweep(now time.Time) {
	a.mu.Lock()
	type expiry struct {
		requestID string
		sessionID string
	}
	var expired []expiry
	for id, p := range a.pending {
		if now.Sub(p.CreatedAt) <= a.ttl {
			continue
		}
		delete(a.pending, id)
		if !p.Decided {
			expired = append(expired, expiry{requestID: id, sessionID: p.SessionID})
		}
	}
	a.mu.Unlock()

	for _, e := range expired {
		log.Printf("permission: request %s timed out, denying", e.requestID)
		a.bus.PublishToSession(e.sessionID, broadcast.NewEvent(broadcast.EventPermissionDecided, "", map[string]interface{}{
			"request_id": e.requestID,
			"behavior":   BehaviorDeny,
			"expired":    true,
		}))
	}
}
