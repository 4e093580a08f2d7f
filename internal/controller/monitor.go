// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package controller tracks the CLI processes driving sessions. Hook
// callbacks register the controlling pid; a background sweep notices when a
// controller died mid-turn and unsticks the session, since a killed CLI
// never delivers its stop callback.
package controller

import (
	"log"
	"sync"
	"time"

	ps "github.com/mitchellh/go-ps"

	"github.com/wingedpig/lattice/internal/broadcast"
)

// Sessions is the slice of the session manager the monitor needs.
type Sessions interface {
	IsStreaming(id string) bool
	SetIdle(id string) error
}

// Broadcaster announces forced turn completions to viewers.
type Broadcaster interface {
	PublishToSession(sessionID string, event broadcast.Event)
}

// registration is one session's controlling process.
type registration struct {
	pid      int
	lastSeen time.Time
}

// Monitor watches registered controller pids. Registrations refresh on
// every hook callback; ones not refreshed within staleAfter are dropped so
// recycled pids from long-dead controllers cannot confuse the sweep.
type Monitor struct {
	mu         sync.Mutex
	regs       map[string]registration
	sessions   Sessions
	bus        Broadcaster
	alive      func(pid int) bool
	staleAfter time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMonitor creates a monitor and starts its sweep loop.
func NewMonitor(sessions Sessions, bus Broadcaster, interval, staleAfter time.Duration) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if staleAfter <= 0 {
		staleAfter = 24 * time.Hour
	}
	m := &Monitor{
		regs:       make(map[string]registration),
		sessions:   sessions,
		bus:        bus,
		alive:      processAlive,
		staleAfter: staleAfter,
	}

	m.stopCh = make(chan struct{})
	m.wg.Add(1)
	go m.sweepLoop(interval)

	return m
}

// processAlive checks the process table without signaling the process.
func processAlive(pid int) bool {
	p, err := ps.FindProcess(pid)
	return err == nil && p != nil
}

// Register records or refreshes the controlling pid for a session. A pid of
// zero means the callback did not identify its process and is ignored.
func (m *Monitor) Register(sessionID string, pid int) {
	if pid <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regs[sessionID] = registration{pid: pid, lastSeen: time.Now()}
}

// Deregister forgets a session's controller, typically when the session
// completes or is deleted.
func (m *Monitor) Deregister(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.regs, sessionID)
}

// Close stops the sweep loop.
func (m *Monitor) Close() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Monitor) sweepLoop(interval time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweep(time.Now())
		}
	}
}

// sweep drops stale registrations and forces streaming sessions with a dead
// controller back to idle.
func (m *Monitor) sweep(now time.Time) {
	m.mu.Lock()
	type check struct {
		sessionID string
		pid       int
	}
	var checks []check
	for sessionID, reg := range m.regs {
		if now.Sub(reg.lastSeen) > m.staleAfter {
			delete(m.regs, sessionID)
			continue
		}
		checks = append(checks, check{sessionID: sessionID, pid: reg.pid})
	}
	m.mu.Unlock()

	for _, c := range checks {
		if !m.sessions.IsStreaming(c.sessionID) {
			continue
		}
		if m.alive(c.pid) {
			continue
		}

		log.Printf("controller: pid %d for session %s is gone, forcing idle", c.pid, c.sessionID)
		m.mu.Lock()
		delete(m.regs, c.sessionID)
		m.mu.Unlock()

		if err := m.sessions.SetIdle(c.sessionID); err != nil {
			log.Printf("controller: force idle %s: %v", c.sessionID, err)
			continue
		}
		m.bus.PublishToSession(c.sessionID, broadcast.NewEvent(broadcast.EventTurnComplete, "", map[string]interface{}{
			"reason": "controller_exited",
		}))
	}
}
