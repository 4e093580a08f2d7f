// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wingedpig/lattice/internal/broadcast"
)

// ErrNotFound is returned when a session id does not resolve to a record.
var ErrNotFound = errors.New("session not found")

// Broadcaster is the push-channel surface the manager needs to announce
// status changes.
type Broadcaster interface {
	PublishToSession(sessionID string, event broadcast.Event)
}

// Manager is the in-memory session registry backed by the store. All
// resolution and state transitions are serialized on one mutex, so two hook
// callbacks racing on the same unknown external id cannot create duplicate
// records.
type Manager struct {
	mu         sync.Mutex
	sessions   map[string]*Session
	byExternal map[string]string // external id -> internal id, active sessions only
	store      *Store
	bus        Broadcaster
}

// NewManager creates a manager and loads existing records from the store.
func NewManager(store *Store, bus Broadcaster) (*Manager, error) {
	m := &Manager{
		sessions:   make(map[string]*Session),
		byExternal: make(map[string]string),
		store:      store,
		bus:        bus,
	}

	records, err := store.LoadSessions()
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	for i := range records {
		rec := records[i]
		// A process restart orphans any in-flight turn; nothing will ever
		// deliver the stop for it.
		rec.StreamState = StateIdle
		rec.BackgroundTasks = 0
		m.sessions[rec.ID] = &rec
		if rec.ExternalID != "" && rec.Status == StatusActive {
			m.byExternal[rec.ExternalID] = rec.ID
		}
	}
	return m, nil
}

// Resolve maps an external CLI session id to an internal session, creating
// or adopting one as needed. Resolution order: known mapping, then the most
// recently created active session with no external id yet (a web-created
// session waiting for its CLI), then a fresh terminal-origin session. The
// second return reports whether a new record was created.
func (m *Manager) Resolve(externalID string) (Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byExternal[externalID]; ok {
		if s, ok := m.sessions[id]; ok && s.Status == StatusActive {
			return *s, false, nil
		}
		delete(m.byExternal, externalID)
	}

	// Adopt the newest unlinked active session. Web viewers create sessions
	// before the CLI announces itself; first callback wins the link.
	var candidate *Session
	for _, s := range m.sessions {
		if s.Status != StatusActive || s.ExternalID != "" {
			continue
		}
		if candidate == nil || s.CreatedAt.After(candidate.CreatedAt) {
			candidate = s
		}
	}
	if candidate != nil {
		candidate.ExternalID = externalID
		candidate.UpdatedAt = time.Now()
		m.byExternal[externalID] = candidate.ID
		if err := m.persist(); err != nil {
			return Session{}, false, err
		}
		log.Printf("session: linked external id %s to session %s", externalID, candidate.ID)
		return *candidate, false, nil
	}

	s := m.newSession(OriginTerminal)
	s.ExternalID = externalID
	m.sessions[s.ID] = s
	m.byExternal[externalID] = s.ID
	if err := m.persist(); err != nil {
		delete(m.sessions, s.ID)
		delete(m.byExternal, externalID)
		return Session{}, false, err
	}
	log.Printf("session: created %s for external id %s", s.ID, externalID)
	return *s, true, nil
}

// Create makes a new session that is not yet linked to any external id.
func (m *Manager) Create(origin Origin) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.newSession(origin)
	m.sessions[s.ID] = s
	if err := m.persist(); err != nil {
		delete(m.sessions, s.ID)
		return Session{}, err
	}
	return *s, nil
}

func (m *Manager) newSession(origin Origin) *Session {
	now := time.Now()
	return &Session{
		ID:          uuid.New().String(),
		Origin:      origin,
		Status:      StatusActive,
		StreamState: StateIdle,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Get returns a session by internal id.
func (m *Manager) Get(id string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// List returns all sessions, newest first.
func (m *Manager) List() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// SetStreaming moves a session into the streaming state. Idempotent; the
// status event is only broadcast on an actual transition.
func (m *Manager) SetStreaming(id string) error {
	return m.transition(id, StateStreaming, 0)
}

// SetIdle moves a session back to idle and clears any background task count.
func (m *Manager) SetIdle(id string) error {
	return m.transition(id, StateIdle, 0)
}

// SetBackgroundTasks records n outstanding background tasks. With n > 0 the
// session shows background_tasks; at zero it returns to idle.
func (m *Manager) SetBackgroundTasks(id string, n int) error {
	state := StateBackgroundTasks
	if n <= 0 {
		state = StateIdle
		n = 0
	}
	return m.transition(id, state, n)
}

func (m *Manager) transition(id string, state StreamState, tasks int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.StreamState == state && s.BackgroundTasks == tasks {
		return nil
	}
	s.StreamState = state
	s.BackgroundTasks = tasks
	s.UpdatedAt = time.Now()
	if err := m.persist(); err != nil {
		return err
	}

	// Published under the lock so racing transitions broadcast in the same
	// order the state changed; fanout sends are non-blocking.
	m.bus.PublishToSession(id, broadcast.NewEvent(broadcast.EventSessionStatus, "", map[string]interface{}{
		"status":           string(s.StreamState),
		"background_tasks": s.BackgroundTasks,
	}))
	return nil
}

// IsStreaming reports whether a session is currently mid-turn.
func (m *Manager) IsStreaming(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	return ok && s.StreamState == StateStreaming
}

// SetTranscript records the transcript file path announced by the CLI.
func (m *Manager) SetTranscript(id, path string) error {
	return m.update(id, func(s *Session) {
		s.TranscriptPath = path
	})
}

// SetModel records the model name announced by the CLI.
func (m *Manager) SetModel(id, model string) error {
	return m.update(id, func(s *Session) {
		s.Model = model
	})
}

// UpdateCursor persists the transcript read position for a session.
func (m *Manager) UpdateCursor(id string, cursor TranscriptCursor) error {
	return m.update(id, func(s *Session) {
		s.Cursor = cursor
	})
}

func (m *Manager) update(id string, fn func(*Session)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	fn(s)
	s.UpdatedAt = time.Now()
	return m.persist()
}

// AppendMessage persists a message on the session's log. The returned
// message carries its assigned sequence number; appended is false when a
// marker duplicate was skipped.
func (m *Manager) AppendMessage(id string, msg Message) (Message, bool, error) {
	m.mu.Lock()
	_, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return Message{}, false, ErrNotFound
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	return m.store.AppendMessage(id, msg)
}

// Messages returns the persisted message log for a session.
func (m *Manager) Messages(id string) ([]Message, error) {
	m.mu.Lock()
	_, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.store.Messages(id)
}

// Complete marks a session finished. Its external id mapping is released.
func (m *Manager) Complete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.Status = StatusCompleted
	s.StreamState = StateIdle
	s.BackgroundTasks = 0
	s.UpdatedAt = time.Now()
	if s.ExternalID != "" {
		delete(m.byExternal, s.ExternalID)
	}
	return m.persist()
}

// Delete removes a session record and its message log.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(m.sessions, id)
	if s.ExternalID != "" {
		delete(m.byExternal, s.ExternalID)
	}
	err := m.persist()
	m.mu.Unlock()

	if err != nil {
		return err
	}
	return m.store.DeleteMessages(id)
}

// persist snapshots all records to the store. Must be called with m.mu held.
func (m *Manager) persist() error {
	records := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		records = append(records, *s)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return m.store.SaveSessions(records)
}
