// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Store persists session records and per-session message logs under a state
// directory: sessions.json for records, messages/<id>.jsonl for messages.
// It owns message sequence assignment and marker de-duplication.
type Store struct {
	mu       sync.Mutex
	stateDir string
	meta     map[string]*sessionMeta // Lazily loaded per session
}

// sessionMeta is the in-memory append bookkeeping for one message log.
type sessionMeta struct {
	lastSeq int64
	markers map[string]bool
}

// NewStore creates a store rooted at stateDir. The directory is created on
// first write.
func NewStore(stateDir string) *Store {
	return &Store{
		stateDir: stateDir,
		meta:     make(map[string]*sessionMeta),
	}
}

func (s *Store) sessionsPath() string {
	return filepath.Join(s.stateDir, "sessions.json")
}

func (s *Store) messagesPath(sessionID string) string {
	return filepath.Join(s.stateDir, "messages", sessionID+".jsonl")
}

// LoadSessions reads all session records from disk. A missing or empty file
// is an empty result, not an error.
func (s *Store) LoadSessions() ([]Session, error) {
	data, err := os.ReadFile(s.sessionsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read sessions file: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var records []Session
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse sessions file: %w", err)
	}
	return records, nil
}

// SaveSessions writes all session records to disk atomically.
func (s *Store) SaveSessions(records []Session) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sessions: %w", err)
	}

	if err := os.MkdirAll(s.stateDir, 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	// Atomic write: temp file + rename
	tmpPath := s.sessionsPath() + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write temp sessions file: %w", err)
	}
	if err := os.Rename(tmpPath, s.sessionsPath()); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename sessions file: %w", err)
	}
	return nil
}

// AppendMessage assigns the next sequence number and appends the message to
// the session's log. Messages carrying a marker already seen for the session
// are silently skipped; the second return reports whether the message was
// actually appended.
func (s *Store) AppendMessage(sessionID string, msg Message) (Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.loadMeta(sessionID)
	if err != nil {
		return Message{}, false, err
	}

	if msg.Marker != "" && meta.markers[msg.Marker] {
		return Message{}, false, nil
	}

	meta.lastSeq++
	msg.Seq = meta.lastSeq

	if err := appendLine(s.messagesPath(sessionID), msg); err != nil {
		meta.lastSeq--
		return Message{}, false, err
	}
	if msg.Marker != "" {
		meta.markers[msg.Marker] = true
	}
	return msg, true, nil
}

// Messages reads the full message log for a session in sequence order.
func (s *Store) Messages(sessionID string) ([]Message, error) {
	return loadMessages(s.messagesPath(sessionID))
}

// HasMarker reports whether a transcript marker has already been persisted
// for the session.
func (s *Store) HasMarker(sessionID, marker string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.loadMeta(sessionID)
	if err != nil {
		return false, err
	}
	return meta.markers[marker], nil
}

// DeleteMessages removes a session's message log. Missing files are fine.
func (s *Store) DeleteMessages(sessionID string) error {
	s.mu.Lock()
	delete(s.meta, sessionID)
	s.mu.Unlock()

	if err := os.Remove(s.messagesPath(sessionID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove messages file: %w", err)
	}
	return nil
}

// loadMeta returns the append bookkeeping for a session, scanning the
// existing log on first use. Must be called with s.mu held.
func (s *Store) loadMeta(sessionID string) (*sessionMeta, error) {
	if meta, ok := s.meta[sessionID]; ok {
		return meta, nil
	}

	meta := &sessionMeta{markers: make(map[string]bool)}
	msgs, err := loadMessages(s.messagesPath(sessionID))
	if err != nil {
		return nil, err
	}
	for _, msg := range msgs {
		if msg.Seq > meta.lastSeq {
			meta.lastSeq = msg.Seq
		}
		if msg.Marker != "" {
			meta.markers[msg.Marker] = true
		}
	}
	s.meta[sessionID] = meta
	return meta, nil
}

// loadMessages reads a JSONL message log, one message per line.
func loadMessages(filePath string) ([]Message, error) {
	f, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open messages file: %w", err)
	}
	defer f.Close()

	var msgs []Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 10*1024*1024) // Up to 10MB per line
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			// Tolerate a partial last line from a crash
			break
		}
		msgs = append(msgs, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan messages file: %w", err)
	}
	return msgs, nil
}

// appendLine appends a single message as a JSON line.
func appendLine(filePath string, msg Message) error {
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("create messages dir: %w", err)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	data = append(data, '\n')

	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open messages file for append: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}
