// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package hooks is the domain logic behind the CLI hook callbacks. Each
// callback is fire-and-forget from the CLI's point of view; the service
// resolves the session, updates state, and fans events out to viewers.
package hooks

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/wingedpig/lattice/internal/broadcast"
	"github.com/wingedpig/lattice/internal/permission"
	"github.com/wingedpig/lattice/internal/session"
	"github.com/wingedpig/lattice/internal/transcript"
)

// Tool-use phases reported by the CLI.
const (
	PhasePre  = "pre"
	PhasePost = "post"
)

// askUserQuestionTool is the CLI tool whose pre-use phase carries a
// structured multiple-choice question for the human.
const askUserQuestionTool = "AskUserQuestion"

// Payload is the common hook callback body. The CLI sends the same envelope
// to every hook endpoint with the fields relevant to that hook filled in.
type Payload struct {
	SessionID      string          `json:"session_id"`
	TranscriptPath string          `json:"transcript_path,omitempty"`
	ControllerPID  int             `json:"controller_pid,omitempty"`
	Model          string          `json:"model,omitempty"`
	Prompt         string          `json:"prompt,omitempty"`
	Phase          string          `json:"phase,omitempty"`
	ToolName       string          `json:"tool_name,omitempty"`
	ToolInput      json.RawMessage `json:"tool_input,omitempty"`
	ToolOutput     json.RawMessage `json:"tool_output,omitempty"`
}

// TranscriptWatcher is the file-watch surface the service drives.
type TranscriptWatcher interface {
	Watch(sessionID, path string) error
	Unwatch(sessionID string)
}

// ControllerRegistry tracks the CLI pids behind sessions.
type ControllerRegistry interface {
	Register(sessionID string, pid int)
	Deregister(sessionID string)
}

// Service ties the session registry, transcript tailing, permission
// arbitration and event fanout together. One method per hook.
type Service struct {
	sessions *session.Manager
	hub      *broadcast.Hub
	arbiter  *permission.Arbiter
	registry ControllerRegistry
	watcher  TranscriptWatcher

	mu            sync.Mutex
	openQuestions map[string][]string // session id -> outstanding question ids
	tailMu        sync.Mutex          // serializes tail passes across hooks and the watcher
}

// NewService creates the hook service. registry and watcher may be nil when
// the corresponding background facility is not running.
func NewService(sessions *session.Manager, hub *broadcast.Hub, arbiter *permission.Arbiter, registry ControllerRegistry, watcher TranscriptWatcher) *Service {
	return &Service{
		sessions:      sessions,
		hub:           hub,
		arbiter:       arbiter,
		registry:      registry,
		watcher:       watcher,
		openQuestions: make(map[string][]string),
	}
}

// resolve maps the callback to a session and refreshes whatever ambient
// facts the payload carries: model, transcript path, controller pid.
func (s *Service) resolve(p Payload) (session.Session, error) {
	if p.SessionID == "" {
		return session.Session{}, fmt.Errorf("hook payload missing session_id")
	}

	sess, _, err := s.sessions.Resolve(p.SessionID)
	if err != nil {
		return session.Session{}, err
	}

	if p.Model != "" && p.Model != sess.Model {
		if err := s.sessions.SetModel(sess.ID, p.Model); err != nil {
			return session.Session{}, err
		}
	}
	if p.TranscriptPath != "" && p.TranscriptPath != sess.TranscriptPath {
		if err := s.sessions.SetTranscript(sess.ID, p.TranscriptPath); err != nil {
			return session.Session{}, err
		}
		sess.TranscriptPath = p.TranscriptPath
		if s.watcher != nil {
			if err := s.watcher.Watch(sess.ID, p.TranscriptPath); err != nil {
				log.Printf("hooks: watch transcript for %s: %v", sess.ID, err)
			}
		}
	}
	if s.registry != nil {
		s.registry.Register(sess.ID, p.ControllerPID)
	}
	return sess, nil
}

// SessionStart handles the CLI announcing itself.
func (s *Service) SessionStart(p Payload) error {
	_, err := s.resolve(p)
	return err
}

// UserPrompt persists the human's prompt, starts the turn, and tells viewers
// a response is on the way.
func (s *Service) UserPrompt(p Payload) error {
	sess, err := s.resolve(p)
	if err != nil {
		return err
	}

	msg, _, err := s.sessions.AppendMessage(sess.ID, session.Message{
		Role: "user",
		Text: p.Prompt,
	})
	if err != nil {
		return err
	}

	if err := s.sessions.SetStreaming(sess.ID); err != nil {
		return err
	}

	s.hub.PublishToSession(sess.ID, broadcast.NewEvent(broadcast.EventUserMessage, "", map[string]interface{}{
		"seq":  msg.Seq,
		"text": msg.Text,
	}))
	s.hub.PublishToSession(sess.ID, broadcast.NewEvent(broadcast.EventLoadingStart, "", nil))
	return nil
}

// ToolUse handles both phases of a tool invocation. The pre phase only
// matters for AskUserQuestion, which is surfaced to viewers immediately; the
// post phase persists the invocation and takes an opportunistic tail pass,
// since the transcript usually gained assistant text just before the tool
// ran.
func (s *Service) ToolUse(p Payload) error {
	sess, err := s.resolve(p)
	if err != nil {
		return err
	}

	switch p.Phase {
	case PhasePre:
		if p.ToolName != askUserQuestionTool {
			return nil
		}
		questionID := uuid.New().String()
		s.mu.Lock()
		s.openQuestions[sess.ID] = append(s.openQuestions[sess.ID], questionID)
		s.mu.Unlock()

		s.hub.PublishToSession(sess.ID, broadcast.NewEvent(broadcast.EventAskUserQuestion, "", map[string]interface{}{
			"question_id": questionID,
			"input":       p.ToolInput,
		}))
		return nil

	case PhasePost:
		if p.ToolName == askUserQuestionTool {
			// The human answered in the terminal; retract the question
			s.closeQuestions(sess.ID, p.ToolOutput)
		}

		msg, _, err := s.sessions.AppendMessage(sess.ID, session.Message{
			Role:       "tool",
			ToolName:   p.ToolName,
			ToolInput:  p.ToolInput,
			ToolOutput: p.ToolOutput,
		})
		if err != nil {
			return err
		}

		s.hub.PublishToSession(sess.ID, broadcast.NewEvent(broadcast.EventToolUseMessage, "", map[string]interface{}{
			"seq":       msg.Seq,
			"tool_name": p.ToolName,
		}))
		s.TailSession(sess.ID)
		return nil

	default:
		return fmt.Errorf("unknown tool-use phase %q", p.Phase)
	}
}

// PermissionRequest registers a tool-permission request for the session.
// With no viewer watching it reports has_subscribers=false and the request
// is already denied; the CLI's poll collects the deny.
func (s *Service) PermissionRequest(p Payload) (string, bool, error) {
	sess, err := s.resolve(p)
	if err != nil {
		return "", false, err
	}

	pending, hasSubscribers := s.arbiter.Create(sess.ID, p.ToolName, p.ToolInput)
	return pending.RequestID, hasSubscribers, nil
}

// PermissionPoll collects the verdict for a request, destructively.
func (s *Service) PermissionPoll(requestID string) (string, bool, error) {
	return s.arbiter.Poll(requestID)
}

// PermissionDecide records a viewer's verdict. Unlike the hook callbacks
// this is viewer-facing, so errors surface to the caller.
func (s *Service) PermissionDecide(requestID, behavior string) error {
	return s.arbiter.Decide(requestID, behavior)
}

// Stop finishes the turn: drain whatever transcript text is left, retire
// pending permissions and open questions, return to idle, announce the turn
// complete.
func (s *Service) Stop(p Payload) error {
	sess, err := s.resolve(p)
	if err != nil {
		return err
	}

	s.TailSession(sess.ID)
	s.arbiter.ExpireSession(sess.ID)
	s.closeQuestions(sess.ID, nil)

	if err := s.sessions.SetIdle(sess.ID); err != nil {
		return err
	}
	s.hub.PublishToSession(sess.ID, broadcast.NewEvent(broadcast.EventTurnComplete, "", map[string]interface{}{
		"reason": "stop",
	}))
	return nil
}

// CompleteSession marks a session finished on behalf of a viewer and tears
// down its background facilities.
func (s *Service) CompleteSession(sessionID string) error {
	if err := s.sessions.Complete(sessionID); err != nil {
		return err
	}
	s.teardown(sessionID)
	return nil
}

// DeleteSession removes a session on behalf of a viewer.
func (s *Service) DeleteSession(sessionID string) error {
	if err := s.sessions.Delete(sessionID); err != nil {
		return err
	}
	s.teardown(sessionID)
	return nil
}

func (s *Service) teardown(sessionID string) {
	if s.watcher != nil {
		s.watcher.Unwatch(sessionID)
	}
	if s.registry != nil {
		s.registry.Deregister(sessionID)
	}
	s.arbiter.ExpireSession(sessionID)
	s.closeQuestions(sessionID, nil)
}

// closeQuestions retires every open question for a session, broadcasting
// question_answered with whatever answers are known (nil when the turn ended
// without any).
func (s *Service) closeQuestions(sessionID string, answers json.RawMessage) {
	s.mu.Lock()
	open := s.openQuestions[sessionID]
	delete(s.openQuestions, sessionID)
	s.mu.Unlock()

	for _, questionID := range open {
		s.hub.PublishToSession(sessionID, broadcast.NewEvent(broadcast.EventQuestionAnswered, "", map[string]interface{}{
			"question_id": questionID,
			"answers":     answers,
		}))
	}
}

// TailSession reads new assistant text from the session's transcript,
// persists it, broadcasts it, and advances the cursor. Safe to call from
// both hook handlers and the file watcher; passes are serialized so the
// same bytes are never processed twice.
func (s *Service) TailSession(sessionID string) {
	s.tailMu.Lock()
	defer s.tailMu.Unlock()

	sess, ok := s.sessions.Get(sessionID)
	if !ok || sess.TranscriptPath == "" {
		return
	}

	records, cursor, err := transcript.Tail(sess.TranscriptPath, sess.Cursor)
	if err != nil {
		log.Printf("hooks: tail transcript for %s: %v", sessionID, err)
		return
	}

	for _, rec := range records {
		msg, appended, err := s.sessions.AppendMessage(sessionID, session.Message{
			Role:      "assistant",
			Text:      rec.Text,
			Marker:    rec.UUID,
			Timestamp: rec.Timestamp,
		})
		if err != nil {
			log.Printf("hooks: persist assistant message for %s: %v", sessionID, err)
			return
		}
		if !appended {
			continue
		}
		s.hub.PublishToSession(sessionID, broadcast.NewEvent(broadcast.EventAssistantMessage, "", map[string]interface{}{
			"seq":  msg.Seq,
			"text": msg.Text,
		}))
	}

	if cursor != sess.Cursor {
		if err := s.sessions.UpdateCursor(sessionID, cursor); err != nil {
			log.Printf("hooks: update cursor for %s: %v", sessionID, err)
		}
	}
}
