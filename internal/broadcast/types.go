// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package broadcast fans out session events to live viewer connections.
package broadcast

import (
	"time"
)

// Event is a single push-channel event delivered to viewers.
type Event struct {
	Type      string                 `json:"type"`
	SessionID string                 `json:"session_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Event types emitted on the push channel.
const (
	EventConnected         = "connected"
	EventSessionStatus     = "session_status"
	EventUserMessage       = "user_message"
	EventAssistantMessage  = "assistant_message"
	EventToolUseMessage    = "tool_use_message"
	EventAskUserQuestion   = "ask_user_question"
	EventQuestionAnswered  = "question_answered"
	EventPermissionRequest = "permission_request"
	EventPermissionDecided = "permission_decided"
	EventTurnComplete      = "turn_complete"
	EventLoadingStart      = "loading_start"
)

// statusFeedTypes are the event types forwarded to status-only global
// connections in addition to the owning session's subscribers.
var statusFeedTypes = map[string]bool{
	EventSessionStatus: true,
	EventTurnComplete:  true,
}

// NewEvent builds an event with the timestamp set.
func NewEvent(eventType, sessionID string, payload map[string]interface{}) Event {
	return Event{
		Type:      eventType,
		SessionID: sessionID,
		Timestamp: time.Now(),
		Payload:   payload,
	}
}
