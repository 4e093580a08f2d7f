// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package session tracks agent sessions: identity resolution between the
// CLI's external session ids and internal records, the per-session stream
// state machine, and durable session/message storage.
package session

import (
	"encoding/json"
	"time"
)

// Origin identifies who created a session first.
type Origin string

const (
	// OriginTerminal is a session first seen via a CLI hook callback.
	OriginTerminal Origin = "terminal"
	// OriginWeb is a session created eagerly by a viewer, waiting for its CLI.
	OriginWeb Origin = "web"
)

// Status is the session lifecycle status.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

// StreamState is the per-turn streaming state machine.
type StreamState string

const (
	// StateIdle is the initial state and the state between turns.
	StateIdle StreamState = "idle"
	// StateStreaming is entered on a user prompt, left on stop or dead controller.
	StateStreaming StreamState = "streaming"
	// StateBackgroundTasks is reserved for asynchronous post-turn work.
	StateBackgroundTasks StreamState = "background_tasks"
)

// TranscriptCursor marks how far into a transcript file a session has been
// read. Offset never decreases except when the file shrinks (truncation or
// rotation), in which case reading restarts from 0. LastUUID is the marker
// of the last record already delivered, guarding against double-delivery.
type TranscriptCursor struct {
	LastUUID string `json:"last_processed_marker,omitempty"`
	Offset   int64  `json:"last_byte_offset"`
}

// Session is the identity and status anchor for one agent conversation.
type Session struct {
	ID              string           `json:"id"`
	ExternalID      string           `json:"external_id,omitempty"`
	Origin          Origin           `json:"origin"`
	Status          Status           `json:"status"`
	StreamState     StreamState      `json:"stream_state"`
	BackgroundTasks int              `json:"background_tasks,omitempty"`
	Model           string           `json:"model,omitempty"`
	TranscriptPath  string           `json:"transcript_path,omitempty"`
	Cursor          TranscriptCursor `json:"cursor"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// Message is one persisted conversation artifact. Seq is a monotonically
// increasing per-session sequence number assigned by the store. Marker is
// the transcript UUID for records that came from the transcript file; the
// store de-duplicates on it.
type Message struct {
	Seq        int64           `json:"seq"`
	Role       string          `json:"role"`
	Text       string          `json:"text,omitempty"`
	Marker     string          `json:"marker,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolInput  json.RawMessage `json:"tool_input,omitempty"`
	ToolOutput json.RawMessage `json:"tool_output,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}
