// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package hooks

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wingedpig/lattice/internal/broadcast"
	"github.com/wingedpig/lattice/internal/permission"
	"github.com/wingedpig/lattice/internal/session"
)

type fixture struct {
	svc      *Service
	sessions *session.Manager
	hub      *broadcast.Hub
	arbiter  *permission.Arbiter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	hub := broadcast.NewHub(100)
	mgr, err := session.NewManager(session.NewStore(t.TempDir()), hub)
	require.NoError(t, err)
	arbiter := permission.NewArbiter(hub, time.Minute, time.Minute)
	t.Cleanup(arbiter.Close)

	return &fixture{
		svc:      NewService(mgr, hub, arbiter, nil, nil),
		sessions: mgr,
		hub:      hub,
		arbiter:  arbiter,
	}
}

// viewer registers a connection subscribed to the session resolved from the
// external id, returning its event channel with the connected event drained.
func (f *fixture) viewer(t *testing.T, sessionID string) <-chan broadcast.Event {
	t.Helper()
	clientID, ch := f.hub.Register(false)
	<-ch // connected
	require.NoError(t, f.hub.Subscribe(clientID, sessionID))
	return ch
}

func drain(ch <-chan broadcast.Event) []broadcast.Event {
	var events []broadcast.Event
	for {
		select {
		case ev := <-ch:
			events = append(events, ev)
		default:
			return events
		}
	}
}

func types(events []broadcast.Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func writeTranscript(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestService_FullTurn(t *testing.T) {
	f := newFixture(t)
	transcriptPath := filepath.Join(t.TempDir(), "transcript.jsonl")

	require.NoError(t, f.svc.SessionStart(Payload{
		SessionID:      "ext-1",
		Model:          "m1",
		TranscriptPath: transcriptPath,
	}))

	sess, created, err := f.sessions.Resolve("ext-1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "m1", sess.Model)
	assert.Equal(t, transcriptPath, sess.TranscriptPath)

	ch := f.viewer(t, sess.ID)

	require.NoError(t, f.svc.UserPrompt(Payload{SessionID: "ext-1", Prompt: "do the thing"}))
	assert.True(t, f.sessions.IsStreaming(sess.ID))

	writeTranscript(t, transcriptPath,
		`{"uuid":"a1","message":{"role":"assistant","content":[{"type":"text","text":"working on it"}]}}`+"\n")

	require.NoError(t, f.svc.ToolUse(Payload{
		SessionID: "ext-1",
		Phase:     PhasePost,
		ToolName:  "Bash",
		ToolInput: []byte(`{"command":"ls"}`),
	}))

	require.NoError(t, f.svc.Stop(Payload{SessionID: "ext-1"}))
	assert.False(t, f.sessions.IsStreaming(sess.ID))

	events := drain(ch)
	assert.Equal(t, []string{
		broadcast.EventSessionStatus, // streaming
		broadcast.EventUserMessage,
		broadcast.EventLoadingStart,
		broadcast.EventToolUseMessage,
		broadcast.EventAssistantMessage,
		broadcast.EventSessionStatus, // idle
		broadcast.EventTurnComplete,
	}, types(events))

	msgs, err := f.sessions.Messages(sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "do the thing", msgs[0].Text)
	assert.Equal(t, "tool", msgs[1].Role)
	assert.Equal(t, "Bash", msgs[1].ToolName)
	assert.Equal(t, "assistant", msgs[2].Role)
	assert.Equal(t, "working on it", msgs[2].Text)

	// Cursor advanced past everything delivered
	sess, _ = f.sessions.Get(sess.ID)
	assert.Equal(t, "a1", sess.Cursor.LastUUID)
}

func TestService_TailIsIdempotent(t *testing.T) {
	f := newFixture(t)
	transcriptPath := filepath.Join(t.TempDir(), "transcript.jsonl")
	writeTranscript(t, transcriptPath,
		`{"uuid":"a1","message":{"role":"assistant","content":[{"type":"text","text":"once"}]}}`+"\n")

	require.NoError(t, f.svc.SessionStart(Payload{SessionID: "ext-1", TranscriptPath: transcriptPath}))
	sess, _, err := f.sessions.Resolve("ext-1")
	require.NoError(t, err)
	ch := f.viewer(t, sess.ID)

	f.svc.TailSession(sess.ID)
	f.svc.TailSession(sess.ID)

	events := drain(ch)
	require.Len(t, events, 1)
	assert.Equal(t, broadcast.EventAssistantMessage, events[0].Type)
}

func TestService_PermissionFlow(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.SessionStart(Payload{SessionID: "ext-1"}))
	sess, _, err := f.sessions.Resolve("ext-1")
	require.NoError(t, err)
	ch := f.viewer(t, sess.ID)

	requestID, hasSubscribers, err := f.svc.PermissionRequest(Payload{
		SessionID: "ext-1",
		ToolName:  "Bash",
		ToolInput: []byte(`{"command":"rm -rf /tmp/x"}`),
	})
	require.NoError(t, err)
	require.True(t, hasSubscribers)
	require.NotEmpty(t, requestID)

	events := drain(ch)
	require.Len(t, events, 1)
	assert.Equal(t, broadcast.EventPermissionRequest, events[0].Type)
	assert.Equal(t, requestID, events[0].Payload["request_id"])

	// CLI polls before the human decides
	_, decided, err := f.svc.PermissionPoll(requestID)
	require.NoError(t, err)
	assert.False(t, decided)

	require.NoError(t, f.svc.PermissionDecide(requestID, permission.BehaviorAllow))

	behavior, decided, err := f.svc.PermissionPoll(requestID)
	require.NoError(t, err)
	assert.True(t, decided)
	assert.Equal(t, permission.BehaviorAllow, behavior)

	events = drain(ch)
	require.Len(t, events, 1)
	assert.Equal(t, broadcast.EventPermissionDecided, events[0].Type)
}

func TestService_PermissionWithoutViewers(t *testing.T) {
	f := newFixture(t)

	requestID, hasSubscribers, err := f.svc.PermissionRequest(Payload{
		SessionID: "ext-1",
		ToolName:  "Bash",
	})
	require.NoError(t, err)
	assert.False(t, hasSubscribers)
	require.NotEmpty(t, requestID)

	// The auto-denied request is still pollable, once
	behavior, decided, err := f.svc.PermissionPoll(requestID)
	require.NoError(t, err)
	assert.True(t, decided)
	assert.Equal(t, permission.BehaviorDeny, behavior)

	_, _, err = f.svc.PermissionPoll(requestID)
	assert.ErrorIs(t, err, permission.ErrRequestNotFound)
}

func TestService_AskUserQuestionLifecycle(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.SessionStart(Payload{SessionID: "ext-1"}))
	sess, _, err := f.sessions.Resolve("ext-1")
	require.NoError(t, err)
	ch := f.viewer(t, sess.ID)

	require.NoError(t, f.svc.ToolUse(Payload{
		SessionID: "ext-1",
		Phase:     PhasePre,
		ToolName:  askUserQuestionTool,
		ToolInput: []byte(`{"questions":[{"question":"Which one?","options":["a","b"]}]}`),
	}))

	events := drain(ch)
	require.Len(t, events, 1)
	assert.Equal(t, broadcast.EventAskUserQuestion, events[0].Type)
	questionID := events[0].Payload["question_id"]

	// Turn ends with the question unanswered; viewers get closure
	require.NoError(t, f.svc.Stop(Payload{SessionID: "ext-1"}))

	events = drain(ch)
	assert.Equal(t, []string{
		broadcast.EventQuestionAnswered,
		broadcast.EventSessionStatus,
		broadcast.EventTurnComplete,
	}, types(events))
	assert.Equal(t, questionID, events[0].Payload["question_id"])
}

func TestService_StopExpiresPendingPermissions(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.SessionStart(Payload{SessionID: "ext-1"}))
	sess, _, err := f.sessions.Resolve("ext-1")
	require.NoError(t, err)
	f.viewer(t, sess.ID)

	requestID, hasSubscribers, err := f.svc.PermissionRequest(Payload{SessionID: "ext-1", ToolName: "Bash"})
	require.NoError(t, err)
	require.True(t, hasSubscribers)

	require.NoError(t, f.svc.Stop(Payload{SessionID: "ext-1"}))

	_, _, err = f.svc.PermissionPoll(requestID)
	assert.ErrorIs(t, err, permission.ErrRequestNotFound)
}

func TestService_UnknownPhase(t *testing.T) {
	f := newFixture(t)
	err := f.svc.ToolUse(Payload{SessionID: "ext-1", Phase: "mid", ToolName: "Bash"})
	assert.Error(t, err)
}

func TestService_MissingSessionID(t *testing.T) {
	f := newFixture(t)
	assert.Error(t, f.svc.SessionStart(Payload{}))
	assert.Error(t, f.svc.UserPrompt(Payload{Prompt: "hi"}))
	assert.Error(t, f.svc.Stop(Payload{}))
}
