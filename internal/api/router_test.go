// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wingedpig/lattice/internal/broadcast"
	"github.com/wingedpig/lattice/internal/hooks"
	"github.com/wingedpig/lattice/internal/permission"
	"github.com/wingedpig/lattice/internal/session"
)

type testEnv struct {
	router   http.Handler
	hub      *broadcast.Hub
	sessions *session.Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	hub := broadcast.NewHub(100)
	mgr, err := session.NewManager(session.NewStore(t.TempDir()), hub)
	require.NoError(t, err)
	arbiter := permission.NewArbiter(hub, time.Minute, time.Minute)
	t.Cleanup(arbiter.Close)
	svc := hooks.NewService(mgr, hub, arbiter, nil, nil)

	return &testEnv{
		router:   NewRouter(Dependencies{Sessions: mgr, Hub: hub, Hooks: svc}),
		hub:      hub,
		sessions: mgr,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	var resp struct {
		Data  map[string]interface{} `json:"data"`
		Error map[string]interface{} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err == nil {
		if resp.Error != nil {
			return rec, resp.Error
		}
		return rec, resp.Data
	}
	return rec, nil
}

func TestRouter_HooksAlwaysSucceed(t *testing.T) {
	e := newTestEnv(t)

	cases := []struct {
		path string
		key  string
	}{
		{"/api/v1/hooks/session-start", "accepted"},
		{"/api/v1/hooks/user-prompt", "accepted"},
		{"/api/v1/hooks/tool-use", "continue"},
		{"/api/v1/hooks/stop", "status"},
	}
	for _, tc := range cases {
		// Garbage body: the hook contract still answers success
		req := httptest.NewRequest("POST", tc.path, strings.NewReader("not json"))
		rec := httptest.NewRecorder()
		e.router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code, tc.path)
		assert.Contains(t, rec.Body.String(), tc.key, tc.path)
	}
}

func TestRouter_SessionStartCreatesSession(t *testing.T) {
	e := newTestEnv(t)

	rec, _ := e.do(t, "POST", "/api/v1/hooks/session-start", hooks.Payload{SessionID: "ext-1", Model: "m1"})
	assert.Equal(t, http.StatusOK, rec.Code)

	list := e.sessions.List()
	require.Len(t, list, 1)
	assert.Equal(t, "ext-1", list[0].ExternalID)
	assert.Equal(t, session.OriginTerminal, list[0].Origin)
}

func TestRouter_SessionCRUD(t *testing.T) {
	e := newTestEnv(t)

	rec, data := e.do(t, "POST", "/api/v1/sessions", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	id, _ := data["id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "web", data["origin"])

	rec, data = e.do(t, "GET", "/api/v1/sessions/"+id, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, id, data["id"])

	rec, _ = e.do(t, "GET", "/api/v1/sessions/"+id+"/messages", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, data = e.do(t, "POST", "/api/v1/sessions/"+id+"/complete", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "completed", data["status"])

	rec, _ = e.do(t, "DELETE", "/api/v1/sessions/"+id, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, data = e.do(t, "GET", "/api/v1/sessions/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", data["code"])
}

func TestRouter_PermissionFlow(t *testing.T) {
	e := newTestEnv(t)

	// A viewer must be subscribed or the request is refused
	_, _ = e.do(t, "POST", "/api/v1/hooks/session-start", hooks.Payload{SessionID: "ext-1"})
	sess, _, err := e.sessions.Resolve("ext-1")
	require.NoError(t, err)
	clientID, ch := e.hub.Register(false)
	<-ch
	require.NoError(t, e.hub.Subscribe(clientID, sess.ID))

	rec, data := e.do(t, "POST", "/api/v1/hooks/permission-request", hooks.Payload{SessionID: "ext-1", ToolName: "Bash"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, data["has_subscribers"])
	requestID, _ := data["request_id"].(string)
	require.NotEmpty(t, requestID)

	rec, data = e.do(t, "GET", "/api/v1/hooks/permission-poll/"+requestID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, data["found"])
	assert.Equal(t, false, data["decided"])

	rec, _ = e.do(t, "POST", "/api/v1/hooks/permission-decide", map[string]string{
		"request_id": requestID,
		"behavior":   "allow",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, data = e.do(t, "GET", "/api/v1/hooks/permission-poll/"+requestID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, data["decided"])
	assert.Equal(t, "allow", data["behavior"])

	// The verdict was consumed
	rec, data = e.do(t, "GET", "/api/v1/hooks/permission-poll/"+requestID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, data["found"])
}

func TestRouter_PermissionRequestWithoutViewers(t *testing.T) {
	e := newTestEnv(t)

	rec, data := e.do(t, "POST", "/api/v1/hooks/permission-request", hooks.Payload{SessionID: "ext-1", ToolName: "Bash"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, data["has_subscribers"])
	requestID, _ := data["request_id"].(string)
	require.NotEmpty(t, requestID)

	// The auto-denied request is pollable at the advertised id
	rec, data = e.do(t, "GET", "/api/v1/hooks/permission-poll/"+requestID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, data["found"])
	assert.Equal(t, true, data["decided"])
	assert.Equal(t, "deny", data["behavior"])
}

func TestRouter_PermissionDecideErrors(t *testing.T) {
	e := newTestEnv(t)

	rec, data := e.do(t, "POST", "/api/v1/hooks/permission-decide", map[string]string{
		"request_id": "nope",
		"behavior":   "allow",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", data["code"])

	rec, _ = e.do(t, "POST", "/api/v1/hooks/permission-decide", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func dialWS(t *testing.T, server *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) broadcast.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev broadcast.Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestRouter_WebSocketSubscribe(t *testing.T) {
	e := newTestEnv(t)
	server := httptest.NewServer(e.router)
	defer server.Close()

	conn := dialWS(t, server, "/api/v1/stream/ws")

	ev := readEvent(t, conn)
	assert.Equal(t, broadcast.EventConnected, ev.Type)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "subscribe", "session_id": "s1"}))

	// Give the read loop a moment to process the subscription
	require.Eventually(t, func() bool {
		return e.hub.SubscriberCount("s1") == 1
	}, 2*time.Second, 10*time.Millisecond)

	e.hub.PublishToSession("s1", broadcast.NewEvent(broadcast.EventUserMessage, "", map[string]interface{}{"text": "hi"}))

	ev = readEvent(t, conn)
	assert.Equal(t, broadcast.EventUserMessage, ev.Type)
	assert.Equal(t, "s1", ev.SessionID)
}

func TestRouter_WebSocketStatusFeed(t *testing.T) {
	e := newTestEnv(t)
	server := httptest.NewServer(e.router)
	defer server.Close()

	conn := dialWS(t, server, "/api/v1/stream/ws?feed=status")

	ev := readEvent(t, conn)
	assert.Equal(t, broadcast.EventConnected, ev.Type)

	e.hub.PublishToSession("s1", broadcast.NewEvent(broadcast.EventUserMessage, "", nil))
	e.hub.PublishToSession("s1", broadcast.NewEvent(broadcast.EventSessionStatus, "", map[string]interface{}{"status": "streaming"}))

	// Only the status-shaped event arrives
	ev = readEvent(t, conn)
	assert.Equal(t, broadcast.EventSessionStatus, ev.Type)
}
