// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/wingedpig/lattice/internal/hooks"
	"github.com/wingedpig/lattice/internal/permission"
)

// HooksHandler handles the CLI hook callbacks. The CLI treats every hook as
// fire-and-forget: whatever goes wrong inside, the response is the hook's
// fixed success shape with status 200, and the failure is only logged. A
// hook caller that saw errors would stall or abort the agent turn.
type HooksHandler struct {
	svc *hooks.Service
}

// NewHooksHandler creates a new hooks handler.
func NewHooksHandler(svc *hooks.Service) *HooksHandler {
	return &HooksHandler{svc: svc}
}

// fixed wraps a hook method with the always-succeed contract: decode the
// payload, run the hook, log any error, answer with the fixed shape.
func (h *HooksHandler) fixed(shape map[string]interface{}, fn func(hooks.Payload) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p hooks.Payload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			log.Printf("hooks api: decode %s: %v", r.URL.Path, err)
		} else if err := fn(p); err != nil {
			log.Printf("hooks api: %s: %v", r.URL.Path, err)
		}
		WriteJSON(w, http.StatusOK, shape)
	}
}

// SessionStart handles POST /api/v1/hooks/session-start.
func (h *HooksHandler) SessionStart(w http.ResponseWriter, r *http.Request) {
	h.fixed(map[string]interface{}{"accepted": true}, h.svc.SessionStart)(w, r)
}

// UserPrompt handles POST /api/v1/hooks/user-prompt.
func (h *HooksHandler) UserPrompt(w http.ResponseWriter, r *http.Request) {
	h.fixed(map[string]interface{}{"accepted": true}, h.svc.UserPrompt)(w, r)
}

// ToolUse handles POST /api/v1/hooks/tool-use.
func (h *HooksHandler) ToolUse(w http.ResponseWriter, r *http.Request) {
	h.fixed(map[string]interface{}{"continue": true}, h.svc.ToolUse)(w, r)
}

// Stop handles POST /api/v1/hooks/stop.
func (h *HooksHandler) Stop(w http.ResponseWriter, r *http.Request) {
	h.fixed(map[string]interface{}{"status": "ok"}, h.svc.Stop)(w, r)
}

// PermissionRequest handles POST /api/v1/hooks/permission-request. With no
// viewer subscribed has_subscribers is false and the request is already
// denied; polling it collects the deny.
func (h *HooksHandler) PermissionRequest(w http.ResponseWriter, r *http.Request) {
	var p hooks.Payload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		log.Printf("hooks api: decode permission-request: %v", err)
		WriteJSON(w, http.StatusOK, map[string]interface{}{"request_id": "", "has_subscribers": false})
		return
	}

	requestID, hasSubscribers, err := h.svc.PermissionRequest(p)
	if err != nil {
		log.Printf("hooks api: permission-request: %v", err)
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"request_id":      requestID,
		"has_subscribers": hasSubscribers,
	})
}

// PermissionPoll handles GET /api/v1/hooks/permission-poll/{request}. An
// unknown or already collected request reports found=false, which pollers
// treat as deny.
func (h *HooksHandler) PermissionPoll(w http.ResponseWriter, r *http.Request) {
	requestID := mux.Vars(r)["request"]

	behavior, decided, err := h.svc.PermissionPoll(requestID)
	if err != nil {
		if !errors.Is(err, permission.ErrRequestNotFound) {
			log.Printf("hooks api: permission-poll %s: %v", requestID, err)
		}
		WriteJSON(w, http.StatusOK, map[string]interface{}{"found": false})
		return
	}

	result := map[string]interface{}{"found": true, "decided": decided}
	if decided {
		result["behavior"] = behavior
	}
	WriteJSON(w, http.StatusOK, result)
}

// PermissionDecide handles POST /api/v1/hooks/permission-decide. This one is
// viewer-facing, so errors come back as real error responses.
func (h *HooksHandler) PermissionDecide(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RequestID string `json:"request_id"`
		Behavior  string `json:"behavior"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, ErrBadRequest, "invalid request body")
		return
	}

	if err := h.svc.PermissionDecide(req.RequestID, req.Behavior); err != nil {
		if errors.Is(err, permission.ErrRequestNotFound) {
			WriteError(w, http.StatusNotFound, ErrNotFound, "permission request not found")
			return
		}
		WriteError(w, http.StatusBadRequest, ErrBadRequest, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"accepted": true})
}
