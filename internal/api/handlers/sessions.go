// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/wingedpig/lattice/internal/hooks"
	"github.com/wingedpig/lattice/internal/session"
)

// SessionsHandler handles viewer-facing session CRUD.
type SessionsHandler struct {
	sessions *session.Manager
	svc      *hooks.Service
}

// NewSessionsHandler creates a new sessions handler.
func NewSessionsHandler(sessions *session.Manager, svc *hooks.Service) *SessionsHandler {
	return &SessionsHandler{sessions: sessions, svc: svc}
}

// List handles GET /api/v1/sessions.
func (h *SessionsHandler) List(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.sessions.List())
}

// Create handles POST /api/v1/sessions: a viewer creating a session before
// its CLI exists. The next unclaimed hook callback adopts it.
func (h *SessionsHandler) Create(w http.ResponseWriter, r *http.Request) {
	s, err := h.sessions.Create(session.OriginWeb)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, ErrInternalError, err.Error())
		return
	}
	WriteJSON(w, http.StatusCreated, s)
}

// Get handles GET /api/v1/sessions/{id}.
func (h *SessionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	s, ok := h.sessions.Get(mux.Vars(r)["id"])
	if !ok {
		WriteError(w, http.StatusNotFound, ErrNotFound, "session not found")
		return
	}
	WriteJSON(w, http.StatusOK, s)
}

// Messages handles GET /api/v1/sessions/{id}/messages.
func (h *SessionsHandler) Messages(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.sessions.Messages(mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			WriteError(w, http.StatusNotFound, ErrNotFound, "session not found")
			return
		}
		WriteError(w, http.StatusInternalServerError, ErrInternalError, err.Error())
		return
	}
	if msgs == nil {
		msgs = []session.Message{}
	}
	WriteJSON(w, http.StatusOK, msgs)
}

// Complete handles POST /api/v1/sessions/{id}/complete.
func (h *SessionsHandler) Complete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.svc.CompleteSession(id); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			WriteError(w, http.StatusNotFound, ErrNotFound, "session not found")
			return
		}
		WriteError(w, http.StatusInternalServerError, ErrSessionError, err.Error())
		return
	}
	s, _ := h.sessions.Get(id)
	WriteJSON(w, http.StatusOK, s)
}

// Delete handles DELETE /api/v1/sessions/{id}.
func (h *SessionsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteSession(mux.Vars(r)["id"]); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			WriteError(w, http.StatusNotFound, ErrNotFound, "session not found")
			return
		}
		WriteError(w, http.StatusInternalServerError, ErrSessionError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"deleted": true})
}
