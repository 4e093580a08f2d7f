// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package api is the HTTP surface: hook callbacks from the CLI, session
// CRUD and the WebSocket push channel for viewers.
package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/wingedpig/lattice/internal/api/handlers"
	"github.com/wingedpig/lattice/internal/api/middleware"
	"github.com/wingedpig/lattice/internal/broadcast"
	"github.com/wingedpig/lattice/internal/hooks"
	"github.com/wingedpig/lattice/internal/session"
)

// ServerConfig holds configuration for the API server.
type ServerConfig struct {
	Host    string
	Port    int
	TLSCert string // Path to TLS certificate file
	TLSKey  string // Path to TLS private key file
}

// Dependencies holds all dependencies for API handlers.
type Dependencies struct {
	Sessions  *session.Manager
	Hub       *broadcast.Hub
	Hooks     *hooks.Service
	Keepalive time.Duration // WebSocket ping interval
}

// NewRouter creates a new API router.
func NewRouter(deps Dependencies) *mux.Router {
	r := mux.NewRouter()

	// Apply global middleware
	r.Use(middleware.Logging)
	r.Use(middleware.Recovery)
	r.Use(middleware.CORS)

	// API v1 routes
	api := r.PathPrefix("/api/v1").Subrouter()

	// Hook callbacks from the CLI
	hooksHandler := handlers.NewHooksHandler(deps.Hooks)
	api.HandleFunc("/hooks/session-start", hooksHandler.SessionStart).Methods("POST")
	api.HandleFunc("/hooks/user-prompt", hooksHandler.UserPrompt).Methods("POST")
	api.HandleFunc("/hooks/tool-use", hooksHandler.ToolUse).Methods("POST")
	api.HandleFunc("/hooks/permission-request", hooksHandler.PermissionRequest).Methods("POST")
	api.HandleFunc("/hooks/permission-poll/{request}", hooksHandler.PermissionPoll).Methods("GET")
	api.HandleFunc("/hooks/permission-decide", hooksHandler.PermissionDecide).Methods("POST")
	api.HandleFunc("/hooks/stop", hooksHandler.Stop).Methods("POST")

	// Viewer push channel
	streamHandler := handlers.NewStreamHandler(deps.Hub, deps.Keepalive)
	api.HandleFunc("/stream/ws", streamHandler.WebSocket).Methods("GET")

	// Session CRUD
	sessionsHandler := handlers.NewSessionsHandler(deps.Sessions, deps.Hooks)
	api.HandleFunc("/sessions", sessionsHandler.List).Methods("GET")
	api.HandleFunc("/sessions", sessionsHandler.Create).Methods("POST")
	api.HandleFunc("/sessions/{id}", sessionsHandler.Get).Methods("GET")
	api.HandleFunc("/sessions/{id}", sessionsHandler.Delete).Methods("DELETE")
	api.HandleFunc("/sessions/{id}/messages", sessionsHandler.Messages).Methods("GET")
	api.HandleFunc("/sessions/{id}/complete", sessionsHandler.Complete).Methods("POST")

	return r
}

// Server represents the API server.
type Server struct {
	router *mux.Router
	cfg    ServerConfig
	server *http.Server
}

// NewServer creates a new API server.
func NewServer(cfg ServerConfig, deps Dependencies) *Server {
	return &Server{
		router: NewRouter(deps),
		cfg:    cfg,
	}
}

// Router returns the underlying router.
func (s *Server) Router() *mux.Router {
	return s.router
}

// ListenAndServe starts the server. If TLS is configured (tls_cert and
// tls_key), uses HTTPS.
func (s *Server) ListenAndServe() error {
	addr := s.cfg.Host + ":" + strconv.Itoa(s.cfg.Port)
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	tlsEnabled, err := CheckTLSConfig(s.cfg.TLSCert, s.cfg.TLSKey)
	if err != nil {
		return fmt.Errorf("TLS configuration error: %w", err)
	}

	if tlsEnabled {
		certPath := expandPath(s.cfg.TLSCert)
		keyPath := expandPath(s.cfg.TLSKey)
		log.Printf("API server listening on https://%s (TLS enabled)", addr)
		return s.server.ListenAndServeTLS(certPath, keyPath)
	}

	log.Printf("API server listening on http://%s", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	log.Println("Shutting down API server...")

	shutdownCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
	}

	return s.server.Shutdown(shutdownCtx)
}
