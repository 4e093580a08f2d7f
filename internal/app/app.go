// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app wires the components together and owns their lifecycles.
package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/wingedpig/lattice/internal/api"
	"github.com/wingedpig/lattice/internal/broadcast"
	"github.com/wingedpig/lattice/internal/config"
	"github.com/wingedpig/lattice/internal/controller"
	"github.com/wingedpig/lattice/internal/hooks"
	"github.com/wingedpig/lattice/internal/permission"
	"github.com/wingedpig/lattice/internal/session"
	"github.com/wingedpig/lattice/internal/transcript"
)

// App is the main application container.
type App struct {
	config    *config.Config
	hub       *broadcast.Hub
	sessions  *session.Manager
	arbiter   *permission.Arbiter
	monitor   *controller.Monitor
	watcher   *transcript.Watcher
	hooks     *hooks.Service
	apiServer *api.Server

	done     chan struct{}
	stopOnce sync.Once
}

// Options holds configuration options for the app.
type Options struct {
	ConfigPath string
	Host       string
	Port       int
}

// New creates a new App instance.
func New(opts Options) (*App, error) {
	app := &App{
		done: make(chan struct{}),
	}

	var cfg *config.Config
	if opts.ConfigPath == "" {
		cfg = config.Default()
	} else {
		loader := config.NewLoader()
		loaded, err := loader.LoadWithDefaults(opts.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}

	// Override host/port if specified
	if opts.Host != "" {
		cfg.Server.Host = opts.Host
	}
	if opts.Port > 0 {
		cfg.Server.Port = opts.Port
	}
	app.config = cfg

	return app, nil
}

// Initialize builds all components.
func (app *App) Initialize() error {
	cfg := app.config

	app.hub = broadcast.NewHub(cfg.Stream.Buffer)

	sessions, err := session.NewManager(session.NewStore(cfg.StateDir), app.hub)
	if err != nil {
		return fmt.Errorf("failed to initialize session manager: %w", err)
	}
	app.sessions = sessions

	app.arbiter = permission.NewArbiter(app.hub,
		config.ParseDuration(cfg.Permission.TTL, 3*time.Minute),
		config.ParseDuration(cfg.Permission.SweepInterval, 30*time.Second))

	app.monitor = controller.NewMonitor(sessions, app.hub,
		config.ParseDuration(cfg.Heartbeat.Interval, 30*time.Second),
		config.ParseDuration(cfg.Heartbeat.StaleAfter, 24*time.Hour))

	// The watcher callback fires only after Initialize returns, so the late
	// app.hooks binding is safe.
	watcher, err := transcript.NewWatcher(
		config.ParseDuration(cfg.Transcript.Debounce, 200*time.Millisecond),
		func(sessionID string) { app.hooks.TailSession(sessionID) })
	if err != nil {
		return fmt.Errorf("failed to initialize transcript watcher: %w", err)
	}
	app.watcher = watcher

	app.hooks = hooks.NewService(sessions, app.hub, app.arbiter, app.monitor, watcher)

	// Re-arm transcript watches for sessions that survived a restart
	for _, s := range sessions.List() {
		if s.Status != session.StatusActive || s.TranscriptPath == "" {
			continue
		}
		if err := watcher.Watch(s.ID, s.TranscriptPath); err != nil {
			log.Printf("Warning: could not watch transcript for session %s: %v", s.ID, err)
		}
	}

	app.apiServer = api.NewServer(api.ServerConfig{
		Host:    cfg.Server.Host,
		Port:    cfg.Server.Port,
		TLSCert: cfg.Server.TLSCert,
		TLSKey:  cfg.Server.TLSKey,
	}, api.Dependencies{
		Sessions:  sessions,
		Hub:       app.hub,
		Hooks:     app.hooks,
		Keepalive: config.ParseDuration(cfg.Stream.Keepalive, 54*time.Second),
	})

	return nil
}

// Start launches the API server in the background.
func (app *App) Start() error {
	go func() {
		log.Printf("Starting API server on %s:%d", app.config.Server.Host, app.config.Server.Port)
		if err := app.apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("API server error: %v", err)
		}
	}()
	return nil
}

// Run starts the app and blocks until shutdown.
func (app *App) Run(ctx context.Context) error {
	if err := app.Initialize(); err != nil {
		return err
	}

	if err := app.Start(); err != nil {
		return err
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("Received signal %v, shutting down...", sig)
	case <-ctx.Done():
		log.Printf("Context cancelled, shutting down...")
	case <-app.done:
		log.Printf("Shutdown requested...")
	}

	return app.Shutdown(context.Background())
}

// Shutdown gracefully shuts down all components.
func (app *App) Shutdown(ctx context.Context) error {
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop the API server first so no new hooks or viewers arrive
	if app.apiServer != nil {
		if err := app.apiServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Error shutting down API server: %v", err)
		}
	}

	if app.watcher != nil {
		app.watcher.Close()
	}
	if app.monitor != nil {
		app.monitor.Close()
	}
	if app.arbiter != nil {
		app.arbiter.Close()
	}
	if app.hub != nil {
		app.hub.Shutdown()
	}

	log.Println("Shutdown complete")
	return nil
}

// Stop signals the app to shut down. Safe to call multiple times.
func (app *App) Stop() {
	app.stopOnce.Do(func() {
		close(app.done)
	})
}
