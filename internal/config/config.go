// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config defines the Lattice configuration schema and loader.
package config

import (
	"time"
)

// Config is the top-level configuration.
type Config struct {
	Version    string           `json:"version"`
	Server     ServerConfig     `json:"server"`
	StateDir   string           `json:"state_dir"`
	Permission PermissionConfig `json:"permission"`
	Heartbeat  HeartbeatConfig  `json:"heartbeat"`
	Stream     StreamConfig     `json:"stream"`
	Transcript TranscriptConfig `json:"transcript"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	TLSCert string `json:"tls_cert"`
	TLSKey  string `json:"tls_key"`
}

// PermissionConfig holds permission arbiter settings.
type PermissionConfig struct {
	TTL           string `json:"ttl"`            // How long an undecided request survives
	SweepInterval string `json:"sweep_interval"` // How often expired requests are evicted
}

// HeartbeatConfig holds controller liveness settings.
type HeartbeatConfig struct {
	Interval   string `json:"interval"`    // How often controller pids are probed
	StaleAfter string `json:"stale_after"` // Registrations older than this are dropped
}

// StreamConfig holds viewer push-channel settings.
type StreamConfig struct {
	Keepalive string `json:"keepalive"` // Ping interval on open connections
	Buffer    int    `json:"buffer"`    // Per-connection event buffer size
}

// TranscriptConfig holds transcript tailing settings.
type TranscriptConfig struct {
	Debounce string `json:"debounce"` // Debounce for file-change triggered tails
}

// applyDefaults sets default values for missing config fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 4317
	}
	if cfg.StateDir == "" {
		cfg.StateDir = ".lattice"
	}
	if cfg.Permission.TTL == "" {
		cfg.Permission.TTL = "3m"
	}
	if cfg.Permission.SweepInterval == "" {
		cfg.Permission.SweepInterval = "30s"
	}
	if cfg.Heartbeat.Interval == "" {
		cfg.Heartbeat.Interval = "30s"
	}
	if cfg.Heartbeat.StaleAfter == "" {
		cfg.Heartbeat.StaleAfter = "24h"
	}
	if cfg.Stream.Keepalive == "" {
		cfg.Stream.Keepalive = "54s"
	}
	if cfg.Stream.Buffer == 0 {
		cfg.Stream.Buffer = 100
	}
	if cfg.Transcript.Debounce == "" {
		cfg.Transcript.Debounce = "200ms"
	}
}

// ParseDuration parses a duration string, returning defaultVal on empty or invalid input.
func ParseDuration(s string, defaultVal time.Duration) time.Duration {
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}
