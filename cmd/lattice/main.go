// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/wingedpig/lattice/internal/app"
	"github.com/wingedpig/lattice/internal/config"
)

var (
	version = "0.3"
)

func main() {
	// Check for subcommands before flag parsing
	if len(os.Args) > 1 && os.Args[1] == "init" {
		if err := runInit(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	// Parse flags
	var (
		configPath  string
		host        string
		port        int
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "Path to config file (default: auto-detect)")
	flag.StringVar(&configPath, "c", "", "Path to config file (short)")
	flag.StringVar(&host, "host", "", "HTTP server host (overrides config)")
	flag.IntVar(&port, "port", 0, "HTTP server port (overrides config)")
	flag.BoolVar(&showVersion, "version", false, "Show version")
	flag.BoolVar(&showVersion, "v", false, "Show version (short)")
	flag.Parse()

	if showVersion {
		fmt.Printf("lattice %s\n", version)
		os.Exit(0)
	}

	// Find config file if not specified; running without one is fine
	if configPath == "" {
		loader := config.NewLoader()
		if found, err := loader.FindConfig(); err == nil {
			configPath = found
		}
	}
	if configPath != "" {
		log.Printf("Using config: %s", configPath)
	} else {
		log.Printf("No config file found, using defaults")
	}

	// Create and run app
	application, err := app.New(app.Options{
		ConfigPath: configPath,
		Host:       host,
		Port:       port,
	})
	if err != nil {
		log.Fatalf("Failed to create app: %v", err)
	}

	ctx := context.Background()
	if err := application.Run(ctx); err != nil {
		log.Fatalf("App error: %v", err)
	}
}

// runInit handles the "lattice init" command
func runInit() error {
	configFile := "lattice.hjson"

	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("%s already exists; remove it first or use a different directory", configFile)
	}

	if err := os.WriteFile(configFile, []byte(defaultConfigTemplate), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Printf("Created %s\n", configFile)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. Review and edit lattice.hjson as needed")
	fmt.Println("  2. Run: ./lattice")
	fmt.Println("  3. Point your agent CLI hooks at http://127.0.0.1:4317/api/v1/hooks/")

	return nil
}

const defaultConfigTemplate = `{
  // ===========================================================================
  // Lattice Configuration
  // ===========================================================================
  //
  // This is an HJSON file (JSON with comments and relaxed syntax).
  // Every setting shown here is optional; the commented values are defaults.

  // ---------------------------------------------------------------------------
  // Server Settings
  // ---------------------------------------------------------------------------
  server: {
    // Host to bind to (use "0.0.0.0" to allow remote access)
    host: "127.0.0.1"

    // Port for the hook callbacks and viewer API
    port: 4317

    // For HTTPS, uncomment and set paths to your certificates:
    // tls_cert: "~/.lattice/cert.pem"
    // tls_key: "~/.lattice/key.pem"
  }

  // Where session records and message logs are stored
  // state_dir: ".lattice"

  // ---------------------------------------------------------------------------
  // Permission Requests
  // ---------------------------------------------------------------------------
  // permission: {
  //   // How long an undecided request lives before auto-deny
  //   ttl: "3m"
  //   // How often expired requests are swept
  //   sweep_interval: "30s"
  // }

  // ---------------------------------------------------------------------------
  // Controller Liveness
  // ---------------------------------------------------------------------------
  // heartbeat: {
  //   // How often controller pids are probed
  //   interval: "30s"
  //   // Registrations not refreshed within this window are dropped
  //   stale_after: "24h"
  // }

  // ---------------------------------------------------------------------------
  // Viewer Stream
  // ---------------------------------------------------------------------------
  // stream: {
  //   // WebSocket ping interval
  //   keepalive: "54s"
  //   // Per-connection event buffer; slow viewers drop beyond this
  //   buffer: 100
  // }

  // ---------------------------------------------------------------------------
  // Transcript Tailing
  // ---------------------------------------------------------------------------
  // transcript: {
  //   // Wait for rapid CLI writes to settle before tailing
  //   debounce: "200ms"
  // }
}
`
