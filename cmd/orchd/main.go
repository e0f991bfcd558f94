// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/wingedpig/trellis/internal/agentio"
	"github.com/wingedpig/trellis/internal/api"
	"github.com/wingedpig/trellis/internal/config"
	"github.com/wingedpig/trellis/internal/events"
	"github.com/wingedpig/trellis/internal/scheduler"
	"github.com/wingedpig/trellis/internal/store"
	"github.com/wingedpig/trellis/internal/stream"
	"github.com/wingedpig/trellis/internal/supervisor"
	"github.com/wingedpig/trellis/internal/wsgateway"
)

var version = "0.1"

func main() {
	var (
		configPath  string
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "", "Path to config file (default: auto-detect)")
	flag.StringVar(&configPath, "c", "", "Path to config file (short)")
	flag.BoolVar(&showVersion, "version", false, "Show version")
	flag.Parse()

	if showVersion {
		fmt.Printf("orchd %s\n", version)
		os.Exit(0)
	}

	loader := config.NewLoader()
	if configPath == "" {
		found, err := loader.FindConfig()
		if err != nil {
			log.Printf("no config file found, using built-in defaults: %v", err)
		}
		configPath = found
	}

	var cfg *config.Config
	if configPath != "" {
		c, err := loader.LoadWithDefaults(context.Background(), configPath)
		if err != nil {
			log.Fatalf("Failed to load config %s: %v", configPath, err)
		}
		cfg = c
		log.Printf("Using config: %s", configPath)
	} else {
		cfg = config.DefaultConfig()
	}

	applyEnvOverrides(cfg)

	if err := run(cfg); err != nil {
		log.Fatalf("orchd: %v", err)
	}
}

// applyEnvOverrides applies the documented environment variable
// overrides on top of whatever the config file set, matching the
// env > file > built-in-default precedence.
func applyEnvOverrides(cfg *config.Config) {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("BASE_URL"); v != "" {
		cfg.Server.BaseURL = v
	}
	if v := os.Getenv("STARTUP_CWD"); v != "" {
		for i := range cfg.Agents {
			if cfg.Agents[i].WorkDir == "" {
				cfg.Agents[i].WorkDir = v
			}
		}
	}
	if v := os.Getenv("ORCHD_DATA_DIR"); v != "" {
		cfg.Data.Dir = v
	}
}

func run(cfg *config.Config) error {
	dbPath := filepath.Join(cfg.Data.Dir, "orchd.db")
	st, err := store.NewSQLite(dbPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	bus := events.NewMemoryEventBus(events.MemoryBusConfig{
		HistoryMaxEvents: 1000,
		HistoryMaxAge:    24 * time.Hour,
	})
	defer bus.Close()

	sup := supervisor.NewManager(cfg.Agents, bus, cfg.Scheduler)

	registry, err := agentio.NewRegistry(cfg.Agents, sup)
	if err != nil {
		return fmt.Errorf("build agent registry: %w", err)
	}

	persister := stream.New(st, bus)

	runTimeout := config.ParseDuration(cfg.Scheduler.RunTimeout, 5*time.Minute)
	sched := scheduler.New(st, bus, registry, persister, cfg.Scheduler.QueueCapacity, runTimeout)

	gateway := wsgateway.New(bus, cfg.Gateway)
	wsgateway.RegisterMethods(gateway, st, sched)

	cleared, err := sched.ReconcileStaleStreaming(context.Background())
	if err != nil {
		log.Printf("reconcile stale streaming conversations: %v", err)
	} else if cleared > 0 {
		log.Printf("cleared is_streaming on %d conversation(s) left over from a prior run", cleared)
	}

	server := api.NewServer(api.ServerConfig{
		Host:    cfg.Server.Host,
		Port:    cfg.Server.Port,
		BaseURL: cfg.Server.BaseURL,
	}, api.Dependencies{
		Store:     st,
		Scheduler: sched,
		EventBus:  bus,
		Gateway:   gateway,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigCh:
		log.Printf("received signal %s, shutting down", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := sup.StopAll(shutdownCtx); err != nil {
		log.Printf("stop all agents: %v", err)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown: %v", err)
	}

	return nil
}
