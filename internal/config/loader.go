// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hjson/hjson-go/v4"
)

// Loader handles configuration file loading.
type Loader struct{}

// NewLoader creates a new config loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load reads and parses the configuration from the given path.
func (l *Loader) Load(ctx context.Context, path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Parse HJSON to intermediate map
	var raw map[string]interface{}
	if err := hjson.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse hjson: %w", err)
	}

	// Convert to JSON and unmarshal to struct (for type safety)
	jsonData, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("convert to json: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(jsonData, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults loads config with default values applied.
func (l *Loader) LoadWithDefaults(ctx context.Context, path string) (*Config, error) {
	cfg, err := l.Load(ctx, path)
	if err != nil {
		return nil, err
	}

	applyDefaults(cfg)
	return cfg, nil
}

// DefaultConfig returns a Config with every built-in default applied,
// for callers that found no config file to load at all.
func DefaultConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// FindConfig searches for a config file in the current directory. It
// looks for orchestrator.hjson first, then orchestrator.json.
func (l *Loader) FindConfig() (string, error) {
	candidates := []string{
		"orchestrator.hjson",
		"orchestrator.json",
	}

	for _, name := range candidates {
		path := filepath.Join(".", name)
		if _, err := os.Stat(path); err == nil {
			abs, err := filepath.Abs(path)
			if err != nil {
				return path, nil
			}
			return abs, nil
		}
	}

	return "", fmt.Errorf("config file not found (looked for orchestrator.hjson, orchestrator.json)")
}

// applyDefaults sets default values for missing config fields. Env vars
// are applied on top of these by the caller (cmd/orchd), matching the
// precedence env > file > built-in default.
func applyDefaults(cfg *Config) {
	if cfg.Version == "" {
		cfg.Version = "1"
	}

	// Server defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 3000
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.BaseURL == "" {
		cfg.Server.BaseURL = "/gm"
	}

	// Data directory default
	if cfg.Data.Dir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			cfg.Data.Dir = filepath.Join(home, ".gmgui")
		} else {
			cfg.Data.Dir = ".gmgui"
		}
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	// Scheduler defaults
	if cfg.Scheduler.QueueCapacity == 0 {
		cfg.Scheduler.QueueCapacity = 1000
	}
	if cfg.Scheduler.RunTimeout == "" {
		cfg.Scheduler.RunTimeout = "5m"
	}
	if cfg.Scheduler.IdleReapAfter == "" {
		cfg.Scheduler.IdleReapAfter = "120s"
	}
	if cfg.Scheduler.StopGracePeriod == "" {
		cfg.Scheduler.StopGracePeriod = "5s"
	}
	if cfg.Scheduler.RestartBaseDelay == "" {
		cfg.Scheduler.RestartBaseDelay = "1s"
	}
	if cfg.Scheduler.RestartMaxDelay == "" {
		cfg.Scheduler.RestartMaxDelay = "30s"
	}
	if cfg.Scheduler.RestartWindow == "" {
		cfg.Scheduler.RestartWindow = "5m"
	}
	if cfg.Scheduler.MaxRestartsInWindow == 0 {
		cfg.Scheduler.MaxRestartsInWindow = 10
	}
	if cfg.Scheduler.HealthCheckTimeout == "" {
		cfg.Scheduler.HealthCheckTimeout = "3s"
	}

	// Gateway defaults
	if cfg.Gateway.RateLimitPerSecond == 0 {
		cfg.Gateway.RateLimitPerSecond = 100
	}
	if cfg.Gateway.MaxBatchNormal == 0 {
		cfg.Gateway.MaxBatchNormal = 10
	}
	if cfg.Gateway.MaxBatchLow == 0 {
		cfg.Gateway.MaxBatchLow = 5
	}
	if cfg.Gateway.CompressionMinBytes == 0 {
		cfg.Gateway.CompressionMinBytes = 1024
	}

	// Agent catalog defaults
	for i := range cfg.Agents {
		if cfg.Agents[i].Dialect == "" {
			cfg.Agents[i].Dialect = "stream-stdout"
		}
	}
}
