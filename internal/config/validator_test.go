// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Version: "1",
		Server:  ServerConfig{Port: 3000, Host: "127.0.0.1", BaseURL: "/gm"},
		Agents: []AgentConfig{
			{ID: "claude", Binary: "claude", HealthPort: 8801, Dialect: "stream-stdout"},
		},
		Scheduler: SchedulerConfig{
			QueueCapacity:       1000,
			RunTimeout:          "5m",
			IdleReapAfter:       "120s",
			StopGracePeriod:     "5s",
			RestartBaseDelay:    "1s",
			RestartMaxDelay:     "30s",
			RestartWindow:       "5m",
			MaxRestartsInWindow: 10,
			HealthCheckTimeout:  "3s",
		},
		Gateway: GatewayConfig{
			RateLimitPerSecond:  100,
			MaxBatchNormal:      10,
			MaxBatchLow:         5,
			CompressionMinBytes: 1024,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

func TestValidator_ValidConfig(t *testing.T) {
	v := NewValidator()
	err := v.Validate(validConfig())
	assert.NoError(t, err)
}

func TestValidator_MissingVersion(t *testing.T) {
	cfg := validConfig()
	cfg.Version = ""

	v := NewValidator()
	err := v.Validate(cfg)
	require.Error(t, err)

	verr, ok := err.(*ValidationError)
	require.True(t, ok)
	assert.Contains(t, verr.Error(), "version")
}

func TestValidator_ServerPortOutOfRange(t *testing.T) {
	cfg := validConfig()
	cfg.Server.Port = 99999

	v := NewValidator()
	err := v.Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
}

func TestValidator_ServerBaseURLMissingSlash(t *testing.T) {
	cfg := validConfig()
	cfg.Server.BaseURL = "gm"

	v := NewValidator()
	err := v.Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.base_url")
}

func TestValidator_DuplicateAgentID(t *testing.T) {
	cfg := validConfig()
	cfg.Agents = append(cfg.Agents, AgentConfig{ID: "claude", Binary: "claude2", Dialect: "stream-stdout"})

	v := NewValidator()
	err := v.Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate agent id")
}

func TestValidator_AgentMissingBinary(t *testing.T) {
	cfg := validConfig()
	cfg.Agents[0].Binary = ""

	v := NewValidator()
	err := v.Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agents[0].binary")
}

func TestValidator_AgentInvalidDialect(t *testing.T) {
	cfg := validConfig()
	cfg.Agents[0].Dialect = "smoke-signal"

	v := NewValidator()
	err := v.Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid dialect")
}

func TestValidator_DuplicateHealthPort(t *testing.T) {
	cfg := validConfig()
	cfg.Agents = append(cfg.Agents, AgentConfig{ID: "aider", Binary: "aider", HealthPort: 8801, Dialect: "stream-stdout"})

	v := NewValidator()
	err := v.Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already used by agent")
}

func TestValidator_NegativeQueueCapacity(t *testing.T) {
	cfg := validConfig()
	cfg.Scheduler.QueueCapacity = -1

	v := NewValidator()
	err := v.Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheduler.queue_capacity")
}

func TestValidator_InvalidRestartWindowDuration(t *testing.T) {
	cfg := validConfig()
	cfg.Scheduler.RestartWindow = "not-a-duration"

	v := NewValidator()
	err := v.Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheduler.restart_window")
}

func TestValidator_InvalidLoggingLevel(t *testing.T) {
	cfg := validConfig()
	cfg.Logging.Level = "verbose"

	v := NewValidator()
	err := v.Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logging.level")
}

func TestValidator_NegativeGatewayRateLimit(t *testing.T) {
	cfg := validConfig()
	cfg.Gateway.RateLimitPerSecond = -5

	v := NewValidator()
	err := v.Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gateway.rate_limit_per_second")
}

func TestValidationError_IsEmpty(t *testing.T) {
	errs := &ValidationError{}
	assert.True(t, errs.IsEmpty())

	errs.Add("field", "message")
	assert.False(t, errs.IsEmpty())
}

func TestParseDurationWithDays(t *testing.T) {
	d, err := parseDurationWithDays("7d")
	require.NoError(t, err)
	assert.Equal(t, 7*24*60*60*1e9, float64(d))

	d, err = parseDurationWithDays("30s")
	require.NoError(t, err)
	assert.Equal(t, int64(30), int64(d.Seconds()))
}
