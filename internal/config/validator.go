// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"strings"
	"time"
)

// Validator validates configuration against schema rules.
type Validator struct{}

// NewValidator creates a new config validator.
func NewValidator() *Validator {
	return &Validator{}
}

// ValidationError contains multiple validation failures.
type ValidationError struct {
	Errors []FieldError
}

// FieldError represents a single field validation error.
type FieldError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	var msgs []string
	for _, fe := range e.Errors {
		msgs = append(msgs, fmt.Sprintf("%s: %s", fe.Field, fe.Message))
	}
	return strings.Join(msgs, "; ")
}

// IsEmpty returns true if there are no validation errors.
func (e *ValidationError) IsEmpty() bool {
	return len(e.Errors) == 0
}

// Add adds a field error.
func (e *ValidationError) Add(field, message string) {
	e.Errors = append(e.Errors, FieldError{Field: field, Message: message})
}

// Validate checks configuration validity.
func (v *Validator) Validate(cfg *Config) error {
	errs := &ValidationError{}

	v.validateRequired(cfg, errs)
	v.validateServer(cfg, errs)
	v.validateAgents(cfg, errs)
	v.validateScheduler(cfg, errs)
	v.validateGateway(cfg, errs)
	v.validateLogging(cfg, errs)

	if errs.IsEmpty() {
		return nil
	}
	return errs
}

func (v *Validator) validateRequired(cfg *Config, errs *ValidationError) {
	if cfg.Version == "" {
		errs.Add("version", "is required")
	}
}

func (v *Validator) validateServer(cfg *Config, errs *ValidationError) {
	if cfg.Server.Port != 0 {
		if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
			errs.Add("server.port", "must be between 0 and 65535")
		}
	}
	if cfg.Server.BaseURL != "" && !strings.HasPrefix(cfg.Server.BaseURL, "/") {
		errs.Add("server.base_url", "must start with '/'")
	}
}

func (v *Validator) validateAgents(cfg *Config, errs *ValidationError) {
	seenIDs := make(map[string]bool)
	seenPorts := make(map[int]string)
	validDialects := map[string]bool{
		"":               true,
		"stream-stdout":  true,
		"acp-rpc":        true,
	}

	for i, a := range cfg.Agents {
		prefix := fmt.Sprintf("agents[%d]", i)

		if a.ID == "" {
			errs.Add(prefix+".id", "is required")
		} else if seenIDs[a.ID] {
			errs.Add(prefix+".id", fmt.Sprintf("duplicate agent id '%s'", a.ID))
		} else {
			seenIDs[a.ID] = true
		}

		if a.Binary == "" {
			errs.Add(prefix+".binary", "is required")
		}

		if a.HealthPort != 0 {
			if a.HealthPort < 0 || a.HealthPort > 65535 {
				errs.Add(prefix+".health_port", "must be between 0 and 65535")
			} else if owner, ok := seenPorts[a.HealthPort]; ok {
				errs.Add(prefix+".health_port", fmt.Sprintf("already used by agent '%s'", owner))
			} else {
				seenPorts[a.HealthPort] = a.ID
			}
		}

		if !validDialects[a.Dialect] {
			errs.Add(prefix+".dialect", fmt.Sprintf("invalid dialect '%s', must be one of: stream-stdout, acp-rpc", a.Dialect))
		}
	}
}

func (v *Validator) validateScheduler(cfg *Config, errs *ValidationError) {
	s := cfg.Scheduler

	if s.QueueCapacity < 0 {
		errs.Add("scheduler.queue_capacity", "must not be negative")
	}
	if s.MaxRestartsInWindow < 0 {
		errs.Add("scheduler.max_restarts_in_window", "must not be negative")
	}

	v.validatePositiveDuration(s.RunTimeout, "scheduler.run_timeout", errs)
	v.validatePositiveDuration(s.IdleReapAfter, "scheduler.idle_reap_after", errs)
	v.validatePositiveDuration(s.StopGracePeriod, "scheduler.stop_grace_period", errs)
	v.validatePositiveDuration(s.RestartBaseDelay, "scheduler.restart_base_delay", errs)
	v.validatePositiveDuration(s.RestartMaxDelay, "scheduler.restart_max_delay", errs)
	v.validatePositiveDuration(s.RestartWindow, "scheduler.restart_window", errs)
	v.validatePositiveDuration(s.HealthCheckTimeout, "scheduler.health_check_timeout", errs)
}

func (v *Validator) validateGateway(cfg *Config, errs *ValidationError) {
	g := cfg.Gateway
	if g.RateLimitPerSecond < 0 {
		errs.Add("gateway.rate_limit_per_second", "must not be negative")
	}
	if g.MaxBatchNormal < 0 {
		errs.Add("gateway.max_batch_normal", "must not be negative")
	}
	if g.MaxBatchLow < 0 {
		errs.Add("gateway.max_batch_low", "must not be negative")
	}
	if g.CompressionMinBytes < 0 {
		errs.Add("gateway.compression_min_bytes", "must not be negative")
	}
}

func (v *Validator) validateLogging(cfg *Config, errs *ValidationError) {
	if cfg.Logging.Level != "" {
		validLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if !validLevels[cfg.Logging.Level] {
			errs.Add("logging.level", fmt.Sprintf("invalid level '%s', must be one of: debug, info, warn, error", cfg.Logging.Level))
		}
	}
}

func (v *Validator) validatePositiveDuration(s, field string, errs *ValidationError) {
	if s == "" {
		return
	}
	d, err := parseDurationWithDays(s)
	if err != nil {
		errs.Add(field, fmt.Sprintf("invalid duration format: %s", err))
		return
	}
	if d < 0 {
		errs.Add(field, "must be positive")
	}
}

// parseDurationWithDays parses a duration string that may include days (e.g., "7d").
func parseDurationWithDays(s string) (time.Duration, error) {
	if len(s) > 1 && s[len(s)-1] == 'd' {
		var days int
		if _, err := fmt.Sscanf(s, "%dd", &days); err == nil {
			return time.Duration(days) * 24 * time.Hour, nil
		}
	}
	return time.ParseDuration(s)
}
