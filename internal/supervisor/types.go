// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"time"
)

// ProcessState represents the state of an agent process.
type ProcessState int

const (
	StatusStopped ProcessState = iota
	StatusStarting
	StatusRunning
	StatusStopping
	StatusCrashed
)

func (s ProcessState) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	case StatusCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// MarshalJSON implements json.Marshaler to output the string representation.
func (s ProcessState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// AgentStatus is a snapshot of one catalog entry's supervised state.
type AgentStatus struct {
	ID           string
	State        ProcessState
	PID          int
	Port         int
	Healthy      bool
	Adopted      bool
	StartedAt    time.Time
	StoppedAt    time.Time
	RestartCount int
	IdleMs       int64
	Error        string
}

// Manager is the interface implemented by the agent supervisor.
type Manager interface {
	// EnsureRunning starts the agent if not already healthy, waits for the
	// first healthy probe (up to 10s), and returns its port.
	EnsureRunning(ctx context.Context, agentID string) (int, error)
	// Touch extends the idle timer for a running agent.
	Touch(agentID string)
	// Status returns a snapshot of every catalog entry.
	Status() []AgentStatus
	// Restart stops and re-spawns an agent.
	Restart(ctx context.Context, agentID string) error
	// QueryModels performs a one-shot HTTP GET against the agent's
	// provider endpoint, returning an empty slice on any failure.
	QueryModels(ctx context.Context, agentID string) []string
	// StopAll stops every owned (non-adopted) agent, escalating to a hard
	// stop after a grace period. Adopted agents are left running.
	StopAll(ctx context.Context) error
}

// RestartTrigger identifies what caused a restart.
type RestartTrigger int

const (
	RestartManual RestartTrigger = iota
	RestartCrash
	RestartIdle
)

func (r RestartTrigger) String() string {
	switch r {
	case RestartManual:
		return "manual"
	case RestartCrash:
		return "crash"
	case RestartIdle:
		return "idle"
	default:
		return "unknown"
	}
}
