// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package store provides the sole persistence layer for conversations,
// messages, sessions, chunks and runs.
package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned by get/update/delete operations on a row that
// does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when an operation violates a state-machine
// invariant (deleting a conversation with a non-terminal run, cancelling
// an already-terminal run).
var ErrConflict = errors.New("conflict")

// Conversation is also called Thread in the RPC surface.
type Conversation struct {
	ID          string    `json:"id"`
	Agent       string    `json:"agent"`
	Title       string    `json:"title"`
	WorkDir     string    `json:"work_dir"`
	Model       string    `json:"model"`
	SubAgent    string    `json:"sub_agent"`
	Status      string    `json:"status"` // idle, busy, interrupted
	IsStreaming bool      `json:"is_streaming"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ConversationPatch carries the mutable subset of Conversation fields.
// A nil field leaves the column unchanged.
type ConversationPatch struct {
	Title       *string `json:"title,omitempty"`
	Model       *string `json:"model,omitempty"`
	SubAgent    *string `json:"sub_agent,omitempty"`
	Status      *string `json:"status,omitempty"`
	IsStreaming *bool   `json:"is_streaming,omitempty"`
}

const (
	ConversationIdle        = "idle"
	ConversationBusy        = "busy"
	ConversationInterrupted = "interrupted"
)

// Message is append-only; never mutated after insert.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"` // user, assistant, error, system
	Content        string    `json:"content"`
	Idempotency    string    `json:"idempotency,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleError     = "error"
	RoleSystem    = "system"
)

// Session represents one physical connection to the agent subprocess
// and one turn of output.
type Session struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	Agent          string     `json:"agent"`
	Status         string     `json:"status"` // pending, active, interrupted, error, completed
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// SessionPatch carries the mutable subset of Session fields.
type SessionPatch struct {
	Status      *string    `json:"status,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       *string    `json:"error,omitempty"`
}

const (
	SessionPending     = "pending"
	SessionActive      = "active"
	SessionInterrupted = "interrupted"
	SessionError       = "error"
	SessionCompleted   = "completed"
)

// Chunk is one entry in a session's per-session event log. Sequence is
// gap-free and strictly increasing within one session, starting at 0.
type Chunk struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"session_id"`
	ConversationID string    `json:"conversation_id"`
	Sequence       int64     `json:"sequence"`
	Type           string    `json:"type"` // system, text, tool_use, tool_result, result, agent-specific
	Payload        string    `json:"payload"` // opaque JSON
	CreatedAt      time.Time `json:"created_at"`
}

// Run tracks one externally-triggered agent invocation through its state
// machine: pending -> active -> {success, error, cancelled}. Terminal
// states never re-transition.
type Run struct {
	ID          string     `json:"id"`
	Agent       string     `json:"agent"`
	ThreadID    string     `json:"thread_id"`
	Input       string     `json:"input"` // content + config blob, opaque JSON
	WebhookURL  string     `json:"webhook_url,omitempty"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

const (
	RunPending   = "pending"
	RunActive    = "active"
	RunSuccess   = "success"
	RunError     = "error"
	RunCancelled = "cancelled"
)

// IsTerminal reports whether a run status can never transition again.
func IsTerminal(status string) bool {
	return status == RunSuccess || status == RunError || status == RunCancelled
}

// RunSearch filters search_runs.
type RunSearch struct {
	Agent  string `json:"agent,omitempty"`
	Status string `json:"status,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}
