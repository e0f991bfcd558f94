// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package agentio translates one active run into the chosen agent's
// on-the-wire dialect and parses the result into a lazy sequence of
// typed events, grounded on whichever dialect the agent's catalog entry
// declares.
package agentio

import "encoding/json"

// Event is one decoded unit of agent output. Type mirrors the upstream
// dialect's own event discriminator (system, text, tool_use, tool_result,
// result, or a dialect-specific value) and is classified by the stream
// persister, not by this package.
type Event struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// ErrorKind enumerates the adapter-level failure taxonomy. A BadJsonLine
// is never surfaced as an ErrorKind: it is logged and skipped in place,
// since one malformed line must not abort an otherwise healthy run.
type ErrorKind string

const (
	ErrSpawnFailed ErrorKind = "spawn_failed"
	ErrTimeout     ErrorKind = "timeout"
	ErrNonZeroExit ErrorKind = "non_zero_exit"
	ErrCancelled   ErrorKind = "cancelled"
)

// AdapterError wraps an ErrorKind with a human-readable message, and is
// the error half of the (Event, error) pairs RunTurn yields on failure.
type AdapterError struct {
	Kind    ErrorKind
	Message string
}

func (e *AdapterError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// TurnRequest carries everything one dialect needs to run a single turn.
type TurnRequest struct {
	AgentID      string
	Prompt       string
	ExternalSID  string // external session id to resume, if any
	SystemPrompt string // appended system prompt, if any
	WorkDir      string
}

// Outcome is the terminal result of draining one turn's event sequence.
type Outcome struct {
	Status       string // "success", "error", "cancelled"
	FinalText    string
	ErrorKind    ErrorKind
	ErrorMessage string
}
