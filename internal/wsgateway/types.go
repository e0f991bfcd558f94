// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package wsgateway implements the per-client WebSocket connection:
// JSON-RPC-style method dispatch on the inbound half, and subscription
// filtering, prioritization, batching, rate limiting and compression on
// the outbound half.
package wsgateway

import (
	"encoding/json"
	"errors"
)

// RequestFrame is the inbound shape for a method call.
type RequestFrame struct {
	R string          `json:"r"`
	M string          `json:"m"`
	P json.RawMessage `json:"p,omitempty"`
}

// ResponseFrame is the success reply to a RequestFrame.
type ResponseFrame struct {
	R string      `json:"r"`
	D interface{} `json:"d,omitempty"`
}

// ErrorDetail carries an error code and message.
type ErrorDetail struct {
	C int    `json:"c"`
	M string `json:"m"`
}

// ErrorFrame is the failure reply to a RequestFrame.
type ErrorFrame struct {
	R string      `json:"r"`
	E ErrorDetail `json:"e"`
}

// LegacyEventFrame is the older subscribe/unsubscribe/ping control
// frame shape, kept alongside the RPC frame shape for existing clients.
type LegacyEventFrame struct {
	Type           string `json:"type"`
	SessionID      string `json:"sessionId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
}

// Priority classifies an outbound message for the batching pipeline.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
)

// LatencyTier buckets a client's measured round-trip latency, derived
// from ping/pong, into a batching interval.
type LatencyTier int

const (
	TierExcellent LatencyTier = iota
	TierGood
	TierFair
	TierPoor
	TierBad
)

// batchIntervalMs maps each latency tier to its deferred-flush interval
// for normal/low priority messages.
var batchIntervalMs = map[LatencyTier]int{
	TierExcellent: 16,
	TierGood:      32,
	TierFair:      50,
	TierPoor:      100,
	TierBad:       200,
}

func (t LatencyTier) worse() LatencyTier {
	if t < TierBad {
		return t + 1
	}
	return t
}

func (t LatencyTier) better() LatencyTier {
	if t > TierExcellent {
		return t - 1
	}
	return t
}

// broadcastTypes bypass subscription filtering entirely: every
// connected client receives them.
var broadcastTypes = map[string]bool{
	"conversation.created": true,
	"conversation.updated": true,
	"conversation.deleted": true,
	"queue.status":         true,
}

// Dispatch error classes, mapped to HTTP-style status codes in the
// error frame.
var (
	ErrUnknownMethod     = errors.New("unknown method")
	ErrMissingParam      = errors.New("missing required parameter")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrResourceExhausted = errors.New("resource exhausted")
)

const (
	codeBadRequest        = 400
	codeNotFound          = 404
	codeConflict          = 409
	codeResourceExhausted = 429
	codeServerError       = 500
)

func codeForError(err error) int {
	switch {
	case errors.Is(err, ErrUnknownMethod), errors.Is(err, ErrNotFound):
		return codeNotFound
	case errors.Is(err, ErrMissingParam):
		return codeBadRequest
	case errors.Is(err, ErrResourceExhausted):
		return codeResourceExhausted
	case errors.Is(err, ErrConflict):
		return codeConflict
	default:
		return codeServerError
	}
}
