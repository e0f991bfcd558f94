// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package events provides the in-process event bus shared by the
// supervisor, scheduler, stream persister and WS gateway.
package events

import (
	"context"
	"time"
)

// Event represents an immutable event record.
type Event struct {
	ID        string                 `json:"id"`
	Version   string                 `json:"version"`
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload"`
}

// EventHandler processes received events.
type EventHandler func(ctx context.Context, event Event) error

// SubscriptionID uniquely identifies a subscription.
type SubscriptionID string

// EventFilter for querying event history.
type EventFilter struct {
	Types []string  // Event types to match (supports wildcards)
	Since time.Time // Events after this time
	Until time.Time // Events before this time
	Limit int       // Maximum events to return
}

// EventBus is the core event pub/sub system.
type EventBus interface {
	// Publish emits an event to all matching subscribers.
	Publish(ctx context.Context, event Event) error

	// Subscribe registers a synchronous handler for events matching pattern.
	Subscribe(pattern string, handler EventHandler) (SubscriptionID, error)

	// SubscribeAsync registers an async handler with buffered channel.
	SubscribeAsync(pattern string, handler EventHandler, bufferSize int) (SubscriptionID, error)

	// Unsubscribe removes a subscription.
	Unsubscribe(id SubscriptionID) error

	// History retrieves past events matching filter.
	History(filter EventFilter) ([]Event, error)

	// Close shuts down the event bus gracefully.
	Close() error
}

// Event types published by the orchestration components. Payload shapes
// are documented alongside each publisher (supervisor, scheduler, stream
// persister, WS gateway).
const (
	// Conversation lifecycle, published by the store-facing handlers.
	EventConversationCreated = "conversation.created"
	EventConversationUpdated = "conversation.updated"
	EventConversationDeleted = "conversation.deleted"

	// Message lifecycle.
	EventMessageCreated = "message.created"

	// Streaming lifecycle, published by the run scheduler and stream
	// persister. Payload carries session_id, conversation_id and,
	// where applicable, agent_id / sequence / interrupted / error.
	EventStreamingStart    = "streaming.start"
	EventStreamingChunk    = "streaming.chunk"
	EventStreamingComplete = "streaming.complete"
	EventStreamingError    = "streaming.error"
	EventStreamingCancelled = "streaming.cancelled"

	// Run lifecycle.
	EventRunCancelled = "run.cancelled"

	// Queue status, published whenever a conversation's queue length
	// changes.
	EventQueueStatus = "queue.status"

	// Agent supervisor lifecycle.
	EventAgentStarted   = "agent.started"
	EventAgentStopped   = "agent.stopped"
	EventAgentCrashed   = "agent.crashed"
	EventAgentRestarted = "agent.restarted"
)

// RestartTrigger indicates why an agent process was restarted.
type RestartTrigger string

const (
	RestartTriggerManual RestartTrigger = "manual"
	RestartTriggerCrash  RestartTrigger = "crash"
	RestartTriggerIdle   RestartTrigger = "idle"
)
