// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package stream persists each event an agent emits before it is fanned
// out, assigning a gap-free per-session sequence along the way.
package stream

import (
	"context"
	"iter"
	"log"

	"github.com/wingedpig/trellis/internal/agentio"
	"github.com/wingedpig/trellis/internal/events"
	"github.com/wingedpig/trellis/internal/store"
)

// knownChunkTypes are the event type strings the Adapter contract names
// explicitly; anything else is still persisted, just tagged generically.
var knownChunkTypes = map[string]bool{
	"system":      true,
	"text":        true,
	"tool_use":    true,
	"tool_result": true,
	"result":      true,
}

func classify(eventType string) string {
	if eventType == "" {
		return "adapter-specific"
	}
	if knownChunkTypes[eventType] {
		return eventType
	}
	return "adapter-specific"
}

// Persister writes each decoded event to the Store before publishing it,
// so a client that lists chunks and then subscribes never misses or
// double-receives one.
type Persister struct {
	store store.Store
	bus   events.EventBus
}

// New builds a Persister over the given Store and Event Bus.
func New(s store.Store, bus events.EventBus) *Persister {
	return &Persister{store: s, bus: bus}
}

// Persist drains seq to completion, persisting and publishing each event
// in order, and returns the adapter's final outcome. It never returns
// before the final StreamingComplete/StreamingError/StreamingCancelled
// event has been published.
func (p *Persister) Persist(ctx context.Context, sessionID, conversationID string, seq iter.Seq2[agentio.Event, error]) agentio.Outcome {
	outcome := agentio.Collect(ctx, seq, func(ev agentio.Event) error {
		chunkType := classify(ev.Type)
		chunk, err := p.store.CreateChunk(ctx, sessionID, conversationID, chunkType, string(ev.Payload))
		if err != nil {
			log.Printf("scheduler: persist chunk for session %s failed: %v", sessionID, err)
			return nil
		}

		p.publish(ctx, events.EventStreamingChunk, map[string]interface{}{
			"session_id":      sessionID,
			"conversation_id": conversationID,
			"sequence":        chunk.Sequence,
			"payload":         chunk.Payload,
		})
		return nil
	})

	p.publishTerminal(ctx, sessionID, conversationID, outcome)
	return outcome
}

func (p *Persister) publishTerminal(ctx context.Context, sessionID, conversationID string, outcome agentio.Outcome) {
	payload := map[string]interface{}{
		"session_id":      sessionID,
		"conversation_id": conversationID,
	}

	switch outcome.Status {
	case "cancelled":
		p.publish(ctx, events.EventStreamingCancelled, payload)
	case "error":
		payload["error"] = outcome.ErrorMessage
		p.publish(ctx, events.EventStreamingError, payload)
	default:
		payload["interrupted"] = false
		p.publish(ctx, events.EventStreamingComplete, payload)
	}
}

func (p *Persister) publish(ctx context.Context, eventType string, payload map[string]interface{}) {
	if err := p.bus.Publish(ctx, events.Event{Type: eventType, Payload: payload}); err != nil {
		log.Printf("scheduler: publish %s failed: %v", eventType, err)
	}
}
