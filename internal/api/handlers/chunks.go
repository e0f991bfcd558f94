// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/wingedpig/trellis/internal/events"
	"github.com/wingedpig/trellis/internal/store"
)

// ChunkHandler exposes a conversation's stream chunks over HTTP: a
// one-shot fetch-since-timestamp for polling clients, and an SSE variant
// for callers that want a live feed without a WebSocket connection.
type ChunkHandler struct {
	store store.Store
	bus   events.EventBus
}

// NewChunkHandler creates a new chunk handler.
func NewChunkHandler(s store.Store, bus events.EventBus) *ChunkHandler {
	return &ChunkHandler{store: s, bus: bus}
}

// List returns a conversation's chunks, optionally filtered to those
// created at or after the given timestamp (Unix milliseconds, per the wire
// contract; created_at itself is stored and compared in seconds).
func (h *ChunkHandler) List(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var since int64
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			WriteError(w, http.StatusBadRequest, ErrBadRequest, "since must be a unix millisecond timestamp")
			return
		}
		since = n / 1000
	}

	chunks, err := h.store.ListChunks(r.Context(), id, since)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, chunks)
}

// Stream serves the conversation's chunk and lifecycle events as
// Server-Sent Events, for clients that prefer a plain HTTP stream over
// the WS Gateway. It replays chunks already persisted before the
// connection opened, then follows the Event Bus for anything new.
func (h *ChunkHandler) Stream(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, http.StatusInternalServerError, ErrInternalError, "streaming unsupported")
		return
	}

	chunks, err := h.store.ListChunks(r.Context(), id, 0)
	if err != nil {
		writeStoreErr(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	for _, c := range chunks {
		writeSSEEvent(w, "chunk", c)
	}
	flusher.Flush()

	msgCh := make(chan events.Event, 32)
	subID, err := h.bus.SubscribeAsync("*", func(ctx context.Context, e events.Event) error {
		if convID, _ := e.Payload["conversation_id"].(string); convID == id {
			select {
			case msgCh <- e:
			default:
			}
		}
		return nil
	}, 32)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, ErrInternalError, err.Error())
		return
	}
	defer h.bus.Unsubscribe(subID)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		case e := <-msgCh:
			writeSSEEvent(w, e.Type, e)
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, eventName string, data interface{}) {
	body, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventName, body)
}
