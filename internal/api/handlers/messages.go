// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/wingedpig/trellis/internal/scheduler"
	"github.com/wingedpig/trellis/internal/store"
)

// MessageHandler exposes message listing and turn submission over HTTP,
// mirroring the msg.* RPC methods. Turn submission goes through the same
// Scheduler the WS Gateway uses, so queuing and run state-machine
// behavior are identical regardless of transport.
type MessageHandler struct {
	store store.Store
	sched *scheduler.Scheduler
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(s store.Store, sched *scheduler.Scheduler) *MessageHandler {
	return &MessageHandler{store: s, sched: sched}
}

type sendMessageRequest struct {
	Content     string `json:"content"`
	Agent       string `json:"agent"`
	Model       string `json:"model"`
	SubAgent    string `json:"sub_agent"`
	Idempotency string `json:"idempotency_key"`
}

// List returns a conversation's messages, newest-appended-last, with
// optional limit/offset pagination.
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	query := r.URL.Query()

	limit := 50
	if v := query.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	offset := 0
	if v := query.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	msgs, err := h.store.ListMessages(r.Context(), id, limit, offset)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, msgs)
}

// Send enqueues a user turn on a conversation, starting it immediately
// if the conversation is idle or queuing it behind the active run.
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, ErrBadRequest, "invalid JSON body")
		return
	}
	if req.Content == "" {
		WriteError(w, http.StatusBadRequest, ErrBadRequest, "content is required")
		return
	}

	result, err := h.sched.SendMessage(r.Context(), id, req.Content, req.Agent, req.Model, req.SubAgent, req.Idempotency)
	if err != nil {
		if err == scheduler.ErrResourceExhausted {
			WriteError(w, http.StatusTooManyRequests, ErrResourceBusy, err.Error())
			return
		}
		writeStoreErr(w, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, result)
}
