// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/wingedpig/trellis/internal/scheduler"
	"github.com/wingedpig/trellis/internal/store"
)

// ConversationHandler exposes conversation CRUD over HTTP, mirroring the
// conv.* RPC methods for callers that prefer a plain request/response
// surface over the WS Gateway.
type ConversationHandler struct {
	store store.Store
	sched *scheduler.Scheduler
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(s store.Store, sched *scheduler.Scheduler) *ConversationHandler {
	return &ConversationHandler{store: s, sched: sched}
}

type createConversationRequest struct {
	Agent    string `json:"agent"`
	Title    string `json:"title"`
	WorkDir  string `json:"work_dir"`
	Model    string `json:"model"`
	SubAgent string `json:"sub_agent"`
}

// List returns every conversation, most recently updated first.
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	convs, err := h.store.ListConversations(r.Context())
	if err != nil {
		WriteError(w, http.StatusInternalServerError, ErrInternalError, err.Error())
		return
	}
	for _, c := range convs {
		c.IsStreaming = h.sched.IsActive(c.ID)
	}
	WriteJSON(w, http.StatusOK, convs)
}

// Create starts a new conversation for an agent.
func (h *ConversationHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, ErrBadRequest, "invalid JSON body")
		return
	}
	if req.Agent == "" {
		WriteError(w, http.StatusBadRequest, ErrBadRequest, "agent is required")
		return
	}

	conv, err := h.store.CreateConversation(r.Context(), req.Agent, req.Title, req.WorkDir, req.Model, req.SubAgent)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, ErrInternalError, err.Error())
		return
	}
	WriteJSON(w, http.StatusCreated, conv)
}

// Get fetches a single conversation by ID.
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	conv, err := h.store.GetConversation(r.Context(), id)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, conv)
}

// Delete removes a conversation, refusing if it has a non-terminal run.
func (h *ConversationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := h.store.DeleteConversation(r.Context(), id); err != nil {
		writeStoreErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeStoreErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		WriteError(w, http.StatusNotFound, ErrNotFound, err.Error())
	case errors.Is(err, store.ErrConflict):
		WriteError(w, http.StatusConflict, ErrConflict, err.Error())
	default:
		WriteError(w, http.StatusInternalServerError, ErrInternalError, err.Error())
	}
}
