// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/wingedpig/trellis/internal/api/handlers"
	"github.com/wingedpig/trellis/internal/api/middleware"
	"github.com/wingedpig/trellis/internal/events"
	"github.com/wingedpig/trellis/internal/scheduler"
	"github.com/wingedpig/trellis/internal/store"
	"github.com/wingedpig/trellis/internal/wsgateway"
)

// ServerConfig holds configuration for the API server.
type ServerConfig struct {
	Host    string
	Port    int
	BaseURL string
}

// Dependencies holds the components a router needs to wire handlers
// against. No component here owns any business logic of its own; the
// HTTP Façade and WS Gateway both sit in front of the same Store,
// Scheduler and Event Bus.
type Dependencies struct {
	Store     store.Store
	Scheduler *scheduler.Scheduler
	EventBus  events.EventBus
	Gateway   *wsgateway.Gateway
}

// defaultBaseURL is applied when no ServerConfig.BaseURL is given, e.g.
// by tests that build a router directly without going through config
// loading.
const defaultBaseURL = "/gm"

// normalizeBaseURL strips any trailing slash and guarantees a leading
// one, so callers can join it with a leading-slash subpath unambiguously.
func normalizeBaseURL(baseURL string) string {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	if !strings.HasPrefix(baseURL, "/") {
		baseURL = "/" + baseURL
	}
	return baseURL
}

// NewRouter builds the HTTP Façade's routes plus the WS Gateway's
// upgrade endpoint, under the same logging/recovery/CORS middleware
// stack the teacher applies globally. Every route lives under baseURL,
// with the WS upgrade at <baseURL>/sync.
func NewRouter(baseURL string, deps Dependencies) *mux.Router {
	baseURL = normalizeBaseURL(baseURL)

	r := mux.NewRouter()

	r.Use(middleware.Logging)
	r.Use(middleware.Recovery)
	r.Use(middleware.CORS)

	base := r.PathPrefix(baseURL).Subrouter()

	base.Handle("/sync", deps.Gateway).Methods("GET")

	api := base.PathPrefix("/api/v1").Subrouter()

	convHandler := handlers.NewConversationHandler(deps.Store, deps.Scheduler)
	api.HandleFunc("/conversations", convHandler.List).Methods("GET")
	api.HandleFunc("/conversations", convHandler.Create).Methods("POST")
	api.HandleFunc("/conversations/{id}", convHandler.Get).Methods("GET")
	api.HandleFunc("/conversations/{id}", convHandler.Delete).Methods("DELETE")

	msgHandler := handlers.NewMessageHandler(deps.Store, deps.Scheduler)
	api.HandleFunc("/conversations/{id}/messages", msgHandler.List).Methods("GET")
	api.HandleFunc("/conversations/{id}/messages", msgHandler.Send).Methods("POST")

	chunkHandler := handlers.NewChunkHandler(deps.Store, deps.EventBus)
	api.HandleFunc("/conversations/{id}/chunks", chunkHandler.List).Methods("GET")
	api.HandleFunc("/conversations/{id}/chunks/stream", chunkHandler.Stream).Methods("GET")

	eventHandler := handlers.NewEventHandler(deps.EventBus)
	api.HandleFunc("/events", eventHandler.History).Methods("GET")

	return r
}

// Server represents the API server.
type Server struct {
	router *mux.Router
	cfg    ServerConfig
	server *http.Server
}

// NewServer creates a new API server.
func NewServer(cfg ServerConfig, deps Dependencies) *Server {
	return &Server{
		router: NewRouter(cfg.BaseURL, deps),
		cfg:    cfg,
	}
}

// Router returns the underlying router.
func (s *Server) Router() *mux.Router {
	return s.router
}

// ListenAndServe starts the server.
func (s *Server) ListenAndServe() error {
	addr := s.cfg.Host + ":" + strconv.Itoa(s.cfg.Port)
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}
	log.Printf("API server listening on http://%s", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	log.Println("Shutting down API server...")

	shutdownCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
	}
	return s.server.Shutdown(shutdownCtx)
}
