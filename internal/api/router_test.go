// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wingedpig/trellis/internal/agentio"
	"github.com/wingedpig/trellis/internal/config"
	"github.com/wingedpig/trellis/internal/events"
	"github.com/wingedpig/trellis/internal/scheduler"
	"github.com/wingedpig/trellis/internal/store"
	"github.com/wingedpig/trellis/internal/stream"
	"github.com/wingedpig/trellis/internal/wsgateway"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "orchd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	bus := events.NewMemoryEventBus(events.MemoryBusConfig{HistoryMaxEvents: 100})
	registry, err := agentio.NewRegistry([]config.AgentConfig{
		{ID: "claude", Binary: "sh", Args: []string{"-c", `echo '{"type":"result"}'`}},
	}, nil)
	require.NoError(t, err)
	persister := stream.New(s, bus)
	sched := scheduler.New(s, bus, registry, persister, 0, 5*time.Second)
	gw := wsgateway.New(bus, config.GatewayConfig{})
	wsgateway.RegisterMethods(gw, s, sched)

	return NewRouter("/gm", Dependencies{Store: s, Scheduler: sched, EventBus: bus, Gateway: gw})
}

func TestRouter_ConversationCreateListGet(t *testing.T) {
	r := newTestRouter(t)
	server := httptest.NewServer(r)
	defer server.Close()

	resp, err := http.Post(server.URL+"/gm/api/v1/conversations", "application/json",
		strings.NewReader(`{"agent":"claude","title":"t"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp2, err := http.Get(server.URL + "/gm/api/v1/conversations")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestRouter_CORSPreflight(t *testing.T) {
	r := newTestRouter(t)
	server := httptest.NewServer(r)
	defer server.Close()

	req, err := http.NewRequest(http.MethodOptions, server.URL+"/gm/api/v1/conversations", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
