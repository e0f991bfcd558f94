// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package wsgateway

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wingedpig/trellis/internal/agentio"
	"github.com/wingedpig/trellis/internal/config"
	"github.com/wingedpig/trellis/internal/events"
	"github.com/wingedpig/trellis/internal/scheduler"
	"github.com/wingedpig/trellis/internal/store"
	"github.com/wingedpig/trellis/internal/stream"
)

func newTestGateway(t *testing.T) (*Gateway, store.Store, *events.MemoryEventBus) {
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

	g := New(bus, config.GatewayConfig{})
	RegisterMethods(g, s, sched)
	return g, s, bus
}

func dial(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestGateway_ConvNewAndGetRoundTrip(t *testing.T) {
	g, _, _ := newTestGateway(t)
	server := httptest.NewServer(http.HandlerFunc(g.ServeHTTP))
	defer server.Close()

	conn := dial(t, server)

	require.NoError(t, conn.WriteJSON(RequestFrame{R: "1", M: "conv.new", P: mustMarshal(map[string]string{"agent": "claude", "title": "t"})}))

	var resp ResponseFrame
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, "1", resp.R)

	data, ok := resp.D.(map[string]interface{})
	require.True(t, ok)
	id, _ := data["id"].(string)
	require.NotEmpty(t, id)

	require.NoError(t, conn.WriteJSON(RequestFrame{R: "2", M: "conv.get", P: mustMarshal(map[string]string{"id": id})}))
	var getResp ResponseFrame
	require.NoError(t, conn.ReadJSON(&getResp))
	assert.Equal(t, "2", getResp.R)
}

func TestGateway_UnknownMethodReturns404(t *testing.T) {
	g, _, _ := newTestGateway(t)
	server := httptest.NewServer(http.HandlerFunc(g.ServeHTTP))
	defer server.Close()

	conn := dial(t, server)
	require.NoError(t, conn.WriteJSON(RequestFrame{R: "1", M: "nope.nope"}))

	var resp ErrorFrame
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, codeNotFound, resp.E.C)
}

func TestGateway_MissingParamReturns400(t *testing.T) {
	g, _, _ := newTestGateway(t)
	server := httptest.NewServer(http.HandlerFunc(g.ServeHTTP))
	defer server.Close()

	conn := dial(t, server)
	require.NoError(t, conn.WriteJSON(RequestFrame{R: "1", M: "conv.get", P: mustMarshal(map[string]string{})}))

	var resp ErrorFrame
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, codeBadRequest, resp.E.C)
}

func TestGateway_GetMissingConversationReturns404(t *testing.T) {
	g, _, _ := newTestGateway(t)
	server := httptest.NewServer(http.HandlerFunc(g.ServeHTTP))
	defer server.Close()

	conn := dial(t, server)
	require.NoError(t, conn.WriteJSON(RequestFrame{R: "1", M: "conv.get", P: mustMarshal(map[string]string{"id": "missing"})}))

	var resp ErrorFrame
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, codeNotFound, resp.E.C)
}

func TestGateway_BroadcastTypeBypassesSubscriptionFilter(t *testing.T) {
	g, s, bus := newTestGateway(t)
	server := httptest.NewServer(http.HandlerFunc(g.ServeHTTP))
	defer server.Close()

	conn := dial(t, server)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	// Give the gateway a moment to subscribe to the bus before publishing.
	time.Sleep(20 * time.Millisecond)

	conv, err := s.CreateConversation(t.Context(), "claude", "t", "", "", "")
	require.NoError(t, err)
	require.NoError(t, bus.Publish(t.Context(), events.Event{
		Type:    events.EventConversationCreated,
		Payload: map[string]interface{}{"id": conv.ID},
	}))

	var msg map[string]interface{}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, events.EventConversationCreated, msg["type"])
}

func TestPriorityFor(t *testing.T) {
	assert.Equal(t, PriorityHigh, priorityFor(events.EventStreamingError))
	assert.Equal(t, PriorityLow, priorityFor(events.EventQueueStatus))
	assert.Equal(t, PriorityNormal, priorityFor(events.EventStreamingChunk))
}
