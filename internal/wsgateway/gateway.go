// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package wsgateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wingedpig/trellis/internal/config"
	"github.com/wingedpig/trellis/internal/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// highPriorityTypes and lowPriorityTypes classify events for the
// batching pipeline; everything else is normal priority.
var highPriorityTypes = map[string]bool{
	events.EventStreamingError:     true,
	events.EventStreamingComplete:  true,
	events.EventStreamingCancelled: true,
	events.EventRunCancelled:       true,
}

var lowPriorityTypes = map[string]bool{
	events.EventQueueStatus: true,
}

func priorityFor(eventType string) Priority {
	if highPriorityTypes[eventType] {
		return PriorityHigh
	}
	if lowPriorityTypes[eventType] {
		return PriorityLow
	}
	return PriorityNormal
}

// MethodHandler answers one RPC method call.
type MethodHandler func(ctx context.Context, raw json.RawMessage) (interface{}, error)

// Gateway accepts WebSocket connections, dispatches inbound requests
// through a method table, and fans out Event Bus publications to
// subscribed clients through each client's outbound pipeline.
type Gateway struct {
	bus     events.EventBus
	methods map[string]MethodHandler
	cfg     config.GatewayConfig

	mu      sync.RWMutex
	clients map[string]*client
}

// New builds a Gateway from the gateway section of the scheduler config.
// Register methods with Handle before serving connections.
func New(bus events.EventBus, cfg config.GatewayConfig) *Gateway {
	if cfg.RateLimitPerSecond <= 0 {
		cfg.RateLimitPerSecond = 100
	}
	if cfg.MaxBatchNormal <= 0 {
		cfg.MaxBatchNormal = 10
	}
	if cfg.MaxBatchLow <= 0 {
		cfg.MaxBatchLow = 5
	}
	if cfg.CompressionMinBytes <= 0 {
		cfg.CompressionMinBytes = 1024
	}
	return &Gateway{
		bus:     bus,
		methods: make(map[string]MethodHandler),
		cfg:     cfg,
		clients: make(map[string]*client),
	}
}

// Handle registers a method in the dispatch table.
func (g *Gateway) Handle(method string, handler MethodHandler) {
	g.methods[method] = handler
}

func generateClientID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// ServeHTTP upgrades the connection and runs its lifecycle until close.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := newClient(generateClientID(), conn, g.cfg)
	g.mu.Lock()
	g.clients[c.id] = c
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.clients, c.id)
		g.mu.Unlock()
		c.close()
	}()

	subID, err := g.bus.SubscribeAsync("*", func(_ context.Context, e events.Event) error {
		g.route(c, e)
		return nil
	}, 256)
	if err != nil {
		return
	}
	defer g.bus.Unsubscribe(subID)

	var pingSentAt time.Time // guarded by c.mu
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		c.mu.Lock()
		sent := pingSentAt
		c.mu.Unlock()
		if !sent.IsZero() {
			c.recordLatency(time.Since(sent))
		}
		return nil
	})

	pingTicker := time.NewTicker(54 * time.Second)
	defer pingTicker.Stop()

	go func() {
		defer c.close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			g.handleInbound(c, data)
		}
	}()

	for {
		select {
		case <-pingTicker.C:
			c.mu.Lock()
			pingSentAt = time.Now()
			c.mu.Unlock()
			c.writeMu.Lock()
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

// route applies the subscription filter and hands a matching event to
// the client's outbound pipeline.
func (g *Gateway) route(c *client, e events.Event) {
	if !broadcastTypes[e.Type] {
		sessionID, _ := e.Payload["session_id"].(string)
		conversationID, _ := e.Payload["conversation_id"].(string)
		if !c.wants(sessionID, conversationID) {
			return
		}
	}

	payload, err := json.Marshal(e)
	if err != nil {
		return
	}
	c.enqueue(priorityFor(e.Type), payload)
}

func (g *Gateway) handleInbound(c *client, data []byte) {
	var legacy LegacyEventFrame
	if err := json.Unmarshal(data, &legacy); err == nil && legacy.Type != "" {
		g.handleLegacy(c, legacy)
		return
	}

	var req RequestFrame
	if err := json.Unmarshal(data, &req); err != nil || req.M == "" {
		return
	}
	g.dispatch(c, req)
}

func (g *Gateway) handleLegacy(c *client, frame LegacyEventFrame) {
	switch frame.Type {
	case "subscribe":
		if frame.SessionID != "" {
			c.subscribeSession(frame.SessionID)
		}
		if frame.ConversationID != "" {
			c.subscribeConversation(frame.ConversationID)
		}
	case "unsubscribe":
		if frame.SessionID != "" {
			c.unsubscribeSession(frame.SessionID)
		}
		if frame.ConversationID != "" {
			c.unsubscribeConversation(frame.ConversationID)
		}
	case "ping":
		c.sendDirect(mustMarshal(map[string]string{"type": "pong"}))
	}
}

func (g *Gateway) dispatch(c *client, req RequestFrame) {
	handler, ok := g.methods[req.M]
	if !ok {
		g.reply(c, req.R, nil, ErrUnknownMethod)
		return
	}

	result, err := handler(context.Background(), req.P)
	g.reply(c, req.R, result, err)
}

func (g *Gateway) reply(c *client, requestID string, result interface{}, err error) {
	var body []byte
	if err != nil {
		body = mustMarshal(ErrorFrame{R: requestID, E: ErrorDetail{C: codeForError(err), M: err.Error()}})
	} else {
		body = mustMarshal(ResponseFrame{R: requestID, D: result})
	}
	c.sendDirect(body)
}

func mustMarshal(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
