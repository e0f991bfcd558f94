// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package wsgateway

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wingedpig/trellis/internal/config"
)

// compressionMinSavings and the bandwidth-warning thresholds have no
// config knob; everything else a client's outbound pipeline needs is
// supplied per-instance by newClient from config.GatewayConfig.
const (
	compressionMinSavings = 0.10
	bandwidthWarnThreshold = 1024 * 1024 // 1 MB/s
	bandwidthWarnSustain   = 3 * time.Second
)

// outboundMessage is one event queued for delivery, already classified.
type outboundMessage struct {
	priority Priority
	payload  json.RawMessage
	raw      string // serialized form, used for dedup comparison
}

// client is one connected WebSocket session.
type client struct {
	id   string
	conn *websocket.Conn

	rateLimitPerSecond  int
	maxBatchNormal      int
	maxBatchLow         int
	compressionMinBytes int

	mu            sync.Mutex
	subSessions   map[string]bool
	subConvs      map[string]bool
	latencyTier   LatencyTier
	latencyTrend  int // +1 rising, -1 falling, 0 stable

	writeMu sync.Mutex

	highQueue   []outboundMessage
	normalQueue []outboundMessage
	lowQueue    []outboundMessage
	lastRaw     string

	flushTimer *time.Timer
	flushMu    sync.Mutex

	rateMu        sync.Mutex
	rateWindowStart time.Time
	rateCount       int
	rateWarnedAt    time.Time

	bwMu          sync.Mutex
	bwWindowStart time.Time
	bwBytes       int64
	bwOverSince   time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

func newClient(id string, conn *websocket.Conn, cfg config.GatewayConfig) *client {
	return &client{
		id:   id,
		conn: conn,

		rateLimitPerSecond:  cfg.RateLimitPerSecond,
		maxBatchNormal:      cfg.MaxBatchNormal,
		maxBatchLow:         cfg.MaxBatchLow,
		compressionMinBytes: cfg.CompressionMinBytes,

		subSessions: make(map[string]bool),
		subConvs:    make(map[string]bool),
		latencyTier: TierExcellent,
		closed:      make(chan struct{}),
	}
}

func (c *client) subscribeSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subSessions[sessionID] = true
}

func (c *client) subscribeConversation(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subConvs[conversationID] = true
}

func (c *client) unsubscribeSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subSessions, sessionID)
}

func (c *client) unsubscribeConversation(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subConvs, conversationID)
}

func (c *client) wants(sessionID, conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sessionID != "" {
		return c.subSessions[sessionID]
	}
	if conversationID != "" {
		return c.subConvs[conversationID]
	}
	return false
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

// enqueue classifies, deduplicates and schedules one event for
// delivery, applying the rate limit before it ever reaches a queue.
func (c *client) enqueue(priority Priority, payload json.RawMessage) {
	raw := string(payload)

	c.flushMu.Lock()
	if raw == c.lastRaw {
		c.flushMu.Unlock()
		return
	}
	c.lastRaw = raw
	c.flushMu.Unlock()

	if !c.allowByRateLimit(priority) {
		return
	}

	msg := outboundMessage{priority: priority, payload: payload, raw: raw}

	switch priority {
	case PriorityHigh:
		c.flushHighImmediately(msg)
	case PriorityLow:
		c.flushMu.Lock()
		c.lowQueue = append(c.lowQueue, msg)
		c.flushMu.Unlock()
		c.scheduleFlush()
	default:
		c.flushMu.Lock()
		c.normalQueue = append(c.normalQueue, msg)
		c.flushMu.Unlock()
		c.scheduleFlush()
	}
}

func (c *client) allowByRateLimit(priority Priority) bool {
	if priority == PriorityHigh {
		return true // high priority is never dropped by the rate limiter
	}

	c.rateMu.Lock()
	defer c.rateMu.Unlock()

	now := time.Now()
	if now.Sub(c.rateWindowStart) > time.Second {
		c.rateWindowStart = now
		c.rateCount = 0
	}
	c.rateCount++
	if c.rateCount > c.rateLimitPerSecond {
		if now.Sub(c.rateWarnedAt) > time.Second {
			c.rateWarnedAt = now
			log.Printf("wsgateway: client %s exceeded %d msg/s, dropping", c.id, c.rateLimitPerSecond)
		}
		return false
	}
	return true
}

func (c *client) flushHighImmediately(msg outboundMessage) {
	c.send([]outboundMessage{msg})
}

// sendDirect writes a single frame immediately, bypassing the
// subscription/dedup/rate-limit/batching pipeline. Used for direct RPC
// replies, which are not Event Bus publications.
func (c *client) sendDirect(payload json.RawMessage) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return
	}
	c.recordBandwidth(int64(len(payload)))
}

func (c *client) scheduleFlush() {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()
	if c.flushTimer != nil {
		return
	}

	c.mu.Lock()
	interval := time.Duration(batchIntervalMs[c.latencyTier]) * time.Millisecond
	c.mu.Unlock()

	c.flushTimer = time.AfterFunc(interval, c.flush)
}

func (c *client) flush() {
	c.flushMu.Lock()
	c.flushTimer = nil

	var batch []outboundMessage
	if len(c.normalQueue) > 0 {
		n := c.maxBatchNormal
		if n > len(c.normalQueue) {
			n = len(c.normalQueue)
		}
		batch = append(batch, c.normalQueue[:n]...)
		c.normalQueue = c.normalQueue[n:]
	}
	if len(c.lowQueue) > 0 {
		n := c.maxBatchLow
		if n > len(c.lowQueue) {
			n = len(c.lowQueue)
		}
		batch = append(batch, c.lowQueue[:n]...)
		c.lowQueue = c.lowQueue[n:]
	}
	residue := len(c.normalQueue) > 0 || len(c.lowQueue) > 0
	c.flushMu.Unlock()

	if len(batch) > 0 {
		c.send(batch)
	}
	if residue {
		c.scheduleFlush()
	}
}

// send serializes, optionally compresses, and writes one batch, then
// records it for bandwidth monitoring.
func (c *client) send(batch []outboundMessage) {
	var body []byte
	var err error

	if len(batch) == 1 {
		body = []byte(batch[0].raw)
	} else {
		payloads := make([]json.RawMessage, len(batch))
		for i, m := range batch {
			payloads[i] = m.payload
		}
		body, err = json.Marshal(payloads)
		if err != nil {
			log.Printf("wsgateway: marshal batch for client %s failed: %v", c.id, err)
			return
		}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if len(body) >= c.compressionMinBytes {
		if compressed, ok := gzipIfWorthwhile(body); ok {
			if err := c.conn.WriteJSON(map[string]string{"type": "_compressed", "encoding": "gzip"}); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.BinaryMessage, compressed); err != nil {
				return
			}
			c.recordBandwidth(int64(len(compressed)))
			return
		}
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, body); err != nil {
		return
	}
	c.recordBandwidth(int64(len(body)))
}

func gzipIfWorthwhile(body []byte) ([]byte, bool) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(body); err != nil {
		w.Close()
		return nil, false
	}
	if err := w.Close(); err != nil {
		return nil, false
	}
	savings := 1.0 - float64(buf.Len())/float64(len(body))
	if savings < compressionMinSavings {
		return nil, false
	}
	return buf.Bytes(), true
}

func (c *client) recordBandwidth(n int64) {
	c.bwMu.Lock()
	defer c.bwMu.Unlock()

	now := time.Now()
	if c.bwWindowStart.IsZero() || now.Sub(c.bwWindowStart) > time.Second {
		c.bwWindowStart = now
		c.bwBytes = 0
	}
	c.bwBytes += n

	if c.bwBytes > bandwidthWarnThreshold {
		if c.bwOverSince.IsZero() {
			c.bwOverSince = now
		} else if now.Sub(c.bwOverSince) >= bandwidthWarnSustain {
			log.Printf("wsgateway: client %s sustained >1MB/s for 3s", c.id)
			c.bwOverSince = now
		}
	} else {
		c.bwOverSince = time.Time{}
	}
}

// recordLatency updates the client's tier from a measured round trip,
// shifting toward the worse tier when rising and the better tier when
// falling.
func (c *client) recordLatency(rtt time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tier := tierForLatency(rtt)
	if tier > c.latencyTier {
		c.latencyTier = c.latencyTier.worse()
	} else if tier < c.latencyTier {
		c.latencyTier = c.latencyTier.better()
	}
}

func tierForLatency(rtt time.Duration) LatencyTier {
	switch {
	case rtt < 50*time.Millisecond:
		return TierExcellent
	case rtt < 150*time.Millisecond:
		return TierGood
	case rtt < 300*time.Millisecond:
		return TierFair
	case rtt < 600*time.Millisecond:
		return TierPoor
	default:
		return TierBad
	}
}
