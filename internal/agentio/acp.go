// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package agentio

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net"
	"sync/atomic"
)

// Supervisor is the subset of the agent supervisor's contract this
// dialect depends on: a port to dial, obtained only after the agent is
// confirmed healthy (or adopted).
type Supervisor interface {
	EnsureRunning(ctx context.Context, agentID string) (int, error)
	Touch(agentID string)
}

// rpcRequest is a JSON-RPC 2.0 request, newline-delimited over the wire.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// rpcResponse is one line of a streamed JSON-RPC response. A response
// carrying Final=true is the terminator for the turn.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	Final   bool            `json:"final,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

var rpcIDCounter int64

func nextRPCID() int64 {
	return atomic.AddInt64(&rpcIDCounter, 1)
}

// ACPAdapter holds a persistent JSON-RPC connection to a running agent,
// dialing the port the Supervisor hands back from EnsureRunning. A turn
// is one method call whose streamed response yields events until a
// terminator arrives.
type ACPAdapter struct {
	agentID    string
	supervisor Supervisor
}

// NewACPAdapter builds an adapter that drives the given catalog entry
// through its supervisor-owned process.
func NewACPAdapter(agentID string, sup Supervisor) *ACPAdapter {
	return &ACPAdapter{agentID: agentID, supervisor: sup}
}

// RunTurn issues a "turn" JSON-RPC call and lazily yields one Event per
// streamed response line until the terminator or an error ends the call.
func (a *ACPAdapter) RunTurn(ctx context.Context, req TurnRequest) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		port, err := a.supervisor.EnsureRunning(ctx, a.agentID)
		if err != nil {
			yield(Event{}, &AdapterError{Kind: ErrSpawnFailed, Message: err.Error()})
			return
		}

		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			yield(Event{}, &AdapterError{Kind: ErrSpawnFailed, Message: err.Error()})
			return
		}
		defer conn.Close()

		if deadline, ok := ctx.Deadline(); ok {
			_ = conn.SetDeadline(deadline)
		}

		params, _ := json.Marshal(map[string]interface{}{
			"prompt":      req.Prompt,
			"session_id":  req.ExternalSID,
			"system":      req.SystemPrompt,
		})
		call := rpcRequest{JSONRPC: "2.0", ID: nextRPCID(), Method: "turn", Params: params}

		enc := json.NewEncoder(conn)
		if err := enc.Encode(call); err != nil {
			yield(Event{}, &AdapterError{Kind: ErrSpawnFailed, Message: err.Error()})
			return
		}

		a.supervisor.Touch(a.agentID)

		scanner := bufio.NewScanner(conn)
		scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				_ = conn.Close()
			case <-done:
			}
		}()
		defer close(done)

		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}

			var resp rpcResponse
			if err := json.Unmarshal(line, &resp); err != nil {
				continue
			}

			if resp.Error != nil {
				yield(Event{}, &AdapterError{Kind: ErrNonZeroExit, Message: resp.Error.Message})
				return
			}

			var probe struct {
				Type      string `json:"type"`
				SessionID string `json:"session_id,omitempty"`
			}
			_ = json.Unmarshal(resp.Result, &probe)

			event := Event{Type: probe.Type, SessionID: probe.SessionID, Payload: resp.Result}
			if !yield(event, nil) {
				return
			}

			if resp.Final {
				return
			}
		}

		if err := scanner.Err(); err != nil {
			if ctx.Err() != nil {
				yield(Event{}, &AdapterError{Kind: ErrCancelled, Message: "turn cancelled"})
			} else {
				yield(Event{}, &AdapterError{Kind: ErrTimeout, Message: err.Error()})
			}
		}
	}
}
