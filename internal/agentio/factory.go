// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package agentio

import (
	"context"
	"fmt"
	"iter"

	"github.com/wingedpig/trellis/internal/config"
)

// Adapter produces a lazy sequence of events for one turn.
type Adapter interface {
	RunTurn(ctx context.Context, req TurnRequest) iter.Seq2[Event, error]
}

// Registry builds the right dialect's Adapter for each catalog entry.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds one Adapter per catalog entry, selecting the dialect
// named on each AgentConfig.
func NewRegistry(catalog []config.AgentConfig, sup Supervisor) (*Registry, error) {
	r := &Registry{adapters: make(map[string]Adapter, len(catalog))}
	for _, cfg := range catalog {
		switch cfg.Dialect {
		case "", "stream-stdout":
			r.adapters[cfg.ID] = NewStreamStdoutAdapter(cfg)
		case "acp-rpc":
			if sup == nil {
				return nil, fmt.Errorf("agent %s: acp-rpc dialect requires a supervisor", cfg.ID)
			}
			r.adapters[cfg.ID] = NewACPAdapter(cfg.ID, sup)
		default:
			return nil, fmt.Errorf("agent %s: unknown dialect %q", cfg.ID, cfg.Dialect)
		}
	}
	return r, nil
}

// For returns the adapter registered for an agent ID.
func (r *Registry) For(agentID string) (Adapter, error) {
	a, ok := r.adapters[agentID]
	if !ok {
		return nil, fmt.Errorf("unknown agent %q", agentID)
	}
	return a, nil
}

// Collect drains an adapter's event sequence, invoking onEvent for every
// decoded event, and returns the terminal Outcome. onEvent returning an
// error aborts the turn early without treating it as an adapter failure.
func Collect(ctx context.Context, seq iter.Seq2[Event, error], onEvent func(Event) error) Outcome {
	for event, err := range seq {
		if err != nil {
			if adapterErr, ok := err.(*AdapterError); ok {
				status := "error"
				if adapterErr.Kind == ErrCancelled {
					status = "cancelled"
				}
				return Outcome{Status: status, ErrorKind: adapterErr.Kind, ErrorMessage: adapterErr.Message}
			}
			return Outcome{Status: "error", ErrorKind: ErrNonZeroExit, ErrorMessage: err.Error()}
		}
		if hookErr := onEvent(event); hookErr != nil {
			return Outcome{Status: "error", ErrorKind: ErrNonZeroExit, ErrorMessage: hookErr.Error()}
		}
	}
	return Outcome{Status: "success"}
}
