// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package wsgateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/wingedpig/trellis/internal/scheduler"
	"github.com/wingedpig/trellis/internal/store"
)

// RegisterMethods wires the standard conv.*/msg.*/q.*/run.* method
// table onto a Store and Scheduler. The table is non-exhaustive of the
// full RPC surface; it covers the read/write operations each data-model
// entity names.
func RegisterMethods(g *Gateway, s store.Store, sched *scheduler.Scheduler) {
	g.Handle("conv.ls", func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
		convs, err := s.ListConversations(ctx)
		if err != nil {
			return nil, err
		}
		for _, c := range convs {
			c.IsStreaming = sched.IsActive(c.ID)
		}
		return convs, nil
	})

	g.Handle("conv.new", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var p struct {
			Agent    string `json:"agent"`
			Title    string `json:"title"`
			WorkDir  string `json:"work_dir"`
			Model    string `json:"model"`
			SubAgent string `json:"sub_agent"`
		}
		if err := unmarshalParams(raw, &p); err != nil {
			return nil, err
		}
		if p.Agent == "" {
			return nil, fmt.Errorf("%w: agent", ErrMissingParam)
		}
		return s.CreateConversation(ctx, p.Agent, p.Title, p.WorkDir, p.Model, p.SubAgent)
	})

	g.Handle("conv.get", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		id, err := requireID(raw)
		if err != nil {
			return nil, err
		}
		return wrapStoreErr(s.GetConversation(ctx, id))
	})

	g.Handle("conv.upd", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var p struct {
			ID    string                     `json:"id"`
			Patch store.ConversationPatch `json:"patch"`
		}
		if err := unmarshalParams(raw, &p); err != nil {
			return nil, err
		}
		if p.ID == "" {
			return nil, fmt.Errorf("%w: id", ErrMissingParam)
		}
		return wrapStoreErr(s.UpdateConversation(ctx, p.ID, p.Patch))
	})

	g.Handle("conv.del", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		id, err := requireID(raw)
		if err != nil {
			return nil, err
		}
		if err := s.DeleteConversation(ctx, id); err != nil {
			return nil, mapStoreErr(err)
		}
		return map[string]bool{"ok": true}, nil
	})

	g.Handle("conv.chunks", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var p struct {
			ID    string `json:"id"`
			Since int64  `json:"since"`
		}
		if err := unmarshalParams(raw, &p); err != nil {
			return nil, err
		}
		if p.ID == "" {
			return nil, fmt.Errorf("%w: id", ErrMissingParam)
		}
		return s.ListChunks(ctx, p.ID, p.Since)
	})

	g.Handle("conv.cancel", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		id, err := requireID(raw)
		if err != nil {
			return nil, err
		}
		if err := sched.Cancel(ctx, id); err != nil {
			return nil, mapStoreErr(err)
		}
		return map[string]bool{"ok": true}, nil
	})

	g.Handle("msg.ls", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var p struct {
			ID     string `json:"id"`
			Limit  int    `json:"limit"`
			Offset int    `json:"offset"`
		}
		if err := unmarshalParams(raw, &p); err != nil {
			return nil, err
		}
		if p.ID == "" {
			return nil, fmt.Errorf("%w: id", ErrMissingParam)
		}
		return s.ListMessages(ctx, p.ID, p.Limit, p.Offset)
	})

	g.Handle("msg.send", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var p struct {
			ConversationID string `json:"conversation_id"`
			Content        string `json:"content"`
			Agent          string `json:"agent"`
			Model          string `json:"model"`
			SubAgent       string `json:"sub_agent"`
			Idempotency    string `json:"idempotency"`
		}
		if err := unmarshalParams(raw, &p); err != nil {
			return nil, err
		}
		if p.ConversationID == "" {
			return nil, fmt.Errorf("%w: conversation_id", ErrMissingParam)
		}
		if p.Content == "" {
			return nil, fmt.Errorf("%w: content", ErrMissingParam)
		}
		result, err := sched.SendMessage(ctx, p.ConversationID, p.Content, p.Agent, p.Model, p.SubAgent, p.Idempotency)
		if err != nil {
			if errors.Is(err, scheduler.ErrResourceExhausted) {
				return nil, fmt.Errorf("%w: queue full", ErrResourceExhausted)
			}
			return nil, err
		}
		return result, nil
	})

	g.Handle("q.ls", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		id, err := requireID(raw)
		if err != nil {
			return nil, err
		}
		return map[string]int{"length": sched.QueueStatus(id)}, nil
	})

	g.Handle("run.get", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		id, err := requireID(raw)
		if err != nil {
			return nil, err
		}
		return wrapStoreErr(s.GetRun(ctx, id))
	})

	g.Handle("run.cancel", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		id, err := requireID(raw)
		if err != nil {
			return nil, err
		}
		if err := sched.CancelRun(ctx, id); err != nil {
			return nil, mapStoreErr(err)
		}
		return map[string]bool{"ok": true}, nil
	})

	g.Handle("run.search", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var filter store.RunSearch
		if err := unmarshalParams(raw, &filter); err != nil {
			return nil, err
		}
		return s.SearchRuns(ctx, filter)
	})
}

func unmarshalParams(raw json.RawMessage, dest interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dest)
}

func requireID(raw json.RawMessage) (string, error) {
	var p struct {
		ID string `json:"id"`
	}
	if err := unmarshalParams(raw, &p); err != nil {
		return "", err
	}
	if p.ID == "" {
		return "", fmt.Errorf("%w: id", ErrMissingParam)
	}
	return p.ID, nil
}

func mapStoreErr(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, store.ErrConflict):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	default:
		return err
	}
}

func wrapStoreErr[T any](v T, err error) (T, error) {
	if err != nil {
		return v, mapStoreErr(err)
	}
	return v, nil
}
