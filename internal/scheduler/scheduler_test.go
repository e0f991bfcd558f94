// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wingedpig/trellis/internal/agentio"
	"github.com/wingedpig/trellis/internal/config"
	"github.com/wingedpig/trellis/internal/events"
	"github.com/wingedpig/trellis/internal/store"
	"github.com/wingedpig/trellis/internal/stream"
)

func newTestScheduler(t *testing.T, script string) (*Scheduler, store.Store) {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "orchd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	bus := events.NewMemoryEventBus(events.MemoryBusConfig{HistoryMaxEvents: 100})
	registry, err := agentio.NewRegistry([]config.AgentConfig{
		{ID: "claude", Binary: "sh", Args: []string{"-c", script}},
	}, nil)
	require.NoError(t, err)

	persister := stream.New(s, bus)
	return New(s, bus, registry, persister, 0, 5*time.Second), s
}

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("condition not met before timeout")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

const echoOneLine = `while read -r line; do echo "{\"type\":\"result\",\"payload\":\"$line\"}"; break; done`

func TestScheduler_SendMessage_StartsRunImmediately(t *testing.T) {
	sched, s := newTestScheduler(t, echoOneLine)
	ctx := context.Background()

	conv, err := s.CreateConversation(ctx, "claude", "t", "", "", "")
	require.NoError(t, err)

	result, err := sched.SendMessage(ctx, conv.ID, "hello", "claude", "", "", "")
	require.NoError(t, err)
	assert.False(t, result.Queued)
	assert.NotEmpty(t, result.RunID)

	waitForCondition(t, 2*time.Second, func() bool {
		run, err := s.GetRun(ctx, result.RunID)
		return err == nil && store.IsTerminal(run.Status)
	})

	run, err := s.GetRun(ctx, result.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunSuccess, run.Status)

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.False(t, got.IsStreaming)
}

func TestScheduler_SendMessage_QueuesWhenActive(t *testing.T) {
	sched, s := newTestScheduler(t, `sleep 0.3; echo '{"type":"result"}'`)
	ctx := context.Background()

	conv, err := s.CreateConversation(ctx, "claude", "t", "", "", "")
	require.NoError(t, err)

	first, err := sched.SendMessage(ctx, conv.ID, "first", "claude", "", "", "")
	require.NoError(t, err)
	assert.False(t, first.Queued)

	second, err := sched.SendMessage(ctx, conv.ID, "second", "claude", "", "", "")
	require.NoError(t, err)
	assert.True(t, second.Queued)
	assert.Equal(t, 1, second.Position)

	waitForCondition(t, 3*time.Second, func() bool {
		return sched.QueueStatus(conv.ID) == 0
	})
}

func TestScheduler_SendMessage_ResourceExhaustedWhenQueueFull(t *testing.T) {
	sched, s := newTestScheduler(t, `sleep 5`)
	sched.queueCapacity = 1
	ctx := context.Background()

	conv, err := s.CreateConversation(ctx, "claude", "t", "", "", "")
	require.NoError(t, err)

	_, err = sched.SendMessage(ctx, conv.ID, "first", "claude", "", "", "")
	require.NoError(t, err)

	_, err = sched.SendMessage(ctx, conv.ID, "second", "claude", "", "", "")
	require.NoError(t, err)

	_, err = sched.SendMessage(ctx, conv.ID, "third", "claude", "", "", "")
	assert.ErrorIs(t, err, ErrResourceExhausted)
}

func TestScheduler_Cancel_NoActiveExecution(t *testing.T) {
	sched, _ := newTestScheduler(t, echoOneLine)
	err := sched.Cancel(context.Background(), "unknown-conv")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestScheduler_Cancel_TerminatesActiveRun(t *testing.T) {
	sched, s := newTestScheduler(t, `trap '' TERM; sleep 5`)
	ctx := context.Background()

	conv, err := s.CreateConversation(ctx, "claude", "t", "", "", "")
	require.NoError(t, err)

	result, err := sched.SendMessage(ctx, conv.ID, "hello", "claude", "", "", "")
	require.NoError(t, err)

	require.NoError(t, sched.Cancel(ctx, conv.ID))

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.False(t, got.IsStreaming)

	run, err := s.GetRun(ctx, result.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunCancelled, run.Status)
}
