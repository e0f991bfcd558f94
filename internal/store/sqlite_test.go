// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	s, err := NewSQLite(filepath.Join(dir, "orchd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_CreateAndGetConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c, err := s.CreateConversation(ctx, "claude", "investigate flake", "/work/repo", "sonnet", "", )
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, ConversationIdle, c.Status)
	assert.False(t, c.IsStreaming)

	got, err := s.GetConversation(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)
	assert.Equal(t, "investigate flake", got.Title)
}

func TestSQLiteStore_GetConversation_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetConversation(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_ListConversations_OrderedByUpdatedDesc(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.CreateConversation(ctx, "claude", "a", "", "", "")
	require.NoError(t, err)
	_, err = s.CreateConversation(ctx, "claude", "b", "", "", "")
	require.NoError(t, err)

	title := "a updated"
	_, err = s.UpdateConversation(ctx, a.ID, ConversationPatch{Title: &title})
	require.NoError(t, err)

	list, err := s.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, a.ID, list[0].ID)
}

func TestSQLiteStore_UpdateConversation_NotFound(t *testing.T) {
	s := newTestStore(t)
	title := "x"
	_, err := s.UpdateConversation(context.Background(), "missing", ConversationPatch{Title: &title})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_DeleteConversation_RejectsWithActiveRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c, err := s.CreateConversation(ctx, "claude", "t", "", "", "")
	require.NoError(t, err)

	_, err = s.db.ExecContext(ctx, `INSERT INTO runs (id, agent, thread_id, input, webhook_url, status, created_at, completed_at)
		VALUES ('run-1', 'claude', ?, '{}', '', 'active', 0, NULL)`, c.ID)
	require.NoError(t, err)

	err = s.DeleteConversation(ctx, c.ID)
	assert.ErrorIs(t, err, ErrConflict)

	_, err = s.GetConversation(ctx, c.ID)
	assert.NoError(t, err)
}

func TestSQLiteStore_DeleteConversation_Succeeds(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c, err := s.CreateConversation(ctx, "claude", "t", "", "", "")
	require.NoError(t, err)

	require.NoError(t, s.DeleteConversation(ctx, c.ID))

	_, err = s.GetConversation(ctx, c.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_CreateMessage_IdempotencyDedup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c, err := s.CreateConversation(ctx, "claude", "t", "", "", "")
	require.NoError(t, err)

	m1, err := s.CreateMessage(ctx, c.ID, RoleUser, "hello", "key-1")
	require.NoError(t, err)

	m2, err := s.CreateMessage(ctx, c.ID, RoleUser, "hello again", "key-1")
	require.NoError(t, err)

	assert.Equal(t, m1.ID, m2.ID)
	assert.Equal(t, "hello", m2.Content)

	msgs, err := s.ListMessages(ctx, c.ID, 10, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestSQLiteStore_CreateMessage_DistinctKeysAreSeparateRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c, err := s.CreateConversation(ctx, "claude", "t", "", "", "")
	require.NoError(t, err)

	_, err = s.CreateMessage(ctx, c.ID, RoleUser, "one", "key-a")
	require.NoError(t, err)
	_, err = s.CreateMessage(ctx, c.ID, RoleUser, "two", "key-b")
	require.NoError(t, err)
	_, err = s.CreateMessage(ctx, c.ID, RoleAssistant, "three", "")
	require.NoError(t, err)
	_, err = s.CreateMessage(ctx, c.ID, RoleAssistant, "four", "")
	require.NoError(t, err)

	msgs, err := s.ListMessages(ctx, c.ID, 10, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 4)
}

func TestSQLiteStore_ListMessages_ClampsLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c, err := s.CreateConversation(ctx, "claude", "t", "", "", "")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := s.CreateMessage(ctx, c.ID, RoleUser, "msg", "")
		require.NoError(t, err)
	}

	msgs, err := s.ListMessages(ctx, c.ID, 2, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestSQLiteStore_SessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c, err := s.CreateConversation(ctx, "claude", "t", "", "", "")
	require.NoError(t, err)

	sess, err := s.CreateSession(ctx, c.ID, "claude")
	require.NoError(t, err)
	assert.Equal(t, SessionPending, sess.Status)

	active := SessionActive
	sess, err = s.UpdateSession(ctx, sess.ID, SessionPatch{Status: &active})
	require.NoError(t, err)
	assert.Equal(t, SessionActive, sess.Status)

	errMsg := "boom"
	failed := SessionError
	sess, err = s.UpdateSession(ctx, sess.ID, SessionPatch{Status: &failed, Error: &errMsg})
	require.NoError(t, err)
	assert.Equal(t, SessionError, sess.Status)
	assert.Equal(t, "boom", sess.Error)
}

func TestSQLiteStore_UpdateSession_NotFound(t *testing.T) {
	s := newTestStore(t)
	status := SessionActive
	_, err := s.UpdateSession(context.Background(), "missing", SessionPatch{Status: &status})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_CreateChunk_SequenceIsGapFreeAndOrdered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c, err := s.CreateConversation(ctx, "claude", "t", "", "", "")
	require.NoError(t, err)
	sess, err := s.CreateSession(ctx, c.ID, "claude")
	require.NoError(t, err)

	var sequences []int64
	for i := 0; i < 5; i++ {
		chunk, err := s.CreateChunk(ctx, sess.ID, c.ID, "text", "{}")
		require.NoError(t, err)
		sequences = append(sequences, chunk.Sequence)
	}
	assert.Equal(t, []int64{0, 1, 2, 3, 4}, sequences)

	chunks, err := s.ListChunks(ctx, c.ID, 0)
	require.NoError(t, err)
	require.Len(t, chunks, 5)
	for i, chunk := range chunks {
		assert.Equal(t, int64(i), chunk.Sequence)
	}
}

func TestSQLiteStore_CreateChunk_SequencesAreIndependentPerSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c, err := s.CreateConversation(ctx, "claude", "t", "", "", "")
	require.NoError(t, err)
	sessA, err := s.CreateSession(ctx, c.ID, "claude")
	require.NoError(t, err)
	sessB, err := s.CreateSession(ctx, c.ID, "claude")
	require.NoError(t, err)

	a0, err := s.CreateChunk(ctx, sessA.ID, c.ID, "text", "{}")
	require.NoError(t, err)
	b0, err := s.CreateChunk(ctx, sessB.ID, c.ID, "text", "{}")
	require.NoError(t, err)

	assert.Equal(t, int64(0), a0.Sequence)
	assert.Equal(t, int64(0), b0.Sequence)
}

func TestSQLiteStore_RunLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r, err := s.CreateRun(ctx, "claude", "thread-1", `{"prompt":"go"}`, "")
	require.NoError(t, err)
	assert.Equal(t, RunPending, r.Status)

	r, err = s.UpdateRunStatus(ctx, r.ID, RunActive)
	require.NoError(t, err)
	assert.Equal(t, RunActive, r.Status)
	assert.Nil(t, r.CompletedAt)

	r, err = s.UpdateRunStatus(ctx, r.ID, RunSuccess)
	require.NoError(t, err)
	assert.Equal(t, RunSuccess, r.Status)
	require.NotNil(t, r.CompletedAt)
}

func TestSQLiteStore_UpdateRunStatus_RejectsTransitionFromTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r, err := s.CreateRun(ctx, "claude", "thread-1", `{}`, "")
	require.NoError(t, err)
	_, err = s.UpdateRunStatus(ctx, r.ID, RunError)
	require.NoError(t, err)

	_, err = s.UpdateRunStatus(ctx, r.ID, RunActive)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestSQLiteStore_CancelRun_RejectsWhenAlreadyTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r, err := s.CreateRun(ctx, "claude", "thread-1", `{}`, "")
	require.NoError(t, err)
	_, err = s.UpdateRunStatus(ctx, r.ID, RunSuccess)
	require.NoError(t, err)

	_, err = s.CancelRun(ctx, r.ID)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestSQLiteStore_CancelRun_Succeeds(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r, err := s.CreateRun(ctx, "claude", "thread-1", `{}`, "")
	require.NoError(t, err)

	r, err = s.CancelRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, RunCancelled, r.Status)
}

func TestSQLiteStore_SearchRuns_FiltersByAgentAndStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateRun(ctx, "claude", "t1", `{}`, "")
	require.NoError(t, err)
	r2, err := s.CreateRun(ctx, "codex", "t2", `{}`, "")
	require.NoError(t, err)
	_, err = s.UpdateRunStatus(ctx, r2.ID, RunSuccess)
	require.NoError(t, err)

	results, err := s.SearchRuns(ctx, RunSearch{Agent: "codex"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, r2.ID, results[0].ID)

	results, err = s.SearchRuns(ctx, RunSearch{Status: RunPending})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "claude", results[0].Agent)
}

func TestSQLiteStore_Ping(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Ping(context.Background()))
}
