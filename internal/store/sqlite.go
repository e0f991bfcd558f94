// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite in WAL mode.
type SQLiteStore struct {
	db *sql.DB

	// serializes chunk-sequence assignment so two concurrent writers for
	// the same session can never race on max(sequence)+1.
	chunkMu sync.Mutex
}

// NewSQLite opens (creating if necessary) a WAL-mode SQLite database at
// dbPath and ensures the schema exists.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	PRAGMA busy_timeout = 5000;

	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		agent TEXT NOT NULL,
		title TEXT NOT NULL,
		work_dir TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		sub_agent TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'idle',
		is_streaming INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at DESC);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		idempotency_key TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(conversation_id, created_at);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_idempotency
		ON messages(conversation_id, idempotency_key)
		WHERE idempotency_key IS NOT NULL AND idempotency_key != '';

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		agent TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		started_at INTEGER NOT NULL,
		completed_at INTEGER,
		error TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_conv ON sessions(conversation_id);

	CREATE TABLE IF NOT EXISTS chunks (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		type TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_chunks_session_seq ON chunks(session_id, sequence);
	CREATE INDEX IF NOT EXISTS idx_chunks_conv ON chunks(conversation_id, sequence);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		agent TEXT NOT NULL,
		thread_id TEXT NOT NULL DEFAULT '',
		input TEXT NOT NULL,
		webhook_url TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		created_at INTEGER NOT NULL,
		completed_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_runs_agent_status ON runs(agent, status);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func newID() string {
	return uuid.New().String()
}

// --- Conversations ---

func (s *SQLiteStore) CreateConversation(ctx context.Context, agent, title, workDir, model, subAgent string) (*Conversation, error) {
	now := time.Now()
	c := &Conversation{
		ID:        newID(),
		Agent:     agent,
		Title:     title,
		WorkDir:   workDir,
		Model:     model,
		SubAgent:  subAgent,
		Status:    ConversationIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, agent, title, work_dir, model, sub_agent, status, is_streaming, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		c.ID, c.Agent, c.Title, c.WorkDir, c.Model, c.SubAgent, c.Status, c.CreatedAt.Unix(), c.UpdatedAt.Unix())
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) ListConversations(ctx context.Context) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent, title, work_dir, model, sub_agent, status, is_streaming, created_at, updated_at
		FROM conversations ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent, title, work_dir, model, sub_agent, status, is_streaming, created_at, updated_at
		FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var c Conversation
	var streaming int
	var createdAt, updatedAt int64
	if err := row.Scan(&c.ID, &c.Agent, &c.Title, &c.WorkDir, &c.Model, &c.SubAgent, &c.Status, &streaming, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	c.IsStreaming = streaming != 0
	c.CreatedAt = time.Unix(createdAt, 0)
	c.UpdatedAt = time.Unix(updatedAt, 0)
	return &c, nil
}

func (s *SQLiteStore) UpdateConversation(ctx context.Context, id string, patch ConversationPatch) (*Conversation, error) {
	sets := []string{"updated_at = ?"}
	args := []interface{}{time.Now().Unix()}

	if patch.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *patch.Title)
	}
	if patch.Model != nil {
		sets = append(sets, "model = ?")
		args = append(args, *patch.Model)
	}
	if patch.SubAgent != nil {
		sets = append(sets, "sub_agent = ?")
		args = append(args, *patch.SubAgent)
	}
	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *patch.Status)
	}
	if patch.IsStreaming != nil {
		sets = append(sets, "is_streaming = ?")
		v := 0
		if *patch.IsStreaming {
			v = 1
		}
		args = append(args, v)
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE conversations SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("update conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.GetConversation(ctx, id)
}

func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM conversations WHERE id = ?`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check conversation: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}

	var nonTerminal int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM runs
		WHERE thread_id = ? AND status NOT IN ('success', 'error', 'cancelled')`, id).Scan(&nonTerminal); err != nil {
		return fmt.Errorf("check runs: %w", err)
	}
	if nonTerminal > 0 {
		return ErrConflict
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return tx.Commit()
}

// --- Messages ---

func (s *SQLiteStore) CreateMessage(ctx context.Context, conversationID, role, content, idempotency string) (*Message, error) {
	if idempotency != "" {
		existing, err := s.findMessageByIdempotency(ctx, conversationID, idempotency)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	m := &Message{
		ID:             newID(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Idempotency:    idempotency,
		CreatedAt:      time.Now(),
	}

	var idempotencyArg interface{}
	if idempotency != "" {
		idempotencyArg = idempotency
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.Role, m.Content, idempotencyArg, m.CreatedAt.Unix())
	if err != nil {
		if idempotency != "" && isUniqueConstraintError(err) {
			// Lost a race with a concurrent insert carrying the same key.
			existing, findErr := s.findMessageByIdempotency(ctx, conversationID, idempotency)
			if findErr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("create message: %w", err)
	}
	return m, nil
}

func (s *SQLiteStore) findMessageByIdempotency(ctx context.Context, conversationID, idempotency string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, role, content, COALESCE(idempotency_key, ''), created_at
		FROM messages WHERE conversation_id = ? AND idempotency_key = ?`, conversationID, idempotency)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find message by idempotency: %w", err)
	}
	return m, nil
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var createdAt int64
	if err := row.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.Idempotency, &createdAt); err != nil {
		return nil, err
	}
	m.CreatedAt = time.Unix(createdAt, 0)
	return &m, nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]*Message, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, COALESCE(idempotency_key, ''), created_at
		FROM messages WHERE conversation_id = ?
		ORDER BY created_at ASC LIMIT ? OFFSET ?`, conversationID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func isUniqueConstraintError(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// --- Sessions ---

func (s *SQLiteStore) CreateSession(ctx context.Context, conversationID, agent string) (*Session, error) {
	sess := &Session{
		ID:             newID(),
		ConversationID: conversationID,
		Agent:          agent,
		Status:         SessionPending,
		StartedAt:      time.Now(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, conversation_id, agent, status, started_at, completed_at, error)
		VALUES (?, ?, ?, ?, ?, NULL, '')`,
		sess.ID, sess.ConversationID, sess.Agent, sess.Status, sess.StartedAt.Unix())
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, id string, patch SessionPatch) (*Session, error) {
	sets := []string{}
	args := []interface{}{}

	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *patch.Status)
	}
	if patch.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, patch.CompletedAt.Unix())
	}
	if patch.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *patch.Error)
	}
	if len(sets) == 0 {
		return s.getSession(ctx, id)
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE sessions SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.getSession(ctx, id)
}

func (s *SQLiteStore) getSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, agent, status, started_at, completed_at, error
		FROM sessions WHERE id = ?`, id)

	var sess Session
	var startedAt int64
	var completedAt sql.NullInt64
	if err := row.Scan(&sess.ID, &sess.ConversationID, &sess.Agent, &sess.Status, &startedAt, &completedAt, &sess.Error); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	sess.StartedAt = time.Unix(startedAt, 0)
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0)
		sess.CompletedAt = &t
	}
	return &sess, nil
}

// --- Chunks ---

func (s *SQLiteStore) CreateChunk(ctx context.Context, sessionID, conversationID, chunkType, payload string) (*Chunk, error) {
	s.chunkMu.Lock()
	defer s.chunkMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(sequence) FROM chunks WHERE session_id = ?`, sessionID).Scan(&maxSeq); err != nil {
		return nil, fmt.Errorf("compute next sequence: %w", err)
	}
	next := int64(0)
	if maxSeq.Valid {
		next = maxSeq.Int64 + 1
	}

	c := &Chunk{
		ID:             newID(),
		SessionID:      sessionID,
		ConversationID: conversationID,
		Sequence:       next,
		Type:           chunkType,
		Payload:        payload,
		CreatedAt:      time.Now(),
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO chunks (id, session_id, conversation_id, sequence, type, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.SessionID, c.ConversationID, c.Sequence, c.Type, c.Payload, c.CreatedAt.Unix())
	if err != nil {
		return nil, fmt.Errorf("create chunk: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit chunk: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) ListChunks(ctx context.Context, conversationID string, sinceCreatedAt int64) ([]*Chunk, error) {
	query := `
		SELECT id, session_id, conversation_id, sequence, type, payload, created_at
		FROM chunks WHERE conversation_id = ?`
	args := []interface{}{conversationID}
	if sinceCreatedAt > 0 {
		query += " AND created_at >= ?"
		args = append(args, sinceCreatedAt)
	}
	query += " ORDER BY sequence ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()

	var out []*Chunk
	for rows.Next() {
		var c Chunk
		var createdAt int64
		if err := rows.Scan(&c.ID, &c.SessionID, &c.ConversationID, &c.Sequence, &c.Type, &c.Payload, &createdAt); err != nil {
			return nil, err
		}
		c.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, &c)
	}
	return out, rows.Err()
}

// --- Runs ---

func (s *SQLiteStore) CreateRun(ctx context.Context, agent, threadID, input, webhookURL string) (*Run, error) {
	r := &Run{
		ID:         newID(),
		Agent:      agent,
		ThreadID:   threadID,
		Input:      input,
		WebhookURL: webhookURL,
		Status:     RunPending,
		CreatedAt:  time.Now(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, agent, thread_id, input, webhook_url, status, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL)`,
		r.ID, r.Agent, r.ThreadID, r.Input, r.WebhookURL, r.Status, r.CreatedAt.Unix())
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	return r, nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent, thread_id, input, webhook_url, status, created_at, completed_at
		FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

func scanRun(row rowScanner) (*Run, error) {
	var r Run
	var createdAt int64
	var completedAt sql.NullInt64
	if err := row.Scan(&r.ID, &r.Agent, &r.ThreadID, &r.Input, &r.WebhookURL, &r.Status, &createdAt, &completedAt); err != nil {
		return nil, err
	}
	r.CreatedAt = time.Unix(createdAt, 0)
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0)
		r.CompletedAt = &t
	}
	return &r, nil
}

// UpdateRunStatus transitions a run's status. Terminal states never
// re-transition; attempting to do so returns ErrConflict.
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, id, status string) (*Run, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = ?`, id).Scan(&current); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read run status: %w", err)
	}
	if IsTerminal(current) {
		return nil, ErrConflict
	}

	completedAt := interface{}(nil)
	if IsTerminal(status) {
		completedAt = time.Now().Unix()
	}
	if _, err := tx.ExecContext(ctx, `UPDATE runs SET status = ?, completed_at = ? WHERE id = ?`, status, completedAt, id); err != nil {
		return nil, fmt.Errorf("update run status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit run update: %w", err)
	}
	return s.GetRun(ctx, id)
}

// CancelRun transitions a run to cancelled. Fails with ErrConflict if the
// run is already in a terminal state.
func (s *SQLiteStore) CancelRun(ctx context.Context, id string) (*Run, error) {
	return s.UpdateRunStatus(ctx, id, RunCancelled)
}

func (s *SQLiteStore) SearchRuns(ctx context.Context, filter RunSearch) ([]*Run, error) {
	query := `SELECT id, agent, thread_id, input, webhook_url, status, created_at, completed_at FROM runs WHERE 1=1`
	var args []interface{}
	if filter.Agent != "" {
		query += " AND agent = ?"
		args = append(args, filter.Agent)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	query += " ORDER BY created_at DESC"

	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search runs: %w", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
