// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package store

import "context"

// Store is the sole owner of persistent rows: conversations, messages,
// sessions, chunks and runs. Each operation is a single logical
// transaction; not-found lookups return ErrNotFound, state-machine
// violations return ErrConflict, and the store never panics on
// well-formed input.
type Store interface {
	CreateConversation(ctx context.Context, agent, title, workDir, model, subAgent string) (*Conversation, error)
	ListConversations(ctx context.Context) ([]*Conversation, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	UpdateConversation(ctx context.Context, id string, patch ConversationPatch) (*Conversation, error)
	DeleteConversation(ctx context.Context, id string) error

	CreateMessage(ctx context.Context, conversationID, role, content, idempotency string) (*Message, error)
	ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]*Message, error)

	CreateSession(ctx context.Context, conversationID, agent string) (*Session, error)
	UpdateSession(ctx context.Context, id string, patch SessionPatch) (*Session, error)

	CreateChunk(ctx context.Context, sessionID, conversationID, chunkType, payload string) (*Chunk, error)
	ListChunks(ctx context.Context, conversationID string, sinceCreatedAt int64) ([]*Chunk, error)

	CreateRun(ctx context.Context, agent, threadID, input, webhookURL string) (*Run, error)
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRunStatus(ctx context.Context, id, status string) (*Run, error)
	CancelRun(ctx context.Context, id string) (*Run, error)
	SearchRuns(ctx context.Context, filter RunSearch) ([]*Run, error)

	Ping(ctx context.Context) error
	Close() error
}
