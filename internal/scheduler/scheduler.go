// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package scheduler serializes user turns per conversation: at most one
// active execution per conversation, a FIFO queue of pending turns, and
// the run status state machine (pending -> active -> {success, error,
// cancelled}).
package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/wingedpig/trellis/internal/agentio"
	"github.com/wingedpig/trellis/internal/events"
	"github.com/wingedpig/trellis/internal/store"
	"github.com/wingedpig/trellis/internal/stream"
)

const defaultQueueCapacity = 1000

// conversationState holds the one active execution and pending queue
// for a single conversation, guarded by its own mutex so unrelated
// conversations never contend with each other.
type conversationState struct {
	mu     sync.Mutex
	active *activeExecution
	queue  []QueuedTurn
}

// Scheduler serializes user turns per conversation and owns the run
// state machine, the per-conversation pending queue, and hand-off to
// the agent I/O adapter.
type Scheduler struct {
	mu    sync.RWMutex
	convs map[string]*conversationState

	store         store.Store
	bus           events.EventBus
	adapters      *agentio.Registry
	persister     *stream.Persister
	queueCapacity int
	runTimeout    time.Duration
}

// New builds a Scheduler. A queueCapacity <= 0 uses the default soft cap
// of 1000 queued turns per conversation.
func New(s store.Store, bus events.EventBus, adapters *agentio.Registry, persister *stream.Persister, queueCapacity int, runTimeout time.Duration) *Scheduler {
	if queueCapacity <= 0 {
		queueCapacity = defaultQueueCapacity
	}
	return &Scheduler{
		convs:         make(map[string]*conversationState),
		store:         s,
		bus:           bus,
		adapters:      adapters,
		persister:     persister,
		queueCapacity: queueCapacity,
		runTimeout:    runTimeout,
	}
}

func (s *Scheduler) conversation(conv string) *conversationState {
	s.mu.RLock()
	cs, ok := s.convs[conv]
	s.mu.RUnlock()
	if ok {
		return cs
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cs, ok = s.convs[conv]; ok {
		return cs
	}
	cs = &conversationState{}
	s.convs[conv] = cs
	return cs
}

func (s *Scheduler) publish(ctx context.Context, eventType string, payload map[string]interface{}) {
	if err := s.bus.Publish(ctx, events.Event{Type: eventType, Payload: payload}); err != nil {
		log.Printf("scheduler: publish %s failed: %v", eventType, err)
	}
}

// SendMessage persists the user's message, then either starts a new run
// immediately or appends the turn to the conversation's queue if one is
// already active.
func (s *Scheduler) SendMessage(ctx context.Context, conv, content, agent, model, subAgent, idempotency string) (*SendResult, error) {
	if _, err := s.store.CreateMessage(ctx, conv, store.RoleUser, content, idempotency); err != nil {
		return nil, err
	}

	cs := s.conversation(conv)
	cs.mu.Lock()

	if cs.active != nil {
		if len(cs.queue) >= s.queueCapacity {
			cs.mu.Unlock()
			return nil, ErrResourceExhausted
		}
		cs.queue = append(cs.queue, QueuedTurn{
			Content:     content,
			Agent:       agent,
			Model:       model,
			SubAgent:    subAgent,
			Idempotency: idempotency,
			EnqueuedAt:  time.Now(),
		})
		position := len(cs.queue)
		cs.mu.Unlock()

		s.publish(ctx, events.EventQueueStatus, map[string]interface{}{
			"conversation_id": conv,
			"length":          position,
		})
		return &SendResult{Queued: true, Position: position}, nil
	}

	turn := QueuedTurn{Content: content, Agent: agent, Model: model, SubAgent: subAgent, Idempotency: idempotency}
	runID, sessionID, err := s.startLocked(ctx, conv, cs, turn)
	cs.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &SendResult{Queued: false, RunID: runID, SessionID: sessionID}, nil
}

// startLocked must be called with cs.mu held. It creates the run and
// session records, marks the conversation streaming, and launches the
// turn in a background goroutine. The caller's mutex is held only long
// enough to record the execution; the goroutine itself runs unlocked.
func (s *Scheduler) startLocked(ctx context.Context, conv string, cs *conversationState, turn QueuedTurn) (string, string, error) {
	run, err := s.store.CreateRun(ctx, turn.Agent, conv, turn.Content, "")
	if err != nil {
		return "", "", err
	}
	sess, err := s.store.CreateSession(ctx, conv, turn.Agent)
	if err != nil {
		return "", "", err
	}
	if _, err := s.store.UpdateRunStatus(ctx, run.ID, store.RunActive); err != nil {
		return "", "", err
	}

	streaming := true
	if _, err := s.store.UpdateConversation(ctx, conv, store.ConversationPatch{IsStreaming: &streaming}); err != nil {
		return "", "", err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	if s.runTimeout > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, s.runTimeout)
	}

	now := time.Now()
	cs.active = &activeExecution{
		runID:        run.ID,
		sessionID:    sess.ID,
		agent:        turn.Agent,
		startedAt:    now,
		lastActivity: now,
		cancel:       cancel,
	}

	s.publish(ctx, events.EventStreamingStart, map[string]interface{}{
		"session_id":      sess.ID,
		"conversation_id": conv,
		"agent_id":        turn.Agent,
	})

	go s.runTurn(runCtx, cancel, conv, run.ID, sess.ID, turn)

	return run.ID, sess.ID, nil
}

func (s *Scheduler) runTurn(ctx context.Context, cancel context.CancelFunc, conv, runID, sessionID string, turn QueuedTurn) {
	defer cancel()

	adapter, err := s.adapters.For(turn.Agent)
	if err != nil {
		log.Printf("scheduler: no adapter for agent %s: %v", turn.Agent, err)
		s.onCompletion(context.Background(), conv, runID, sessionID, agentio.Outcome{
			Status:       "error",
			ErrorKind:    agentio.ErrSpawnFailed,
			ErrorMessage: err.Error(),
		})
		return
	}

	seq := adapter.RunTurn(ctx, agentio.TurnRequest{
		AgentID: turn.Agent,
		Prompt:  turn.Content,
	})
	outcome := s.persister.Persist(ctx, sessionID, conv, seq)
	s.onCompletion(context.Background(), conv, runID, sessionID, outcome)
}

// onCompletion updates the run and session records, clears the active
// execution, and starts the next queued turn if one is present. It is
// a no-op if the conversation's active execution has already been
// cleared by an explicit Cancel for this same run.
func (s *Scheduler) onCompletion(ctx context.Context, conv, runID, sessionID string, outcome agentio.Outcome) {
	cs := s.conversation(conv)
	cs.mu.Lock()

	sameExecution := cs.active != nil && cs.active.runID == runID
	if sameExecution {
		cs.active = nil
	}

	var next *QueuedTurn
	if sameExecution && len(cs.queue) > 0 {
		t := cs.queue[0]
		cs.queue = cs.queue[1:]
		next = &t
	}
	remaining := len(cs.queue)

	if sameExecution && next != nil {
		if _, _, err := s.startLocked(ctx, conv, cs, *next); err != nil {
			log.Printf("scheduler: failed to start queued turn for conversation %s: %v", conv, err)
			cs.mu.Unlock()
			return
		}
	}
	cs.mu.Unlock()

	if !sameExecution {
		// An explicit Cancel already finalized this run's bookkeeping.
		return
	}

	s.finalizeRun(ctx, runID, sessionID, outcome)

	if next == nil {
		streaming := false
		if _, err := s.store.UpdateConversation(ctx, conv, store.ConversationPatch{IsStreaming: &streaming}); err != nil {
			log.Printf("scheduler: clear is_streaming for conversation %s failed: %v", conv, err)
		}
	}

	if next != nil {
		s.publish(ctx, events.EventQueueStatus, map[string]interface{}{
			"conversation_id": conv,
			"length":          remaining,
		})
	}
}

func (s *Scheduler) finalizeRun(ctx context.Context, runID, sessionID string, outcome agentio.Outcome) {
	runStatus := store.RunSuccess
	sessStatus := store.SessionCompleted
	var sessErr *string

	switch outcome.Status {
	case "error":
		runStatus = store.RunError
		sessStatus = store.SessionError
		msg := outcome.ErrorMessage
		sessErr = &msg
	case "cancelled":
		runStatus = store.RunCancelled
		sessStatus = store.SessionInterrupted
	}

	if _, err := s.store.UpdateRunStatus(ctx, runID, runStatus); err != nil {
		log.Printf("scheduler: update run %s status failed: %v", runID, err)
	}
	if _, err := s.store.UpdateSession(ctx, sessionID, store.SessionPatch{Status: &sessStatus, Error: sessErr}); err != nil {
		log.Printf("scheduler: update session %s status failed: %v", sessionID, err)
	}
}

// Cancel terminates the active execution for a conversation, if any.
// Returns store.ErrNotFound if the conversation has no active run.
func (s *Scheduler) Cancel(ctx context.Context, conv string) error {
	cs := s.conversation(conv)
	cs.mu.Lock()
	active := cs.active
	if active == nil {
		cs.mu.Unlock()
		return store.ErrNotFound
	}
	cs.active = nil
	cs.mu.Unlock()

	active.cancel()

	interrupted := store.SessionInterrupted
	if _, err := s.store.UpdateSession(ctx, active.sessionID, store.SessionPatch{Status: &interrupted}); err != nil {
		log.Printf("scheduler: mark session %s interrupted failed: %v", active.sessionID, err)
	}
	if _, err := s.store.UpdateRunStatus(ctx, active.runID, store.RunCancelled); err != nil {
		log.Printf("scheduler: cancel run %s failed: %v", active.runID, err)
	}

	streaming := false
	if _, err := s.store.UpdateConversation(ctx, conv, store.ConversationPatch{IsStreaming: &streaming}); err != nil {
		log.Printf("scheduler: clear is_streaming for conversation %s failed: %v", conv, err)
	}

	s.publish(ctx, events.EventRunCancelled, map[string]interface{}{
		"conversation_id": conv,
		"run_id":          active.runID,
	})
	return nil
}

// CancelRun cancels by run ID: it transitions the run's state machine
// and, if the run's conversation still has it as the active execution,
// performs the same cancellation as Cancel.
func (s *Scheduler) CancelRun(ctx context.Context, runID string) error {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if store.IsTerminal(run.Status) {
		return store.ErrConflict
	}

	cs := s.conversation(run.ThreadID)
	cs.mu.Lock()
	if cs.active == nil || cs.active.runID != runID {
		cs.mu.Unlock()
		// The run is tracked but not the conversation's active
		// execution (already superseded); just transition its status.
		_, err := s.store.UpdateRunStatus(ctx, runID, store.RunCancelled)
		return err
	}
	cs.mu.Unlock()

	return s.Cancel(ctx, run.ThreadID)
}

// QueueStatus returns the number of turns currently queued for a
// conversation.
func (s *Scheduler) QueueStatus(conv string) int {
	cs := s.conversation(conv)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.queue)
}

// IsActive reports whether a conversation currently has a live
// execution tracked in memory. Callers that list conversations (the
// HTTP façade and the conv.ls RPC method) reconcile each row's
// is_streaming flag against this before returning it, since the
// in-memory active-execution set is the source of truth and a
// restart always starts it empty.
func (s *Scheduler) IsActive(conv string) bool {
	s.mu.RLock()
	cs, ok := s.convs[conv]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.active != nil
}

// ReconcileStaleStreaming clears is_streaming on every conversation
// that claims to be streaming but has no active execution tracked by
// this Scheduler. Intended to run once at startup, before any traffic
// is served: a process restart always starts with an empty in-memory
// active-execution set, so any is_streaming=true row at that point is
// left over from before the restart and would otherwise never clear.
func (s *Scheduler) ReconcileStaleStreaming(ctx context.Context) (int, error) {
	convs, err := s.store.ListConversations(ctx)
	if err != nil {
		return 0, err
	}

	cleared := 0
	for _, conv := range convs {
		if !conv.IsStreaming || s.IsActive(conv.ID) {
			continue
		}
		streaming := false
		if _, err := s.store.UpdateConversation(ctx, conv.ID, store.ConversationPatch{IsStreaming: &streaming}); err != nil {
			return cleared, err
		}
		cleared++
	}
	return cleared, nil
}
