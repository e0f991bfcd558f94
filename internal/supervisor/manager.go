// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wingedpig/trellis/internal/config"
	"github.com/wingedpig/trellis/internal/events"
)

// ensureRunningPoll/ensureRunningWait bound EnsureRunning's health-probe
// retry loop. The rest of the supervisor's timing is configurable via
// config.SchedulerConfig (see NewManager).
const (
	ensureRunningPoll = 500 * time.Millisecond
	ensureRunningWait = 10 * time.Second
)

// agentEntry tracks the supervised state of one catalog entry.
type agentEntry struct {
	mu sync.Mutex

	cfg config.AgentConfig

	proc    *process
	healthy bool
	adopted bool

	lastStartedAt time.Time
	lastUsedAt    time.Time
	restarts      []time.Time

	stopping bool
	gaveUp   bool

	idleTimer    *time.Timer
	restartTimer *time.Timer
}

// AgentManager is the concrete supervisor implementation: it owns every
// long-running agent subprocess, health-checks it, restarts it on crash
// with capped exponential backoff, and reaps it after a period of idleness.
type AgentManager struct {
	mu     sync.RWMutex
	agents map[string]*agentEntry
	bus    events.EventBus

	shuttingDown bool

	restartWindow       time.Duration
	maxRestartsInWindow int
	restartBaseDelay    time.Duration
	restartMaxDelay     time.Duration
	idleReapAfter       time.Duration
	stopGrace           time.Duration
	healthCheckTimeout  time.Duration
}

// NewManager builds a supervisor from a static agent catalog and the
// scheduler config's restart/idle-reap/health-check policy. No process
// is spawned until EnsureRunning is first called for an agent.
func NewManager(catalog []config.AgentConfig, bus events.EventBus, sched config.SchedulerConfig) *AgentManager {
	m := &AgentManager{
		agents:              make(map[string]*agentEntry),
		bus:                 bus,
		restartWindow:       config.ParseDuration(sched.RestartWindow, 5*time.Minute),
		maxRestartsInWindow: sched.MaxRestartsInWindow,
		restartBaseDelay:    config.ParseDuration(sched.RestartBaseDelay, time.Second),
		restartMaxDelay:     config.ParseDuration(sched.RestartMaxDelay, 30*time.Second),
		idleReapAfter:       config.ParseDuration(sched.IdleReapAfter, 120*time.Second),
		stopGrace:           config.ParseDuration(sched.StopGracePeriod, 5*time.Second),
		healthCheckTimeout:  config.ParseDuration(sched.HealthCheckTimeout, 3*time.Second),
	}
	if m.maxRestartsInWindow <= 0 {
		m.maxRestartsInWindow = 10
	}
	for _, cfg := range catalog {
		m.agents[cfg.ID] = &agentEntry{cfg: cfg}
	}
	return m
}

func (m *AgentManager) entry(agentID string) (*agentEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("unknown agent %q", agentID)
	}
	return e, nil
}

// EnsureRunning starts the agent if it is not already healthy. If a
// process already answers healthy on the agent's configured port without
// having been spawned by this call, it is adopted rather than restarted.
func (m *AgentManager) EnsureRunning(ctx context.Context, agentID string) (int, error) {
	e, err := m.entry(agentID)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	port := e.cfg.HealthPort
	alreadyRunning := e.proc != nil && e.proc.isRunning() && e.healthy
	e.mu.Unlock()

	if alreadyRunning {
		m.Touch(agentID)
		return port, nil
	}

	if probeHealthy(ctx, port, m.healthCheckTimeout) {
		e.mu.Lock()
		e.healthy = true
		e.adopted = true
		e.lastUsedAt = time.Now()
		e.mu.Unlock()
		m.resetIdleTimer(agentID)
		return port, nil
	}

	e.mu.Lock()
	if e.gaveUp {
		e.mu.Unlock()
		return 0, fmt.Errorf("agent %s: unavailable after repeated restart failures", agentID)
	}
	if e.proc == nil || !e.proc.isRunning() {
		if err := m.spawnLocked(ctx, agentID, e); err != nil {
			e.mu.Unlock()
			return 0, err
		}
	}
	e.mu.Unlock()

	deadline := time.Now().Add(ensureRunningWait)
	ticker := time.NewTicker(ensureRunningPoll)
	defer ticker.Stop()

	for {
		if probeHealthy(ctx, port, m.healthCheckTimeout) {
			e.mu.Lock()
			e.healthy = true
			e.lastUsedAt = time.Now()
			e.mu.Unlock()
			m.resetIdleTimer(agentID)
			return port, nil
		}
		if time.Now().After(deadline) {
			return 0, fmt.Errorf("agent %s: did not become healthy within %s", agentID, ensureRunningWait)
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}

// spawnLocked starts the agent process. Callers must hold e.mu.
func (m *AgentManager) spawnLocked(ctx context.Context, agentID string, e *agentEntry) error {
	proc := newProcess(agentID, e.cfg)
	proc.onExit = func(exitCode int, _ error) {
		m.handleExit(agentID, exitCode)
	}

	if err := proc.start(ctx); err != nil {
		return err
	}

	e.proc = proc
	e.healthy = false
	e.adopted = false
	e.lastStartedAt = time.Now()
	e.lastUsedAt = time.Now()

	m.publish(events.EventAgentStarted, agentID, nil)
	return nil
}

// Touch extends the idle timer for a running agent. Adopted processes are
// not reaped, since this supervisor does not own their lifecycle.
func (m *AgentManager) Touch(agentID string) {
	e, err := m.entry(agentID)
	if err != nil {
		return
	}
	e.mu.Lock()
	e.lastUsedAt = time.Now()
	adopted := e.adopted
	e.mu.Unlock()

	if !adopted {
		m.resetIdleTimer(agentID)
	}
}

func (m *AgentManager) resetIdleTimer(agentID string) {
	e, err := m.entry(agentID)
	if err != nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.adopted {
		return
	}
	if e.idleTimer != nil {
		e.idleTimer.Stop()
	}
	e.idleTimer = time.AfterFunc(m.idleReapAfter, func() {
		m.reapIdle(agentID)
	})
}

func (m *AgentManager) reapIdle(agentID string) {
	e, err := m.entry(agentID)
	if err != nil {
		return
	}

	e.mu.Lock()
	if e.proc == nil || !e.proc.isRunning() || e.stopping {
		e.mu.Unlock()
		return
	}
	if time.Since(e.lastUsedAt) < m.idleReapAfter {
		e.mu.Unlock()
		return
	}
	proc := e.proc
	e.stopping = true
	e.mu.Unlock()

	_ = proc.stop(context.Background(), m.stopGrace)

	e.mu.Lock()
	e.stopping = false
	e.healthy = false
	e.mu.Unlock()

	m.publish(events.EventAgentStopped, agentID, nil)
}

// handleExit is invoked from the process's wait goroutine whenever a
// supervised agent's subprocess terminates on its own. Restart scheduling
// uses a rolling 5-minute window of prior restart timestamps, capped
// exponential backoff, and a give-up threshold.
func (m *AgentManager) handleExit(agentID string, exitCode int) {
	e, err := m.entry(agentID)
	if err != nil {
		return
	}

	e.mu.Lock()
	if e.stopping {
		e.mu.Unlock()
		return
	}
	e.healthy = false
	wasAdopted := e.adopted
	e.mu.Unlock()

	if wasAdopted {
		// This process was never ours to restart.
		return
	}

	m.publish(events.EventAgentCrashed, agentID, map[string]interface{}{"exit_code": exitCode})

	e.mu.Lock()
	recent := m.recentRestarts(e.restarts)
	if len(recent) >= m.maxRestartsInWindow {
		e.gaveUp = true
		e.mu.Unlock()
		log.Printf("supervisor: agent %s exceeded %d restarts in %s, giving up", agentID, m.maxRestartsInWindow, m.restartWindow)
		return
	}
	delay := m.backoffDelay(len(recent))
	e.mu.Unlock()

	e.mu.Lock()
	if e.restartTimer != nil {
		e.restartTimer.Stop()
	}
	e.restartTimer = time.AfterFunc(delay, func() {
		m.restartAfterCrash(agentID)
	})
	e.mu.Unlock()
}

func (m *AgentManager) restartAfterCrash(agentID string) {
	e, err := m.entry(agentID)
	if err != nil {
		return
	}

	e.mu.Lock()
	if e.stopping || e.gaveUp {
		e.mu.Unlock()
		return
	}
	ctx := context.Background()
	if err := m.spawnLocked(ctx, agentID, e); err != nil {
		e.mu.Unlock()
		log.Printf("supervisor: agent %s restart failed: %v", agentID, err)
		return
	}
	e.restarts = append(e.restarts, time.Now())
	e.mu.Unlock()

	m.publish(events.EventAgentRestarted, agentID, nil)
}

func (m *AgentManager) recentRestarts(restarts []time.Time) []time.Time {
	cutoff := time.Now().Add(-m.restartWindow)
	var recent []time.Time
	for _, t := range restarts {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	return recent
}

func (m *AgentManager) backoffDelay(recentCount int) time.Duration {
	delay := m.restartBaseDelay << recentCount
	if delay > m.restartMaxDelay || delay <= 0 {
		delay = m.restartMaxDelay
	}
	return delay
}

// Status returns a snapshot of every catalog entry's supervised state.
func (m *AgentManager) Status() []AgentStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]AgentStatus, 0, len(m.agents))
	for id, e := range m.agents {
		e.mu.Lock()
		st := AgentStatus{
			ID:           id,
			Port:         e.cfg.HealthPort,
			Healthy:      e.healthy,
			Adopted:      e.adopted,
			StartedAt:    e.lastStartedAt,
			RestartCount: len(e.restarts),
		}
		switch {
		case e.gaveUp:
			st.State = StatusCrashed
		case e.stopping:
			st.State = StatusStopping
		case e.proc != nil && e.proc.isRunning():
			st.State = StatusRunning
			st.PID = e.proc.pidOf()
		default:
			st.State = StatusStopped
		}
		e.mu.Unlock()
		out = append(out, st)
	}
	return out
}

// Restart stops (if running) and re-spawns an agent, resetting its
// give-up and backoff bookkeeping.
func (m *AgentManager) Restart(ctx context.Context, agentID string) error {
	e, err := m.entry(agentID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	proc := e.proc
	e.stopping = true
	e.mu.Unlock()

	if proc != nil && proc.isRunning() {
		_ = proc.stop(ctx, m.stopGrace)
	}

	e.mu.Lock()
	e.stopping = false
	e.gaveUp = false
	e.healthy = false
	e.adopted = false
	err = m.spawnLocked(ctx, agentID, e)
	e.mu.Unlock()

	if err != nil {
		return err
	}

	m.publish(events.EventAgentRestarted, agentID, map[string]interface{}{"trigger": "manual"})
	return nil
}

// QueryModels performs a one-shot probe of the agent's provider endpoint.
// Any failure yields an empty slice rather than an error.
func (m *AgentManager) QueryModels(ctx context.Context, agentID string) []string {
	e, err := m.entry(agentID)
	if err != nil {
		return []string{}
	}
	e.mu.Lock()
	port := e.cfg.HealthPort
	e.mu.Unlock()

	return fetchModels(ctx, port, m.healthCheckTimeout)
}

// StopAll stops every owned (non-adopted) agent in parallel, soft-signaling
// first and escalating to a hard stop after the grace period.
func (m *AgentManager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	m.shuttingDown = true
	entries := make([]*agentEntry, 0, len(m.agents))
	ids := make([]string, 0, len(m.agents))
	for id, e := range m.agents {
		entries = append(entries, e)
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for i, e := range entries {
		e.mu.Lock()
		if e.adopted || e.proc == nil || !e.proc.isRunning() {
			e.mu.Unlock()
			continue
		}
		if e.idleTimer != nil {
			e.idleTimer.Stop()
		}
		if e.restartTimer != nil {
			e.restartTimer.Stop()
		}
		e.stopping = true
		proc := e.proc
		e.mu.Unlock()

		id := ids[i]
		g.Go(func() error {
			_ = proc.stop(ctx, m.stopGrace)
			m.publish(events.EventAgentStopped, id, nil)
			return nil
		})
	}
	_ = g.Wait()

	return nil
}

func (m *AgentManager) publish(eventType, agentID string, extra map[string]interface{}) {
	if m.bus == nil {
		return
	}
	payload := map[string]interface{}{"agent_id": agentID}
	for k, v := range extra {
		payload[k] = v
	}
	m.bus.Publish(context.Background(), events.Event{
		Type:    eventType,
		Payload: payload,
	})
}
