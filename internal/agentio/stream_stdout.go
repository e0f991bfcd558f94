// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package agentio

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log"
	"os/exec"
	"syscall"
	"time"

	"github.com/wingedpig/trellis/internal/config"
)

// defaultTurnTimeout bounds a streamed-stdout turn end to end.
const defaultTurnTimeout = 5 * time.Minute

// StreamStdoutAdapter spawns the agent binary fresh for every turn and
// parses its stdout as newline-delimited JSON. Each decoded line is one
// event; the subprocess exits when the turn completes, so nothing about
// it is registered with or restarted by the supervisor.
type StreamStdoutAdapter struct {
	cfg     config.AgentConfig
	Timeout time.Duration
}

// NewStreamStdoutAdapter builds an adapter for one catalog entry.
func NewStreamStdoutAdapter(cfg config.AgentConfig) *StreamStdoutAdapter {
	return &StreamStdoutAdapter{cfg: cfg, Timeout: defaultTurnTimeout}
}

// RunTurn spawns the configured binary, writes the prompt to stdin, and
// lazily yields one Event per decoded NDJSON line. A malformed line is
// logged and skipped, never yielded as an error. The final yield, if any,
// carries an *AdapterError describing why the sequence ended early.
func (a *StreamStdoutAdapter) RunTurn(ctx context.Context, req TurnRequest) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		timeout := a.Timeout
		if timeout <= 0 {
			timeout = defaultTurnTimeout
		}
		runCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		args := append([]string{}, a.cfg.GetCommand()...)
		if len(args) == 0 {
			yield(Event{}, &AdapterError{Kind: ErrSpawnFailed, Message: "empty agent command"})
			return
		}
		if req.ExternalSID != "" {
			args = append(args, "--resume", req.ExternalSID)
		}

		cmd := exec.CommandContext(runCtx, args[0], args[1:]...)
		if req.WorkDir != "" {
			cmd.Dir = req.WorkDir
		}
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

		stdin, err := cmd.StdinPipe()
		if err != nil {
			yield(Event{}, &AdapterError{Kind: ErrSpawnFailed, Message: err.Error()})
			return
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			yield(Event{}, &AdapterError{Kind: ErrSpawnFailed, Message: err.Error()})
			return
		}

		if err := cmd.Start(); err != nil {
			yield(Event{}, &AdapterError{Kind: ErrSpawnFailed, Message: err.Error()})
			return
		}

		if _, err := io.WriteString(stdin, req.Prompt+"\n"); err != nil {
			_ = stdin.Close()
		}
		_ = stdin.Close()

		done := make(chan error, 1)
		go func() { done <- cmd.Wait() }()

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

		lines := make(chan []byte)
		scanErr := make(chan error, 1)
		go func() {
			for scanner.Scan() {
				line := append([]byte{}, scanner.Bytes()...)
				lines <- line
			}
			scanErr <- scanner.Err()
			close(lines)
		}()

		for {
			select {
			case <-runCtx.Done():
				killGroup(cmd)
				<-done
				if ctx.Err() != nil {
					yield(Event{}, &AdapterError{Kind: ErrCancelled, Message: "turn cancelled"})
				} else {
					yield(Event{}, &AdapterError{Kind: ErrTimeout, Message: fmt.Sprintf("exceeded %s", timeout)})
				}
				return
			case line, ok := <-lines:
				if !ok {
					waitErr := <-done
					if waitErr != nil {
						if exitErr, isExit := waitErr.(*exec.ExitError); isExit {
							yield(Event{}, &AdapterError{Kind: ErrNonZeroExit, Message: fmt.Sprintf("exit code %d", exitErr.ExitCode())})
						} else {
							yield(Event{}, &AdapterError{Kind: ErrNonZeroExit, Message: waitErr.Error()})
						}
					}
					return
				}
				if len(line) == 0 {
					continue
				}
				var probe struct {
					Type      string `json:"type"`
					SessionID string `json:"session_id,omitempty"`
				}
				if err := json.Unmarshal(line, &probe); err != nil {
					log.Printf("agentio: bad json line from %s: %v", a.cfg.ID, err)
					continue
				}
				event := Event{Type: probe.Type, SessionID: probe.SessionID, Payload: json.RawMessage(line)}
				if !yield(event, nil) {
					killGroup(cmd)
					<-done
					return
				}
			}
		}
	}
}

func killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		pgid = cmd.Process.Pid
	}
	_ = syscall.Kill(-pgid, syscall.SIGTERM)
	time.AfterFunc(3*time.Second, func() {
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	})
}
