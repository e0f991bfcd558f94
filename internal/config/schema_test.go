// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseDuration(t *testing.T) {
	assert.Equal(t, 5*time.Second, ParseDuration("5s", time.Second))
	assert.Equal(t, time.Minute, ParseDuration("", time.Minute))
	assert.Equal(t, time.Minute, ParseDuration("not-a-duration", time.Minute))
}

func TestAgentConfig_IsEnabled(t *testing.T) {
	a := AgentConfig{}
	assert.True(t, a.IsEnabled())

	disabled := false
	a.Enabled = &disabled
	assert.False(t, a.IsEnabled())

	enabled := true
	a.Enabled = &enabled
	assert.True(t, a.IsEnabled())
}

func TestAgentConfig_GetCommand(t *testing.T) {
	a := AgentConfig{Binary: "claude --flag", Args: []string{"--resume", "abc"}}
	assert.Equal(t, []string{"claude", "--flag", "--resume", "abc"}, a.GetCommand())

	empty := AgentConfig{}
	assert.Nil(t, empty.GetCommand())
}

func TestSplitCommand_Quoting(t *testing.T) {
	a := AgentConfig{Binary: `claude --prompt "hello world"`}
	assert.Equal(t, []string{"claude", "--prompt", "hello world"}, a.GetCommand())
}
