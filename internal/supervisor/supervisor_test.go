// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/deleguard/fabric/internal/health"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func permissiveHealthConfig() health.Config {
	return health.Config{
		WarnNoProgress:  time.Minute,
		AbortNoProgress: time.Minute,
		AbortQuickTool:  time.Minute,
		AbortActiveTool: time.Minute,
		WarnCooldown:    time.Second,
	}
}

func TestRun_CleanExitSettlesWithNoAbort(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	sup, err := New()
	require.NoError(t, err)

	script := `echo '{"type":"tool_execution_start","toolName":"bash","requestId":"r1"}'; echo '{"type":"tool_execution_end","toolName":"bash","requestId":"r1"}'; exit 0`
	outcome := sup.Run(context.Background(), LaunchDescriptor{
		Label:        "t",
		Argv:         []string{"/bin/sh", "-c", script},
		HealthConfig: permissiveHealthConfig(),
		PollInterval: 10 * time.Millisecond,
	})

	assert.Equal(t, 0, outcome.ExitCode)
	assert.False(t, outcome.Aborted)
}

func TestRun_NonZeroExitCodePropagates(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	sup, err := New()
	require.NoError(t, err)

	outcome := sup.Run(context.Background(), LaunchDescriptor{
		Label:        "t",
		Argv:         []string{"/bin/sh", "-c", "exit 3"},
		HealthConfig: permissiveHealthConfig(),
		PollInterval: 10 * time.Millisecond,
	})

	assert.Equal(t, 3, outcome.ExitCode)
	assert.False(t, outcome.Aborted)
}

func TestRun_SignalAbortsBeforeSpawn(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	sup, err := New()
	require.NoError(t, err)

	sig := make(chan struct{})
	close(sig)

	outcome := sup.Run(context.Background(), LaunchDescriptor{
		Label:        "t",
		Argv:         []string{"/bin/sh", "-c", "sleep 10"},
		HealthConfig: permissiveHealthConfig(),
		Signal:       sig,
	})

	assert.True(t, outcome.Aborted)
	assert.Equal(t, AbortSignal, outcome.AbortOrigin)
}

func TestRun_RuntimeLimitAborts(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	sup, err := New()
	require.NoError(t, err)

	outcome := sup.Run(context.Background(), LaunchDescriptor{
		Label:          "t",
		Argv:           []string{"/bin/sh", "-c", "sleep 30"},
		HealthConfig:   permissiveHealthConfig(),
		RuntimeLimit:   30 * time.Millisecond,
		PollInterval:   10 * time.Millisecond,
		ForceKillAfter: 50 * time.Millisecond,
	})

	assert.True(t, outcome.Aborted)
	assert.Equal(t, AbortBudget, outcome.AbortOrigin)
}

func TestRun_SignalMidRunAborts(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	sup, err := New()
	require.NoError(t, err)

	sig := make(chan struct{})
	go func() {
		time.Sleep(30 * time.Millisecond)
		close(sig)
	}()

	outcome := sup.Run(context.Background(), LaunchDescriptor{
		Label:          "t",
		Argv:           []string{"/bin/sh", "-c", "sleep 30"},
		HealthConfig:   permissiveHealthConfig(),
		Signal:         sig,
		PollInterval:   10 * time.Millisecond,
		ForceKillAfter: 50 * time.Millisecond,
	})

	assert.True(t, outcome.Aborted)
	assert.Equal(t, AbortSignal, outcome.AbortOrigin)
}

func TestRun_OnLineCanRequestAbort(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	sup, err := New()
	require.NoError(t, err)

	script := `echo '{"type":"tool_execution_start","toolName":"bash","requestId":"r1"}'; sleep 30`
	outcome := sup.Run(context.Background(), LaunchDescriptor{
		Label:        "t",
		Argv:         []string{"/bin/sh", "-c", script},
		HealthConfig: permissiveHealthConfig(),
		PollInterval: 10 * time.Millisecond,
		ForceKillAfter: 50 * time.Millisecond,
		OnLine: func(marker ProgressMarker) bool {
			return marker.Kind == MarkerToolStart
		},
	})

	assert.True(t, outcome.Aborted)
	assert.Equal(t, AbortExternal, outcome.AbortOrigin)
}
