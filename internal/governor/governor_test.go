// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package governor

import (
	"testing"
	"time"

	"github.com/deleguard/fabric/internal/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGovernor(mode policy.GovernorMode) *Governor {
	// A nanosecond check interval keeps the cadence limiter from suppressing
	// back-to-back Evaluate calls in tests that drive a mock clock.
	return New(mode, 3*time.Minute, time.Hour, time.Nanosecond)
}

func TestSignature_StableAcrossArgOrder(t *testing.T) {
	a := Signature("bash", map[string]any{"command": "ls", "cwd": "/tmp"})
	b := Signature("bash", map[string]any{"cwd": "/tmp", "command": "ls"})
	assert.Equal(t, a, b)
}

func TestSignature_DiffersAcrossTool(t *testing.T) {
	a := Signature("bash", map[string]any{"command": "ls"})
	b := Signature("read", map[string]any{"command": "ls"})
	assert.NotEqual(t, a, b)
}

func TestIsVerification_MatchesTestLintBuild(t *testing.T) {
	assert.True(t, IsVerification("bash", "go test ./..."))
	assert.True(t, IsVerification("bash", "npm run lint"))
	assert.False(t, IsVerification("bash", "rm -rf /tmp/x"))
	assert.False(t, IsVerification("read", "go test ./..."))
}

func TestEvaluate_EmergencyFuseShortCircuits(t *testing.T) {
	g := New(policy.GovernorEnforce, time.Minute, 10*time.Millisecond, time.Microsecond)
	start := time.Now()
	time.Sleep(15 * time.Millisecond)
	verdict, ok := g.Evaluate(start.Add(20*time.Millisecond), time.Time{}, Budget{})
	require.True(t, ok)
	assert.Equal(t, VerdictEmergencyFuseExceeded, verdict)
}

func TestEvaluate_BudgetCostExceeded(t *testing.T) {
	g := newTestGovernor(policy.GovernorEnforce)
	verdict, ok := g.Evaluate(time.Now(), time.Time{}, Budget{CostLimit: 1.0, CostSpent: 1.5})
	require.True(t, ok)
	assert.Equal(t, VerdictBudgetCostExceeded, verdict)
}

func TestEvaluate_BudgetTokensExceeded(t *testing.T) {
	g := newTestGovernor(policy.GovernorEnforce)
	verdict, ok := g.Evaluate(time.Now(), time.Time{}, Budget{TokenLimit: 1000, TokenSpent: 2000})
	require.True(t, ok)
	assert.Equal(t, VerdictBudgetTokensExceeded, verdict)
}

func TestEvaluate_RetryChurnOnRepeatedFailureSignature(t *testing.T) {
	g := newTestGovernor(policy.GovernorEnforce)
	now := time.Now()
	sig := Signature("bash", map[string]any{"command": "flaky"})
	for i := 0; i < 3; i++ {
		at := now.Add(time.Duration(i) * time.Second)
		g.Record(WindowEvent{At: at, Kind: ToolStart, Signature: sig})
		g.Record(WindowEvent{At: at, Kind: ToolEndErr, Signature: sig})
	}
	verdict, ok := g.Evaluate(now.Add(4*time.Second), now, Budget{})
	require.True(t, ok)
	assert.Equal(t, VerdictRetryChurn, verdict)
}

func TestEvaluate_LoopDetectedOnRepeatedToolWithNoNewOutput(t *testing.T) {
	g := newTestGovernor(policy.GovernorEnforce)
	base := time.Now()
	g.startedAt = base.Add(-11 * time.Minute)

	sig := Signature("read", map[string]any{"path": "same.go"})
	var now time.Time
	for i := 0; i < 5; i++ {
		now = base.Add(time.Duration(i) * time.Second)
		g.Record(WindowEvent{At: now, Kind: ToolStart, Signature: sig, Verification: false})
		g.Record(WindowEvent{At: now, Kind: ToolEndOk, Signature: sig})
	}

	verdict, ok := g.Evaluate(now.Add(time.Second), now, Budget{})
	require.True(t, ok)
	assert.Equal(t, VerdictLoopDetected, verdict)
}

func TestEvaluate_LowProgressAfterRepeatedStrikes(t *testing.T) {
	g := newTestGovernor(policy.GovernorEnforce)
	now := time.Now()

	var verdict Verdict
	var ok bool
	for i := 0; i < 10; i++ {
		at := now.Add(time.Duration(i) * time.Minute)
		verdict, ok = g.Evaluate(at, at.Add(-2*time.Minute), Budget{})
		if ok {
			break
		}
	}
	require.True(t, ok)
	assert.Equal(t, VerdictLowProgress, verdict)
}

func TestEvaluate_HealthyActivityAvoidsStrikes(t *testing.T) {
	g := newTestGovernor(policy.GovernorEnforce)
	now := time.Now()

	for i := 0; i < 5; i++ {
		at := now.Add(time.Duration(i) * time.Second)
		sig := Signature("bash", map[string]any{"command": "go test", "n": i})
		g.Record(WindowEvent{At: at, Kind: ToolStart, Signature: sig, Verification: IsVerification("bash", "go test")})
		g.Record(WindowEvent{At: at, Kind: ToolEndOk, Signature: sig})
		g.Record(WindowEvent{At: at, Kind: Assistant, Chars: 500})
	}

	verdict, ok := g.Evaluate(now.Add(6*time.Second), now.Add(5*time.Second), Budget{})
	assert.False(t, ok)
	assert.Empty(t, verdict)
}

func TestShouldAbort_ObserveModeNeverAborts(t *testing.T) {
	g := newTestGovernor(policy.GovernorObserve)
	assert.False(t, g.ShouldAbort(VerdictLowProgress, "msg"))
}

func TestShouldAbort_WarnModeRecordsButDoesNotAbort(t *testing.T) {
	g := newTestGovernor(policy.GovernorWarn)
	assert.False(t, g.ShouldAbort(VerdictLowProgress, "msg"))
	assert.True(t, g.WasWarned(VerdictLowProgress, "msg"))
}

func TestShouldAbort_EnforceModeAborts(t *testing.T) {
	g := newTestGovernor(policy.GovernorEnforce)
	assert.True(t, g.ShouldAbort(VerdictLowProgress, "msg"))
}

func TestEvaluate_RateLimitedCallsAreNoOps(t *testing.T) {
	g := New(policy.GovernorEnforce, time.Minute, time.Hour, time.Hour)
	now := time.Now()

	_, ok := g.Evaluate(now, time.Time{}, Budget{})
	assert.False(t, ok, "first call has nothing to trip on")

	// Second call would trip budget_cost_exceeded, but the check-interval
	// limiter has no token left yet.
	_, ok = g.Evaluate(now.Add(time.Millisecond), time.Time{}, Budget{CostLimit: 1, CostSpent: 2})
	assert.False(t, ok, "second call within the check interval should be suppressed")
}
