// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyReason_SuccessIsNone(t *testing.T) {
	reason, _ := ClassifyReason(Outcome{ExitCode: 0})
	assert.Equal(t, RNone, reason)
}

func TestClassifyReason_WrappedReasonErrorTakesPrecedence(t *testing.T) {
	err := NewReasonError(RBudget, "cost cap", nil)
	reason, detail := ClassifyReason(Outcome{Err: err})
	assert.Equal(t, RBudget, reason)
	assert.Equal(t, "cost cap", detail)
}

func TestClassifyReason_ContextCanceledMapsToSignal(t *testing.T) {
	reason, _ := ClassifyReason(Outcome{Err: context.Canceled})
	assert.Equal(t, RSignal, reason)
}

func TestClassifyReason_DeadlineExceededMapsToBudget(t *testing.T) {
	reason, _ := ClassifyReason(Outcome{Err: context.DeadlineExceeded})
	assert.Equal(t, RBudget, reason)
}

func TestClassifyReason_AbortOriginsMapDirectly(t *testing.T) {
	cases := map[string]Reason{
		"signal": RSignal,
		"budget": RBudget,
		"policy": RPolicy,
	}
	for origin, want := range cases {
		reason, _ := ClassifyReason(Outcome{Aborted: true, AbortOrigin: origin})
		assert.Equal(t, want, reason, origin)
	}
}

func TestClassifyReason_HealthAbortUsesClassification(t *testing.T) {
	reason, detail := ClassifyReason(Outcome{Aborted: true, AbortOrigin: "health", HealthClassification: "wedged"})
	assert.Equal(t, RHealthAbort, reason)
	assert.Contains(t, detail, "wedged")
}

func TestClassifyReason_StallWithoutAbort(t *testing.T) {
	reason, _ := ClassifyReason(Outcome{HealthClassification: "stalled"})
	assert.Equal(t, RStall, reason)
}

func TestClassifyReason_LockContentionFromStderr(t *testing.T) {
	reason, _ := ClassifyReason(Outcome{Stderr: "failed: resource busy, file locked by pid 42"})
	assert.Equal(t, RLockContention, reason)
}

func TestClassifyReason_NonZeroExitCode(t *testing.T) {
	reason, _ := ClassifyReason(Outcome{ExitCode: 1})
	assert.Equal(t, RExitCode, reason)
}

func TestClassifyReason_UnknownErrorFallsThrough(t *testing.T) {
	reason, _ := ClassifyReason(Outcome{Err: errors.New("something weird")})
	assert.Equal(t, RUnknown, reason)
}

func TestBackoff_GrowsExponentiallyAndClampsAtMax(t *testing.T) {
	b := Backoff{BaseMs: 100, Multiplier: 2, MaxDelayMs: 1000}

	d1 := b.Delay(1)
	assert.GreaterOrEqual(t, d1, 100*time.Millisecond)
	assert.Less(t, d1, 110*time.Millisecond)

	d3 := b.Delay(3)
	assert.GreaterOrEqual(t, d3, 400*time.Millisecond)
	assert.LessOrEqual(t, d3, 440*time.Millisecond)

	d10 := b.Delay(10)
	assert.LessOrEqual(t, d10, 1000*time.Millisecond)
}

func TestDecide_SuccessCompletes(t *testing.T) {
	d := Decide(Outcome{ExitCode: 0}, 1, Policy{MaxAttempts: 3})
	assert.Equal(t, DecisionComplete, d.Kind)
	assert.False(t, d.Degraded)
}

func TestDecide_DegradedCompletionWhenEligible(t *testing.T) {
	p := Policy{MaxAttempts: 3, AllowDegraded: true, MinDegradedOutputLength: 5}
	d := Decide(Outcome{HealthClassification: "stalled", Output: "enough output"}, 1, p)
	assert.Equal(t, DecisionComplete, d.Kind)
	assert.True(t, d.Degraded)
	assert.Equal(t, RStall, d.Reason)
}

func TestDecide_DegradedSkippedWhenOutputTooShort(t *testing.T) {
	p := Policy{MaxAttempts: 3, AllowDegraded: true, MinDegradedOutputLength: 50}
	d := Decide(Outcome{HealthClassification: "stalled", Output: "short"}, 1, p)
	assert.NotEqual(t, DecisionComplete, d.Kind)
}

func TestDecide_RetriesWhenReasonInRetryOnAndAttemptsRemain(t *testing.T) {
	p := Policy{MaxAttempts: 3, RetryOn: []Reason{RExitCode}, Backoff: Backoff{BaseMs: 10, Multiplier: 2, MaxDelayMs: 1000}}
	d := Decide(Outcome{ExitCode: 1}, 1, p)
	require.Equal(t, DecisionRetry, d.Kind)
	assert.Greater(t, d.DelayFor, time.Duration(0))
}

func TestDecide_FailsWhenAttemptsExhausted(t *testing.T) {
	p := Policy{MaxAttempts: 2, RetryOn: []Reason{RExitCode}}
	d := Decide(Outcome{ExitCode: 1}, 2, p)
	assert.Equal(t, DecisionFail, d.Kind)
}

func TestDecide_FailsWhenReasonNotRetryable(t *testing.T) {
	p := Policy{MaxAttempts: 5, RetryOn: []Reason{RExitCode}}
	d := Decide(Outcome{Aborted: true, AbortOrigin: "policy"}, 1, p)
	assert.Equal(t, DecisionFail, d.Kind)
	assert.Equal(t, RPolicy, d.Reason)
}

func TestQuorumTracker_CompletesOnFirstFingerprintReachingMinSuccesses(t *testing.T) {
	q := NewQuorumTracker(QuorumConfig{MinSuccesses: 2, MaxAttempts: 5})

	r := q.Record("The answer is 42.")
	assert.False(t, r.Done)

	r = q.Record("the   answer is 42.")
	assert.True(t, r.Done)
	assert.False(t, r.SoftMiss)
	assert.NotEmpty(t, r.Output)
}

func TestQuorumTracker_SoftMissPicksPluralityAfterMaxAttempts(t *testing.T) {
	q := NewQuorumTracker(QuorumConfig{MinSuccesses: 3, MaxAttempts: 2})

	q.Record("answer A")
	r := q.Record("answer B")
	require.True(t, r.Done)
	assert.True(t, r.SoftMiss)
	assert.NotEmpty(t, r.Output)
}

func TestFingerprint_NormalizesWhitespaceAndCase(t *testing.T) {
	a := Fingerprint("Hello   World\n\n")
	b := Fingerprint("hello world")
	assert.Equal(t, a, b)
}
