// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package recovery implements the Recovery Coordinator: it classifies a
// delegated run's Outcome into a Reason, then decides whether the run
// should complete, complete degraded, retry with backoff, or fail.
package recovery

import (
	"context"
	"errors"
	"math/rand"
	"os/exec"
	"strings"
	"time"
)

// Reason is a compact, typed outcome classification.
type Reason string

const (
	RNone           Reason = "none"
	RSignal         Reason = "signal"
	RBudget         Reason = "budget"
	RPolicy         Reason = "policy"
	RHealthAbort    Reason = "health_abort"
	RStall          Reason = "stall"
	RLockContention Reason = "lock_contention"
	RExitCode       Reason = "exit_code"
	RUnknown        Reason = "unknown"
)

// reasonError lets an earlier layer (Supervisor, abort path) attach an
// already-known Reason to an error, so ClassifyReason can recover it
// directly via errors.As instead of re-deriving it from text.
type reasonError struct {
	reason Reason
	detail string
	err    error
}

func (e *reasonError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return string(e.reason)
}

func (e *reasonError) Unwrap() error {
	return e.err
}

// NewReasonError wraps err (or, if err is nil, just detail) with an
// explicit Reason for later classification.
func NewReasonError(reason Reason, detail string, err error) error {
	return &reasonError{reason: reason, detail: detail, err: err}
}

func reasonFromError(err error) (Reason, string, bool) {
	var rerr *reasonError
	if errors.As(err, &rerr) {
		detail := rerr.detail
		if detail == "" && rerr.err != nil {
			detail = rerr.err.Error()
		}
		return rerr.reason, sanitizeDetail(detail), true
	}
	return "", "", false
}

func sanitizeDetail(detail string) string {
	if detail == "" {
		return ""
	}
	const maxLen = 160
	clean := strings.ReplaceAll(detail, "\n", " ")
	if len(clean) > maxLen {
		return clean[:maxLen] + "..."
	}
	return clean
}

var lockContentionMarkers = []string{"lock", "eexist", "busy"}

// Outcome is the Supervisor's report of how one attempt of a delegated run
// ended.
type Outcome struct {
	ExitCode        int
	Stderr          string
	Output          string
	Aborted         bool
	AbortOrigin     string // signal | health | budget | policy | external
	HealthClassification string // stalled | wedged | "" when not health-driven
	Err             error
}

// ClassifyReason derives a Reason from an Outcome: a typed reasonError
// wrapper first, then the context sentinels, then the abort origin and
// health classification, then a stderr substring match for lock contention,
// and the exit code last.
func ClassifyReason(o Outcome) (Reason, string) {
	if o.Err != nil {
		if reason, detail, ok := reasonFromError(o.Err); ok {
			return reason, detail
		}
		if errors.Is(o.Err, context.Canceled) {
			return RSignal, "context canceled"
		}
		if errors.Is(o.Err, context.DeadlineExceeded) {
			return RBudget, "deadline exceeded"
		}
	}

	if o.Aborted {
		switch o.AbortOrigin {
		case "signal":
			return RSignal, "aborted by signal"
		case "budget":
			return RBudget, "aborted by budget limit"
		case "policy":
			return RPolicy, "aborted by policy"
		case "health":
			if o.HealthClassification == "stalled" || o.HealthClassification == "wedged" {
				return RHealthAbort, "health monitor: " + o.HealthClassification
			}
			return RHealthAbort, "health monitor abort"
		}
	}

	if o.HealthClassification == "stalled" || o.HealthClassification == "wedged" {
		return RStall, "progress classification: " + o.HealthClassification
	}

	lower := strings.ToLower(o.Stderr)
	for _, marker := range lockContentionMarkers {
		if strings.Contains(lower, marker) {
			return RLockContention, sanitizeDetail(o.Stderr)
		}
	}

	if o.Err != nil {
		var exitErr *exec.ExitError
		if errors.As(o.Err, &exitErr) {
			return RExitCode, "process exit code"
		}
	}
	if o.ExitCode != 0 {
		return RExitCode, "non-zero exit code"
	}

	if o.Err != nil {
		return RUnknown, sanitizeDetail(o.Err.Error())
	}
	return RNone, ""
}

// Backoff holds the exponential-with-jitter backoff parameters.
type Backoff struct {
	BaseMs     int64
	Multiplier float64
	MaxDelayMs int64
}

// Delay computes min(baseMs * multiplier^(attempt-1) + jitter(10%), maxDelayMs)
// for the given 1-indexed attempt number.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(b.BaseMs)
	mult := b.Multiplier
	if mult <= 0 {
		mult = 1
	}
	raw := base
	for i := 1; i < attempt; i++ {
		raw *= mult
	}
	jitter := raw * 0.10 * rand.Float64()
	delayMs := raw + jitter
	if b.MaxDelayMs > 0 && delayMs > float64(b.MaxDelayMs) {
		delayMs = float64(b.MaxDelayMs)
	}
	return time.Duration(delayMs) * time.Millisecond
}

// Policy is the decision policy passed to Decide.
type Policy struct {
	MaxAttempts             int
	RetryOn                 []Reason
	Backoff                 Backoff
	AllowDegraded           bool
	MinDegradedOutputLength int
}

func (p Policy) retryAllowed(reason Reason) bool {
	for _, r := range p.RetryOn {
		if r == reason {
			return true
		}
	}
	return false
}

// Decision is the Recovery Coordinator's verdict for one attempt.
type Decision struct {
	Kind     DecisionKind
	Reason   Reason
	DelayFor time.Duration
	Degraded bool
}

// DecisionKind enumerates the coordinator's possible verdicts.
type DecisionKind string

const (
	DecisionComplete DecisionKind = "complete"
	DecisionRetry    DecisionKind = "retry"
	DecisionFail     DecisionKind = "fail"
)

var degradeEligible = map[Reason]bool{
	RStall:       true,
	RHealthAbort: true,
	RExitCode:    true,
}

// Decide applies the five-step decision order: success completes; an
// in-flight retry is not pre-empted by a late health abort (the caller is
// expected to have already committed to the retry wait before calling
// Decide again at the next decision point); degraded completion; retry
// with backoff; fail.
func Decide(o Outcome, attempt int, p Policy) Decision {
	reason, _ := ClassifyReason(o)

	if reason == RNone {
		return Decision{Kind: DecisionComplete, Reason: RNone}
	}

	if p.AllowDegraded && len(o.Output) >= p.MinDegradedOutputLength && degradeEligible[reason] {
		return Decision{Kind: DecisionComplete, Reason: reason, Degraded: true}
	}

	if attempt < p.MaxAttempts && p.retryAllowed(reason) {
		return Decision{Kind: DecisionRetry, Reason: reason, DelayFor: p.Backoff.Delay(attempt)}
	}

	return Decision{Kind: DecisionFail, Reason: reason}
}

// QuorumConfig drives the optional quorum mode: instead of accepting the
// first successful attempt, the coordinator collects votes keyed by output
// fingerprint and only completes once a fingerprint reaches MinSuccesses.
type QuorumConfig struct {
	MinSuccesses int
	MaxAttempts  int
}

// Fingerprint normalizes output text (lowercase, whitespace-collapsed,
// truncated to 2000 chars) for quorum vote keys.
func Fingerprint(output string) string {
	fields := strings.Fields(strings.ToLower(output))
	joined := strings.Join(fields, " ")
	if len(joined) > 2000 {
		joined = joined[:2000]
	}
	return joined
}

// QuorumTracker accumulates votes across attempts of a quorum-mode run.
type QuorumTracker struct {
	cfg     QuorumConfig
	votes   map[string]int
	samples map[string]string
	order   []string
	attempts int
}

// NewQuorumTracker builds an empty tracker.
func NewQuorumTracker(cfg QuorumConfig) *QuorumTracker {
	return &QuorumTracker{cfg: cfg, votes: map[string]int{}, samples: map[string]string{}}
}

// QuorumResult is the outcome of recording one attempt's vote.
type QuorumResult struct {
	Done    bool
	Reason  Reason
	Output  string
	SoftMiss bool
}

// Record registers one attempt's output and reports whether quorum has
// been reached, either cleanly (first fingerprint to hit MinSuccesses) or
// via a soft-miss plurality after MaxAttempts is exhausted.
func (q *QuorumTracker) Record(output string) QuorumResult {
	q.attempts++
	fp := Fingerprint(output)
	if _, seen := q.votes[fp]; !seen {
		q.order = append(q.order, fp)
		q.samples[fp] = output
	}
	q.votes[fp]++

	if q.votes[fp] >= q.cfg.MinSuccesses {
		return QuorumResult{Done: true, Output: q.samples[fp]}
	}

	if q.attempts >= q.cfg.MaxAttempts {
		winner := ""
		best := 0
		for _, fp := range q.order {
			if q.votes[fp] > best {
				best = q.votes[fp]
				winner = fp
			}
		}
		if winner != "" && q.samples[winner] != "" {
			return QuorumResult{Done: true, SoftMiss: true, Output: q.samples[winner]}
		}
		return QuorumResult{Done: true, SoftMiss: true, Reason: RUnknown}
	}

	return QuorumResult{Done: false}
}
