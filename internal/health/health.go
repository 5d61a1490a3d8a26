// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package health classifies a single delegated run's forward progress from
// the stream of ProgressMarkers a Supervisor feeds it, and decides when to
// warn or abort.
package health

import (
	"time"

	"golang.org/x/time/rate"
)

// Classification is a monotone function of (noProgressMs, activeTool kind,
// sameFingerprintPolls).
type Classification string

const (
	Healthy Classification = "healthy"
	Slow    Classification = "slow"
	Stalled Classification = "stalled"
	Wedged  Classification = "wedged"
)

var quickTools = map[string]bool{
	"read": true, "write": true, "edit": true, "grep": true,
	"find": true, "ls": true, "web_search": true,
}

var activeToolKinds = map[string]bool{
	"bash": true, "team_run": true, "pipeline_run": true, "subagent": true,
}

// Config holds the four threshold durations driving classification.
type Config struct {
	WarnNoProgress  time.Duration
	AbortNoProgress time.Duration
	AbortQuickTool  time.Duration
	AbortActiveTool time.Duration
	WarnCooldown    time.Duration
}

// State is the per-Supervisor-instance health record.
type State struct {
	StartedAt              time.Time
	LastEventAt            time.Time
	LastProgressAt         time.Time
	LastFingerprint        string
	FingerprintStableSince time.Time
	SameFingerprintPolls   int
	ActiveTool             string
	Classification         Classification
	WarningCount           int
	StallEpisodes          int
}

// Monitor tracks one Supervisor instance's health across its lifetime.
type Monitor struct {
	cfg     Config
	state   State
	limiter *rate.Limiter

	wasUnhealthy bool // tracks the stalled/wedged -> healthy edge for StallEpisodes
}

// New builds a Monitor. Warnings are rate-limited to one per WarnCooldown
// via golang.org/x/time/rate rather than hand-rolled last-emitted-timestamp
// comparisons.
func New(cfg Config) *Monitor {
	cooldown := cfg.WarnCooldown
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	now := time.Now()
	return &Monitor{
		cfg: cfg,
		state: State{
			StartedAt:      now,
			LastEventAt:    now,
			LastProgressAt: now,
		},
		limiter: rate.NewLimiter(rate.Every(cooldown), 1),
	}
}

// OnToolStart records the beginning of a tool invocation.
func (m *Monitor) OnToolStart(toolName string, now time.Time) {
	m.state.LastEventAt = now
	m.state.ActiveTool = toolName
}

// OnToolEnd clears the active tool after it completes.
func (m *Monitor) OnToolEnd(now time.Time) {
	m.state.LastEventAt = now
	m.state.ActiveTool = ""
}

// OnFingerprint records a caller-observed progress fingerprint. A change
// from the previous fingerprint resets the stall counters; an unchanged
// fingerprint accumulates SameFingerprintPolls.
func (m *Monitor) OnFingerprint(fp string, now time.Time) {
	m.state.LastEventAt = now
	if fp == "" {
		return
	}
	if fp != m.state.LastFingerprint {
		m.state.LastFingerprint = fp
		m.state.LastProgressAt = now
		m.state.FingerprintStableSince = now
		m.state.SameFingerprintPolls = 0
		return
	}
	m.state.SameFingerprintPolls++
	if m.state.FingerprintStableSince.IsZero() {
		m.state.FingerprintStableSince = now
	}
}

func (m *Monitor) abortThreshold() time.Duration {
	switch {
	case quickTools[m.state.ActiveTool]:
		return m.cfg.AbortQuickTool
	case activeToolKinds[m.state.ActiveTool]:
		return m.cfg.AbortActiveTool
	default:
		if m.cfg.AbortNoProgress > m.cfg.AbortActiveTool {
			return m.cfg.AbortNoProgress
		}
		return m.cfg.AbortActiveTool
	}
}

// Evaluate classifies current health and reports whether a warning should be
// emitted (gated by the rate limiter) and whether an abort is warranted.
// abortsDisabled lets a caller run in observe-only mode.
func (m *Monitor) Evaluate(now time.Time, abortsDisabled bool) (classification Classification, warn bool, abortReason string) {
	noProgress := now.Sub(m.state.LastProgressAt)
	threshold := m.abortThreshold()
	var fingerprintStableMs time.Duration
	if !m.state.FingerprintStableSince.IsZero() {
		fingerprintStableMs = now.Sub(m.state.FingerprintStableSince)
	}

	switch {
	case noProgress < m.cfg.WarnNoProgress:
		classification = Healthy
	case noProgress < threshold:
		classification = Slow
	case m.state.SameFingerprintPolls >= 3 || fingerprintStableMs >= threshold:
		classification = Wedged
	default:
		classification = Stalled
	}

	isUnhealthy := classification == Stalled || classification == Wedged
	if isUnhealthy && !m.wasUnhealthy {
		m.state.StallEpisodes++
	}
	m.wasUnhealthy = isUnhealthy
	m.state.Classification = classification

	if classification == Slow && m.limiter.Allow() {
		warn = true
		m.state.WarningCount++
	}

	if !abortsDisabled && isUnhealthy {
		abortReason = string(classification)
	}

	return classification, warn, abortReason
}

// Snapshot returns a copy of the current state for observability.
func (m *Monitor) Snapshot() State {
	return m.state
}
