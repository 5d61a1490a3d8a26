// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package admission implements the host-wide admission controller: the
// single gate a delegating orchestrator must pass through before spawning a
// team, pipeline, or subagent subprocess, and the single-writer ledger of
// which runs and slots are currently alive.
package admission

import "time"

// RunKind names the three call shapes a caller may request admission for.
type RunKind string

const (
	KindTeam     RunKind = "team"
	KindPipeline RunKind = "pipeline"
	KindSubagent RunKind = "subagent"
)

// Severity classifies a PressureSnapshot.
type Severity string

const (
	SeverityOK       Severity = "ok"
	SeverityWarn     Severity = "warn"
	SeverityCritical Severity = "critical"
)

// BreakerReason names why the circuit is open.
type BreakerReason string

const (
	ReasonNone           BreakerReason = ""
	ReasonHostPressure   BreakerReason = "host_pressure"
	ReasonCallResultGap  BreakerReason = "call_result_gap"
)

// Code is a machine-readable admission denial code.
type Code string

const (
	CodeDepthExceeded          Code = "DEPTH_EXCEEDED"
	CodeRunCapReached          Code = "RUN_CAP_REACHED"
	CodeSlotCapReached         Code = "SLOT_CAP_REACHED"
	CodeCircuitOpen            Code = "CIRCUIT_OPEN"
	CodeCircuitOpenPressure    Code = "CIRCUIT_OPEN_HOST_PRESSURE"
	CodeCircuitOpenGap         Code = "CIRCUIT_OPEN_CALL_RESULT_GAP"
	CodeRunNotFound            Code = "RUN_NOT_FOUND"
	CodeStateError             Code = "STATE_ERROR"
)

// RunLease is the capability returned by a granted preflightRun.
type RunLease struct {
	RunID          string  `json:"runId"`
	Kind           RunKind `json:"kind"`
	Depth          int     `json:"depth"`
	LeaseID        string  `json:"leaseId"`
	GrantedAtMs    int64   `json:"grantedAtMs"`
	ExpiresAtMs    int64   `json:"expiresAtMs"`
	IdempotencyKey string  `json:"idempotencyKey,omitempty"`
}

// SlotLease is the capability returned by a granted acquireSlot.
type SlotLease struct {
	SlotID      string `json:"slotId"`
	RunID       string `json:"runId"`
	Depth       int    `json:"depth"`
	Agent       string `json:"agent"`
	LeaseID     string `json:"leaseId"`
	GrantedAtMs int64  `json:"grantedAtMs"`
	ExpiresAtMs int64  `json:"expiresAtMs"`
}

// CircuitState is the persisted breaker state.
type CircuitState struct {
	Open       bool          `json:"open"`
	Reason     BreakerReason `json:"reason,omitempty"`
	OpenedAtMs int64         `json:"openedAtMs,omitempty"`
	CooldownMs int64         `json:"cooldownMs,omitempty"`
}

// state is the single persisted JSON document shared by every orchestrator
// process on the host.
type state struct {
	Version         int                  `json:"version"`
	ActiveRuns      map[string]RunLease  `json:"activeRuns"`
	ActiveSlots     map[string]SlotLease `json:"activeSlots"`
	Idempotency     map[string]string    `json:"idempotency"`
	CallCount       int64                `json:"callCount"`
	ResultCount     int64                `json:"resultCount"`
	Circuit         CircuitState         `json:"circuit"`
	LastActivityMs  int64                `json:"lastActivityMs"`
	LastToolCallMs  int64                `json:"lastToolCallMs,omitempty"`
}

func newState() *state {
	return &state{
		Version:     1,
		ActiveRuns:  map[string]RunLease{},
		ActiveSlots: map[string]SlotLease{},
		Idempotency: map[string]string{},
	}
}

// PressureSnapshot is produced by a pluggable host-pressure probe.
type PressureSnapshot struct {
	Ts             time.Time `json:"ts"`
	Severity       Severity  `json:"severity"`
	NodeCount      int       `json:"nodeCount"`
	NodeRssMb      int64     `json:"nodeRssMb"`
	TotalProcesses int       `json:"totalProcesses"`
}

// RunGrant is returned by PreflightRun on success.
type RunGrant struct {
	RunID   string
	LeaseID string
	Kind    RunKind
	Depth   int
	Dedup   bool // true when this grant was served from an idempotency hit
}

// SlotGrant is returned by AcquireSlot on success.
type SlotGrant struct {
	SlotID  string
	RunID   string
	LeaseID string
	Depth   int
	Agent   string
}

// Denial is returned whenever an admission request is refused. Denials are
// first-class values, never Go errors: the requesting tool is expected to
// branch on Code.
type Denial struct {
	Code   Code
	Reason string
}

func (d *Denial) Error() string {
	if d == nil {
		return ""
	}
	return string(d.Code) + ": " + d.Reason
}

// PreflightRequest is the input to PreflightRun.
type PreflightRequest struct {
	RunID                string
	Kind                 RunKind
	Depth                int
	RequestedParallelism int
	IdempotencyKey       string
}

// Status is the observability snapshot returned by GetStatus.
type Status struct {
	ActiveRuns     int              `json:"activeRuns"`
	ActiveSlots    int              `json:"activeSlots"`
	CallCount      int64            `json:"callCount"`
	ResultCount    int64            `json:"resultCount"`
	Gap            int64            `json:"gap"`
	Circuit        CircuitState     `json:"circuit"`
	LastActivityMs int64            `json:"lastActivityMs"`
	Pressure       *PressureSnapshot `json:"pressure,omitempty"`
}
