// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package admission

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/deleguard/fabric/internal/log"
	"github.com/deleguard/fabric/internal/lockfile"
	"github.com/deleguard/fabric/internal/logwriter"
	"github.com/deleguard/fabric/internal/metrics"
	"github.com/deleguard/fabric/internal/policy"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Controller is the process-wide admission controller instance. There is no
// hidden global state: callers construct one explicitly and share it.
type Controller struct {
	mu sync.Mutex // serializes operations within this process

	policy    policy.Resolved
	statePath string
	lockWait  time.Duration
	lockStale time.Duration
	pressure  PressureProvider
	events    *logwriter.Writer
	breaker   *breakerProbe
	logger    zerolog.Logger
}

// New constructs a Controller backed by the JSON document at statePath.
func New(p policy.Resolved, statePath string, pressure PressureProvider, events *logwriter.Writer) *Controller {
	return &Controller{
		policy:    p,
		statePath: statePath,
		lockWait:  p.LockWait,
		lockStale: p.LockStale,
		pressure:  pressure,
		events:    events,
		breaker:   newBreakerProbe("admission", p.BreakerCooldown),
		logger:    log.WithComponent("admission"),
	}
}

// GetPolicy returns the resolved configuration this controller was built with.
func (c *Controller) GetPolicy() policy.Resolved {
	return c.policy
}

func (c *Controller) emit(kind string, fields map[string]any) {
	if c.events == nil {
		return
	}
	event := map[string]any{"kind": kind}
	for k, v := range fields {
		event[k] = v
	}
	c.events.Append(event)
}

// withState acquires the in-process mutex and the cross-process advisory
// lock, loads the document, lets fn mutate it, and — unless fn asks to skip
// the write (because nothing changed, e.g. a denial) — persists it.
func (c *Controller) withState(ctx context.Context, fn func(st *state, now time.Time) (dirty bool, err error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	lk, err := lockfile.Acquire(ctx, c.statePath, c.lockWait, c.lockStale)
	if err != nil {
		metrics.RecordStateError()
		c.logger.Warn().Err(err).Msg("admission: lock acquire failed")
		c.emit("state_error", map[string]any{"detail": "lock: " + err.Error()})
		return err
	}
	defer func() { _ = lk.Release() }()

	st, err := loadState(c.statePath)
	if err != nil {
		metrics.RecordStateError()
		c.logger.Error().Err(err).Msg("admission: state load failed")
		c.emit("state_error", map[string]any{"detail": err.Error()})
		return err
	}

	now := time.Now()
	dirty, err := fn(st, now)
	if err != nil {
		return err
	}
	if !dirty {
		return nil
	}

	st.LastActivityMs = now.UnixMilli()
	if err := saveState(c.statePath, st); err != nil {
		metrics.RecordStateError()
		c.emit("state_error", map[string]any{"detail": err.Error()})
		return err
	}
	metrics.SetActiveRuns(float64(len(st.ActiveRuns)))
	metrics.SetActiveSlots(float64(len(st.ActiveSlots)))
	metrics.SetCallResultGap(float64(st.CallCount - st.ResultCount))
	return nil
}

// sweepLocked removes expired run/slot leases and idempotency entries whose
// owning run no longer exists. Must be called with the state already
// loaded; mutates st in place.
func sweepLocked(st *state, now time.Time) bool {
	dirty := false
	nowMs := now.UnixMilli()

	for id, lease := range st.ActiveRuns {
		if lease.ExpiresAtMs > 0 && lease.ExpiresAtMs < nowMs {
			delete(st.ActiveRuns, id)
			dirty = true
		}
	}
	for id, lease := range st.ActiveSlots {
		if lease.ExpiresAtMs > 0 && lease.ExpiresAtMs < nowMs {
			delete(st.ActiveSlots, id)
			dirty = true
		} else if _, ok := st.ActiveRuns[lease.RunID]; !ok {
			delete(st.ActiveSlots, id)
			dirty = true
		}
	}
	for key, runID := range st.Idempotency {
		if _, ok := st.ActiveRuns[runID]; !ok {
			delete(st.Idempotency, key)
			dirty = true
		}
	}
	return dirty
}

func denialCode(reason BreakerReason) Code {
	switch reason {
	case ReasonHostPressure:
		return CodeCircuitOpenPressure
	case ReasonCallResultGap:
		return CodeCircuitOpenGap
	default:
		return CodeCircuitOpen
	}
}

// reconcileBreakerLocked applies the breaker-recovery rules on the
// persisted document: a gap-opened circuit re-balances its counters once
// gapResetQuietMs has elapsed with no new recordToolCall, and the persisted
// circuit closes once the in-process breaker has released its trip and the
// gap is back under threshold. The breaker's own State() owns the cooldown
// lifecycle (it lazily flips open→half-open after Timeout); the timestamp
// dwell below only covers a circuit opened by a sibling orchestrator
// process, whose breaker state cannot be shared across process boundaries.
func (c *Controller) reconcileBreakerLocked(st *state, now time.Time) bool {
	if !st.Circuit.Open {
		return false
	}
	dirty := false

	if st.Circuit.Reason == ReasonCallResultGap && st.LastToolCallMs > 0 && st.CallCount != st.ResultCount {
		quiet := time.Duration(now.UnixMilli()-st.LastToolCallMs) * time.Millisecond
		if quiet >= c.policy.GapResetQuietTime {
			st.ResultCount = st.CallCount
			dirty = true
		}
	}

	if !c.breaker.tripped() &&
		now.UnixMilli()-st.Circuit.OpenedAtMs >= st.Circuit.CooldownMs &&
		st.CallCount-st.ResultCount <= int64(c.policy.CallResultGapMax) {
		reason := st.Circuit.Reason
		st.Circuit = CircuitState{}
		metrics.SetCircuitBreakerState("admission", "closed")
		log.AuditInfo(context.Background(), "admission.circuit_closed", "circuit breaker closed after cooldown", map[string]any{
			"reason": reason,
		})
		dirty = true
	}
	return dirty
}

// mirrorCircuitLocked derives the persisted circuit fields from the
// in-process breaker after a failed evaluation, capturing the trip reason
// alongside so sibling processes can replay it in their denials.
func (c *Controller) mirrorCircuitLocked(reason BreakerReason, now time.Time) CircuitState {
	if !c.breaker.tripped() {
		return CircuitState{}
	}
	return CircuitState{
		Open:       true,
		Reason:     reason,
		OpenedAtMs: now.UnixMilli(),
		CooldownMs: c.policy.BreakerCooldown.Milliseconds(),
	}
}

// openBreakerLocked records one trip in the persisted mirror, metrics,
// event stream, and audit trail, and returns the matching denial.
func (c *Controller) openBreakerLocked(st *state, reason BreakerReason, code Code, why string, req PreflightRequest, now time.Time) *Denial {
	st.Circuit = c.mirrorCircuitLocked(reason, now)
	metrics.SetCircuitBreakerState("admission", "open")
	metrics.RecordCircuitBreakerTrip("admission", string(reason))
	c.emit("breaker_opened", map[string]any{"reason": reason, "cooldownMs": c.policy.BreakerCooldown.Milliseconds()})
	log.AuditInfo(context.Background(), "admission.circuit_opened", "circuit breaker opened", map[string]any{
		"reason":     reason,
		"cooldownMs": c.policy.BreakerCooldown.Milliseconds(),
	})
	metrics.RecordRunDenied(string(code))
	c.emit("run_denied", map[string]any{"code": code, "runId": req.RunID, "depth": req.Depth})
	return &Denial{Code: code, Reason: why}
}

// PreflightRun runs the admission checks in a fixed order: lease sweep,
// depth cap, idempotency dedup, breaker dwell, host pressure, call/result
// gap, run cap, grant.
func (c *Controller) PreflightRun(ctx context.Context, req PreflightRequest) (*RunGrant, *Denial) {
	var grant *RunGrant
	var denial *Denial

	err := c.withState(ctx, func(st *state, now time.Time) (bool, error) {
		dirty := sweepLocked(st, now)

		// 2. Depth cap.
		if req.Depth > c.policy.MaxDepth {
			denial = &Denial{Code: CodeDepthExceeded, Reason: "requested depth exceeds max-depth"}
			metrics.RecordRunDenied(string(CodeDepthExceeded))
			c.emit("run_denied", map[string]any{"code": CodeDepthExceeded, "runId": req.RunID, "depth": req.Depth})
			return dirty, nil
		}

		// 3. Idempotency dedup.
		if req.IdempotencyKey != "" {
			if existingRunID, ok := st.Idempotency[req.IdempotencyKey]; ok {
				if lease, ok := st.ActiveRuns[existingRunID]; ok {
					grant = &RunGrant{RunID: lease.RunID, LeaseID: lease.LeaseID, Kind: lease.Kind, Depth: lease.Depth, Dedup: true}
					metrics.RecordIdempotentReplay()
					return dirty, nil
				}
				delete(st.Idempotency, req.IdempotencyKey)
				dirty = true
			}
		}

		// 4. Breaker recovery, then dwell on the persisted circuit — this
		// covers a circuit opened by a sibling orchestrator process whose
		// in-process breaker we cannot see.
		if c.reconcileBreakerLocked(st, now) {
			dirty = true
		}
		if st.Circuit.Open {
			code := denialCode(st.Circuit.Reason)
			denial = &Denial{Code: code, Reason: "circuit open: " + string(st.Circuit.Reason)}
			metrics.RecordRunDenied(string(code))
			c.emit("run_denied", map[string]any{"code": code, "runId": req.RunID, "depth": req.Depth})
			return dirty, nil
		}

		// 5-6. Host pressure and call/result gap, evaluated inside the
		// breaker's Execute so its own bookkeeping drives the lifecycle:
		// a sentinel error trips closed→open, Timeout moves open→half-open,
		// and a clean evaluation closes it again. The persisted circuit is
		// a mirror of the breaker, not a second source of truth.
		evalErr := c.breaker.evaluate(func() error {
			if c.pressure != nil {
				if snap, _ := c.pressure.Sample(ctx); snap != nil && snap.Severity == SeverityCritical {
					return errHostPressure
				}
			}
			if st.CallCount-st.ResultCount > int64(c.policy.CallResultGapMax) {
				return errCallResultGap
			}
			return nil
		})
		switch {
		case evalErr == nil:
			// fall through to the run-cap check

		case errors.Is(evalErr, errHostPressure):
			denial = c.openBreakerLocked(st, ReasonHostPressure, CodeCircuitOpenPressure, "host pressure critical", req, now)
			return true, nil

		case errors.Is(evalErr, errCallResultGap):
			denial = c.openBreakerLocked(st, ReasonCallResultGap, CodeCircuitOpenGap, "call/result gap exceeded", req, now)
			return true, nil

		default:
			// The breaker refused to run the evaluation at all (open, or
			// half-open with its probe already spent) while the persisted
			// mirror shows closed — e.g. a sibling process reset the
			// document underneath us. Fail closed on the breaker.
			denial = &Denial{Code: CodeCircuitOpen, Reason: "circuit open"}
			metrics.RecordRunDenied(string(CodeCircuitOpen))
			c.emit("run_denied", map[string]any{"code": CodeCircuitOpen, "runId": req.RunID, "depth": req.Depth})
			return dirty, nil
		}

		// 7. Run cap.
		if len(st.ActiveRuns) >= c.policy.MaxRuns {
			denial = &Denial{Code: CodeRunCapReached, Reason: "max-runs reached"}
			metrics.RecordRunDenied(string(CodeRunCapReached))
			c.emit("run_denied", map[string]any{"code": CodeRunCapReached, "runId": req.RunID, "depth": req.Depth})
			return dirty, nil
		}

		// 8. Grant.
		leaseID := uuid.NewString()
		ttl := c.policy.RunLeaseTTL
		lease := RunLease{
			RunID:          req.RunID,
			Kind:           req.Kind,
			Depth:          req.Depth,
			LeaseID:        leaseID,
			GrantedAtMs:    now.UnixMilli(),
			ExpiresAtMs:    now.Add(ttl).UnixMilli(),
			IdempotencyKey: req.IdempotencyKey,
		}
		st.ActiveRuns[req.RunID] = lease
		if req.IdempotencyKey != "" {
			st.Idempotency[req.IdempotencyKey] = req.RunID
		}
		grant = &RunGrant{RunID: req.RunID, LeaseID: leaseID, Kind: req.Kind, Depth: req.Depth}
		metrics.RecordRunAllowed(string(req.Kind))
		c.emit("run_allowed", map[string]any{"runId": req.RunID, "leaseId": leaseID, "kindOfRun": req.Kind, "depth": req.Depth, "idempotencyKey": req.IdempotencyKey})
		return true, nil
	})

	if err != nil {
		denial = &Denial{Code: CodeStateError, Reason: err.Error()}
		metrics.RecordRunDenied(string(CodeStateError))
	}
	return grant, denial
}

// AcquireSlot grants one SlotLease within an already-admitted run.
func (c *Controller) AcquireSlot(ctx context.Context, runID string, depth int, agent string) (*SlotGrant, *Denial) {
	var grant *SlotGrant
	var denial *Denial

	err := c.withState(ctx, func(st *state, now time.Time) (bool, error) {
		dirty := sweepLocked(st, now)

		if _, ok := st.ActiveRuns[runID]; !ok {
			denial = &Denial{Code: CodeRunNotFound, Reason: "run has no active lease"}
			c.emit("slot_denied", map[string]any{"runId": runID, "code": CodeRunNotFound})
			metrics.RecordSlotDenied(string(CodeRunNotFound))
			return dirty, nil
		}
		if len(st.ActiveSlots) >= c.policy.MaxSlots {
			denial = &Denial{Code: CodeSlotCapReached, Reason: "max-slots reached"}
			c.emit("slot_denied", map[string]any{"runId": runID, "code": CodeSlotCapReached})
			metrics.RecordSlotDenied(string(CodeSlotCapReached))
			return dirty, nil
		}

		slotID := uuid.NewString()
		leaseID := uuid.NewString()
		lease := SlotLease{
			SlotID:      slotID,
			RunID:       runID,
			Depth:       depth,
			Agent:       agent,
			LeaseID:     leaseID,
			GrantedAtMs: now.UnixMilli(),
			ExpiresAtMs: now.Add(c.policy.SlotLeaseTTL).UnixMilli(),
		}
		st.ActiveSlots[slotID] = lease
		grant = &SlotGrant{SlotID: slotID, RunID: runID, LeaseID: leaseID, Depth: depth, Agent: agent}
		c.emit("slot_allowed", map[string]any{"runId": runID, "slotId": slotID})
		return true, nil
	})

	if err != nil {
		denial = &Denial{Code: CodeStateError, Reason: err.Error()}
	}
	return grant, denial
}

// ReleaseSlot releases a previously granted slot. Idempotent: releasing an
// unknown or already-released leaseId is a silent no-op.
func (c *Controller) ReleaseSlot(ctx context.Context, grant *SlotGrant, status string) error {
	if grant == nil {
		return nil
	}
	return c.withState(ctx, func(st *state, now time.Time) (bool, error) {
		dirty := sweepLocked(st, now)
		existing, ok := st.ActiveSlots[grant.SlotID]
		if !ok || existing.LeaseID != grant.LeaseID {
			return dirty, nil
		}
		delete(st.ActiveSlots, grant.SlotID)
		c.emit("slot_released", map[string]any{"runId": grant.RunID, "slotId": grant.SlotID, "status": status})
		return true, nil
	})
}

// EndRun releases a previously granted run (and any slots still open under
// it). Idempotent with respect to leaseId.
func (c *Controller) EndRun(ctx context.Context, grant *RunGrant, status string) error {
	if grant == nil {
		return nil
	}
	return c.withState(ctx, func(st *state, now time.Time) (bool, error) {
		dirty := sweepLocked(st, now)
		existing, ok := st.ActiveRuns[grant.RunID]
		if !ok || existing.LeaseID != grant.LeaseID {
			return dirty, nil
		}
		delete(st.ActiveRuns, grant.RunID)
		if existing.IdempotencyKey != "" {
			delete(st.Idempotency, existing.IdempotencyKey)
		}
		for id, slot := range st.ActiveSlots {
			if slot.RunID == grant.RunID {
				delete(st.ActiveSlots, id)
			}
		}
		c.emit("run_ended", map[string]any{"runId": grant.RunID, "status": status})
		return true, nil
	})
}

// RecordToolCall bumps the call counter. Counters are process-global, not
// per-run: the document is shared by every orchestrator on the host.
func (c *Controller) RecordToolCall(ctx context.Context, tool string) error {
	return c.withState(ctx, func(st *state, now time.Time) (bool, error) {
		st.CallCount++
		st.LastToolCallMs = now.UnixMilli()
		return true, nil
	})
}

// RecordToolResult bumps the process-global result counter.
func (c *Controller) RecordToolResult(ctx context.Context, tool string) error {
	return c.withState(ctx, func(st *state, now time.Time) (bool, error) {
		st.ResultCount++
		return true, nil
	})
}

// GetStatus returns a read-only snapshot for observability. It also applies
// the breaker-recovery rules, so a status poll after the cooldown and quiet
// window reflects the self-cleared circuit.
func (c *Controller) GetStatus(ctx context.Context) (Status, error) {
	var snap Status
	err := c.withState(ctx, func(st *state, now time.Time) (bool, error) {
		dirty := sweepLocked(st, now)

		if c.reconcileBreakerLocked(st, now) {
			dirty = true
		}

		var pressureSnap *PressureSnapshot
		if c.pressure != nil {
			pressureSnap, _ = c.pressure.Sample(ctx)
		}

		snap = Status{
			ActiveRuns:     len(st.ActiveRuns),
			ActiveSlots:    len(st.ActiveSlots),
			CallCount:      st.CallCount,
			ResultCount:    st.ResultCount,
			Gap:            st.CallCount - st.ResultCount,
			Circuit:        st.Circuit,
			LastActivityMs: st.LastActivityMs,
			Pressure:       pressureSnap,
		}
		return dirty, nil
	})
	return snap, err
}
