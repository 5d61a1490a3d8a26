// Package metrics provides Prometheus metrics for the admission and
// supervision fabric.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Admission control metrics.
// Cardinality constraint: no runId, slotId, or leaseId in label values —
// labels are bounded enums only (kind, reason, code).

var (
	// RunAllowedTotal counts granted preflightRun calls by run kind.
	RunAllowedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_run_allowed_total",
		Help: "Total number of admitted delegated runs, by kind.",
	}, []string{"kind"})

	// RunDeniedTotal counts denied preflightRun calls by denial code.
	RunDeniedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_run_denied_total",
		Help: "Total number of denied delegated run requests, by denial code.",
	}, []string{"code"})

	// SlotDeniedTotal counts denied acquireSlot calls by denial code.
	SlotDeniedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_slot_denied_total",
		Help: "Total number of denied slot requests, by denial code.",
	}, []string{"code"})

	// IdempotentReplayTotal counts preflightRun calls that returned an
	// existing lease for a matching idempotency key.
	IdempotentReplayTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fabric_idempotent_replay_total",
		Help: "Total number of preflightRun calls deduplicated via idempotency key.",
	})

	// StateErrorTotal counts admission-state I/O failures.
	StateErrorTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fabric_state_error_total",
		Help: "Total number of admission state read/write failures.",
	})

	// InvariantViolationTotal counts critical invariant violations observed
	// during reconciliation (e.g. a lease with no backing run).
	InvariantViolationTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_invariant_violation_total",
		Help: "Total number of invariant violations, by rule.",
	}, []string{"rule"})

	// ActiveRuns tracks the current count of active RunLeases.
	ActiveRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fabric_active_runs",
		Help: "Current number of active run leases.",
	})

	// ActiveSlots tracks the current count of active SlotLeases.
	ActiveSlots = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fabric_active_slots",
		Help: "Current number of active slot leases.",
	})

	// CallResultGap tracks the current callCount - resultCount gap.
	CallResultGap = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fabric_call_result_gap",
		Help: "Current value of callCount minus resultCount.",
	})
)

// RecordRunAllowed increments the admitted-run counter.
func RecordRunAllowed(kind string) {
	RunAllowedTotal.WithLabelValues(kind).Inc()
}

// RecordRunDenied increments the denied-run counter.
func RecordRunDenied(code string) {
	RunDeniedTotal.WithLabelValues(code).Inc()
}

// RecordSlotDenied increments the denied-slot counter.
func RecordSlotDenied(code string) {
	SlotDeniedTotal.WithLabelValues(code).Inc()
}

// RecordIdempotentReplay increments the idempotent-replay counter.
func RecordIdempotentReplay() {
	IdempotentReplayTotal.Inc()
}

// RecordStateError increments the state-error counter.
func RecordStateError() {
	StateErrorTotal.Inc()
}

// RecordInvariantViolation increments the invariant violation counter.
func RecordInvariantViolation(rule string) {
	InvariantViolationTotal.WithLabelValues(rule).Inc()
}

// SetActiveRuns sets the active-runs gauge.
func SetActiveRuns(count float64) {
	ActiveRuns.Set(count)
}

// SetActiveSlots sets the active-slots gauge.
func SetActiveSlots(count float64) {
	ActiveSlots.Set(count)
}

// SetCallResultGap sets the call/result gap gauge.
func SetCallResultGap(count float64) {
	CallResultGap.Set(count)
}

// GetActiveRuns returns the current gauge value (test helper).
func GetActiveRuns() float64 {
	var m dto.Metric
	if err := ActiveRuns.Write(&m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}
