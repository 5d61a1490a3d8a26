package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
)

func TestRecordAndReadGauges(t *testing.T) {
	SetActiveRuns(3)
	if got := GetActiveRuns(); got != 3 {
		t.Fatalf("GetActiveRuns() = %v, want 3", got)
	}
	SetActiveSlots(5)
	SetCallResultGap(2)

	RecordRunAllowed("team")
	RecordRunDenied("RUN_CAP_REACHED")
	RecordSlotDenied("SLOT_CAP_REACHED")
	RecordIdempotentReplay()
	RecordStateError()
	RecordInvariantViolation("gap_non_negative")
}

func TestCircuitBreakerGaugeIsOneHot(t *testing.T) {
	SetCircuitBreakerState("admission", "open")
	RecordCircuitBreakerTrip("admission", "host_pressure")
	SetCircuitBreakerState("admission", "closed")

	for state, want := range map[string]float64{"closed": 1, "half-open": 0, "open": 0} {
		var m dto.Metric
		if err := circuitBreakerState.WithLabelValues("admission", state).Write(&m); err != nil {
			t.Fatalf("read %s gauge: %v", state, err)
		}
		if got := m.GetGauge().GetValue(); got != want {
			t.Fatalf("state %s = %v, want %v", state, got, want)
		}
	}
}
