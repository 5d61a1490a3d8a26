// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package admission

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// Sentinel errors returned by the preflight evaluation closure to trip the
// breaker with a known reason. They never escape PreflightRun.
var (
	errHostPressure  = errors.New("admission: host pressure critical")
	errCallResultGap = errors.New("admission: call/result gap exceeded")
)

// breakerProbe wraps a gobreaker.CircuitBreaker as the in-process engine
// behind the persisted circuit: trips are always explicit (host pressure
// critical, or call/result gap exceeded), never statistical, so ReadyToTrip
// fires on the very first recorded failure and MaxRequests is 1 (a single
// half-open probe). Execute's own bookkeeping drives the lifecycle:
// closed→open on a failed evaluation, open→half-open once Timeout has
// dwelled, half-open→closed on the next clean evaluation.
type breakerProbe struct {
	cb *gobreaker.CircuitBreaker
}

func newBreakerProbe(name string, cooldown time.Duration) *breakerProbe {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 1
		},
	}
	return &breakerProbe{cb: gobreaker.NewCircuitBreaker(settings)}
}

// evaluate runs fn under the breaker. A returned error is recorded as a
// failure and passed through; gobreaker.ErrOpenState or ErrTooManyRequests
// mean the breaker refused admission without running fn at all.
func (b *breakerProbe) evaluate(fn func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	return err
}

// tripped reports whether the breaker currently holds an open circuit.
// State() is lazy: once Timeout has dwelled it reads half-open, so a false
// return means the breaker is willing to admit at least a probe.
func (b *breakerProbe) tripped() bool {
	return b.cb.State() == gobreaker.StateOpen
}
