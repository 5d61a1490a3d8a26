// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package admission

import (
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/require"
)

func TestBreakerProbe_TripsOnFailureAndRecoversAfterCooldown(t *testing.T) {
	b := newBreakerProbe("test", 15*time.Millisecond)
	boom := errors.New("boom")

	err := b.evaluate(func() error { return boom })
	require.ErrorIs(t, err, boom)
	require.True(t, b.tripped())

	// Open: the evaluation closure must not run at all.
	err = b.evaluate(func() error {
		t.Fatal("closure ran while the breaker was open")
		return nil
	})
	require.ErrorIs(t, err, gobreaker.ErrOpenState)

	time.Sleep(20 * time.Millisecond)

	// Timeout dwelled: half-open admits one probe, and a clean evaluation
	// closes the circuit.
	require.False(t, b.tripped())
	require.NoError(t, b.evaluate(func() error { return nil }))
	require.Equal(t, gobreaker.StateClosed, b.cb.State())
}

func TestBreakerProbe_HalfOpenAdmitsSingleProbe(t *testing.T) {
	b := newBreakerProbe("test", 10*time.Millisecond)
	require.Error(t, b.evaluate(func() error { return errors.New("trip") }))

	time.Sleep(15 * time.Millisecond)

	started := make(chan struct{})
	release := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		_ = b.evaluate(func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	// The half-open probe is in flight; a second evaluation is refused.
	err := b.evaluate(func() error { return nil })
	require.ErrorIs(t, err, gobreaker.ErrTooManyRequests)

	close(release)
	<-finished
	require.Equal(t, gobreaker.StateClosed, b.cb.State())
}
