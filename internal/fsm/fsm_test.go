package fsm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type state string
type event string

const (
	stSpawned  state = "spawned"
	stRunning  state = "running"
	stAborting state = "aborting"
	stClosing  state = "closing"
	stSettled  state = "settled"

	evStart event = "start"
	evAbort event = "abort"
	evClose event = "close"
	evSettle event = "settle"
)

func newTestMachine(t *testing.T) *Machine[state, event] {
	t.Helper()
	m, err := New(stSpawned, []Transition[state, event]{
		{From: stSpawned, Event: evStart, To: stRunning},
		{From: stRunning, Event: evAbort, To: stAborting},
		{From: stAborting, Event: evClose, To: stClosing},
		{From: stRunning, Event: evClose, To: stClosing},
		{From: stClosing, Event: evSettle, To: stSettled},
	})
	require.NoError(t, err)
	return m
}

func TestMachine_HappyPath(t *testing.T) {
	m := newTestMachine(t)
	ctx := context.Background()

	to, err := m.Fire(ctx, evStart)
	require.NoError(t, err)
	assert.Equal(t, stRunning, to)

	to, err = m.Fire(ctx, evClose)
	require.NoError(t, err)
	assert.Equal(t, stClosing, to)

	to, err = m.Fire(ctx, evSettle)
	require.NoError(t, err)
	assert.Equal(t, stSettled, to)
}

func TestMachine_InvalidTransition(t *testing.T) {
	m := newTestMachine(t)
	_, err := m.Fire(context.Background(), evSettle)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid transition")
}

func TestMachine_GuardRejects(t *testing.T) {
	sentinel := errors.New("guard rejected")
	m, err := New(stSpawned, []Transition[state, event]{
		{From: stSpawned, Event: evStart, To: stRunning, Guard: func(context.Context, state, event) error {
			return sentinel
		}},
	})
	require.NoError(t, err)

	_, err = m.Fire(context.Background(), evStart)
	require.ErrorIs(t, err, sentinel)
	assert.Equal(t, stSpawned, m.State())
}

func TestMachine_DuplicateTransitionRejected(t *testing.T) {
	_, err := New(stSpawned, []Transition[state, event]{
		{From: stSpawned, Event: evStart, To: stRunning},
		{From: stSpawned, Event: evStart, To: stAborting},
	})
	require.Error(t, err)
}

func TestMachine_CanFire(t *testing.T) {
	m := newTestMachine(t)
	assert.True(t, m.CanFire(evStart))
	assert.False(t, m.CanFire(evClose))
}
