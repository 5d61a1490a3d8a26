// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package supervisor

import "github.com/deleguard/fabric/internal/fsm"

type lifecycleState string

const (
	stateSpawned  lifecycleState = "spawned"
	stateRunning  lifecycleState = "running"
	stateAborting lifecycleState = "aborting"
	stateClosing  lifecycleState = "closing"
	stateSettled  lifecycleState = "settled"
)

type lifecycleEvent string

const (
	eventStart  lifecycleEvent = "start"
	eventAbort  lifecycleEvent = "abort"
	eventClose  lifecycleEvent = "close"
	eventSettle lifecycleEvent = "settle"
)

func newLifecycle() (*fsm.Machine[lifecycleState, lifecycleEvent], error) {
	return fsm.New(stateSpawned, []fsm.Transition[lifecycleState, lifecycleEvent]{
		{From: stateSpawned, Event: eventStart, To: stateRunning},
		{From: stateSpawned, Event: eventAbort, To: stateAborting},
		{From: stateRunning, Event: eventAbort, To: stateAborting},
		{From: stateRunning, Event: eventClose, To: stateClosing},
		{From: stateAborting, Event: eventClose, To: stateClosing},
		{From: stateClosing, Event: eventSettle, To: stateSettled},
	})
}
