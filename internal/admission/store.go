// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package admission

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/google/renameio/v2"
)

// ErrCorruptState is returned when the on-disk document cannot be decoded.
var ErrCorruptState = errors.New("admission: corrupt state document")

// loadState reads the persisted document, returning a fresh one if the file
// does not yet exist. A corrupt document is a STATE_ERROR condition the
// caller must fail closed on.
func loadState(path string) (*state, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return newState(), nil
		}
		return nil, fmt.Errorf("admission: read state: %w", err)
	}
	if len(data) == 0 {
		return newState(), nil
	}

	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	if st.ActiveRuns == nil {
		st.ActiveRuns = map[string]RunLease{}
	}
	if st.ActiveSlots == nil {
		st.ActiveSlots = map[string]SlotLease{}
	}
	if st.Idempotency == nil {
		st.Idempotency = map[string]string{}
	}
	return &st, nil
}

// saveState writes the document atomically: a temp file in the same
// directory, fsync, then rename, so readers never observe a torn document.
func saveState(path string, st *state) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("admission: marshal state: %w", err)
	}

	pf, err := renameio.NewPendingFile(path)
	if err != nil {
		return fmt.Errorf("admission: create pending state file: %w", err)
	}
	defer func() { _ = pf.Cleanup() }()

	if _, err := pf.Write(data); err != nil {
		return fmt.Errorf("admission: write pending state file: %w", err)
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("admission: replace state file: %w", err)
	}
	return nil
}
