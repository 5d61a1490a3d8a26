// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package admission

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestLoadState_MissingFileReturnsFreshState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.json")
	st, err := loadState(path)
	require.NoError(t, err)
	require.Equal(t, 1, st.Version)
	require.Empty(t, st.ActiveRuns)
}

func TestSaveAndLoadState_RoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	st := newState()
	st.ActiveRuns["run-1"] = RunLease{RunID: "run-1", LeaseID: "lease-1", Kind: KindTeam}
	st.CallCount = 3

	require.NoError(t, saveState(path, st))

	loaded, err := loadState(path)
	require.NoError(t, err)
	require.Equal(t, int64(3), loaded.CallCount)
	require.Contains(t, loaded.ActiveRuns, "run-1")
}

func TestSaveAndLoadState_StructuralRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	st := newState()
	st.ActiveRuns["run-1"] = RunLease{RunID: "run-1", LeaseID: "lease-1", Kind: KindSubagent, Depth: 1}
	st.ActiveSlots["slot-1"] = SlotLease{SlotID: "slot-1", RunID: "run-1", LeaseID: "lease-2", Agent: "reviewer"}
	st.Idempotency["idem-1"] = "run-1"
	st.CallCount = 5
	st.ResultCount = 2

	require.NoError(t, saveState(path, st))

	loaded, err := loadState(path)
	require.NoError(t, err)

	if diff := cmp.Diff(st, loaded); diff != "" {
		t.Fatalf("loaded state diverges from saved state (-want +got):\n%s", diff)
	}
}

func TestLoadState_CorruptDocumentIsDetected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := loadState(path)
	require.ErrorIs(t, err, ErrCorruptState)
}

func TestLoadState_EmptyFileReturnsFreshState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte{}, 0o644))

	st, err := loadState(path)
	require.NoError(t, err)
	require.Empty(t, st.ActiveRuns)
}
