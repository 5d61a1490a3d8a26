// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"path/filepath"
	"testing"
)

func TestRun_Usage(t *testing.T) {
	if code := run(nil); code != 2 {
		t.Fatalf("expected exit 2 for no args, got %d", code)
	}
	if code := run([]string{"bogus"}); code != 2 {
		t.Fatalf("expected exit 2 for unknown subcommand, got %d", code)
	}
	if code := run([]string{"help"}); code != 0 {
		t.Fatalf("expected exit 0 for help, got %d", code)
	}
	if code := run([]string{"-version"}); code != 0 {
		t.Fatalf("expected exit 0 for -version, got %d", code)
	}
}

func TestLocalStatusTailPolicy_AgainstFreshState(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DATA_DIR", dir)
	t.Setenv("STATE_PATH", filepath.Join(dir, "admission-state.json"))
	t.Setenv("EVENT_LOG_PATH", filepath.Join(dir, "events.ndjson"))

	if code := runStatus(nil); code != 0 {
		t.Fatalf("status: expected exit 0, got %d", code)
	}
	if code := runStatus([]string{"-json"}); code != 0 {
		t.Fatalf("status -json: expected exit 0, got %d", code)
	}
	if code := runPolicy(nil); code != 0 {
		t.Fatalf("policy: expected exit 0, got %d", code)
	}
	// No events appended yet: tailing must not fail even though the file
	// may not exist.
	if code := runTail([]string{"-n", "10"}); code != 0 {
		t.Fatalf("tail: expected exit 0 on a missing/empty log, got %d", code)
	}
}

func TestRemoteStatusTailPolicy_UnreachableAddrFails(t *testing.T) {
	// Nothing listens on this address; every --addr path should fail
	// cleanly rather than hang or panic.
	const addr = "127.0.0.1:1"

	if code := runStatus([]string{"-addr", addr}); code != 2 {
		t.Fatalf("status --addr unreachable: expected exit 2, got %d", code)
	}
	if code := runTail([]string{"-addr", addr}); code != 2 {
		t.Fatalf("tail --addr unreachable: expected exit 2, got %d", code)
	}
	if code := runPolicy([]string{"-addr", addr}); code != 2 {
		t.Fatalf("policy --addr unreachable: expected exit 2, got %d", code)
	}
}
