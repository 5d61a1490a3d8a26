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

func TestRunConfigCLI_ValidateAndDump(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DATA_DIR", dir)
	t.Setenv("STATE_PATH", filepath.Join(dir, "admission-state.json"))
	t.Setenv("EVENT_LOG_PATH", filepath.Join(dir, "events.ndjson"))
	t.Setenv("LISTEN_ADDR", ":8090")
	t.Setenv("TRACING_ENABLED", "false")

	if code := runConfigCLI(nil); code != 0 {
		t.Fatalf("config with no args: expected usage exit 0, got %d", code)
	}
	if code := runConfigCLI([]string{"validate"}); code != 0 {
		t.Fatalf("config validate: expected exit 0 on a sane environment, got %d", code)
	}
	if code := runConfigCLI([]string{"dump"}); code != 0 {
		t.Fatalf("config dump: expected exit 0, got %d", code)
	}
	if code := runConfigCLI([]string{"bogus"}); code != 2 {
		t.Fatalf("config bogus: expected exit 2, got %d", code)
	}
}

func TestRunConfigValidate_RejectsBadListenAddr(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DATA_DIR", dir)
	t.Setenv("LISTEN_ADDR", "not-a-valid-addr")

	if code := runConfigCLI([]string{"validate"}); code != 1 {
		t.Fatalf("expected exit 1 for an unparsable listen-addr, got %d", code)
	}
}
