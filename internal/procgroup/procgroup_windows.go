// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

//go:build windows

package procgroup

import (
	"os/exec"
	"syscall"
)

// set is a no-op on Windows: there is no process-group signal delivery to
// configure for.
func set(cmd *exec.Cmd) {}

// kill maps SIGKILL to Process.Kill and otherwise no-ops, since Windows has
// no equivalent of a negative-PGID group signal.
func kill(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if sig == syscall.SIGKILL {
		return cmd.Process.Kill()
	}
	return nil
}
