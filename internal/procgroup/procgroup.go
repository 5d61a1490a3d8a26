// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package procgroup starts delegated child processes in their own process
// group and reaches the whole group (child plus any stdin feeder it spawns)
// with a single signal, so killing a delegate cannot leave orphaned
// grandchildren behind.
package procgroup

import (
	"context"
	"errors"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

var (
	ErrProcessNotFound = errors.New("process not found")
	ErrKillFailed      = errors.New("kill operation failed")
)

// Set configures the command to start in a new process group.
// Mandatory for Kill/KillAfter to act as a group reaper.
func Set(cmd *exec.Cmd) {
	set(cmd)
}

// Kill signals the whole process group the command was started in.
// A nil command, a never-started command, or an already-exited process is a
// no-op success, never an error.
func Kill(cmd *exec.Cmd, sig syscall.Signal) error {
	return kill(cmd, sig)
}

// KillAfter implements the supervisor's aborting→closing escalation: it
// sends sig immediately, then arms a SIGKILL that fires after grace unless
// the caller cancels first or done closes (the process settled on its own).
// The returned cancel func must be called once the process has actually
// settled, to stop the grace timer from firing a redundant kill.
func KillAfter(ctx context.Context, cmd *exec.Cmd, sig syscall.Signal, grace time.Duration, done <-chan struct{}) (cancel func()) {
	_ = Kill(cmd, sig)

	stop := make(chan struct{})
	var once sync.Once
	cancel = func() { once.Do(func() { close(stop) }) }

	go func() {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-timer.C:
			_ = Kill(cmd, syscall.SIGKILL)
		case <-done:
		case <-stop:
		case <-ctx.Done():
			_ = Kill(cmd, syscall.SIGKILL)
		}
	}()
	return cancel
}
