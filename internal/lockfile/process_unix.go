//go:build unix && !windows

package lockfile

import (
	"os"
	"syscall"
)

// processAlive probes pid's liveness via signal 0, which the kernel
// validates without delivering anything.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
