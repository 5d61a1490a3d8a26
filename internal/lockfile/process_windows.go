//go:build windows

package lockfile

import "os"

// processAlive on Windows treats a successful FindProcess as evidence of
// liveness; Windows has no portable signal-0 probe.
func processAlive(pid int) bool {
	_, err := os.FindProcess(pid)
	return err == nil
}
