//go:build windows

package lock

import "os"

// isProcessRunning approximates liveness on Windows. os.FindProcess opens a
// handle to the process there and fails when no process with that PID can be
// opened, so a failure is treated as dead and anything else as alive (a PID
// reused by an unrelated process counts as alive).
func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	_, err := os.FindProcess(pid)
	return err == nil
}
