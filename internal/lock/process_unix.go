//go:build unix

package lock

import "syscall"

// isProcessRunning checks liveness via kill(pid, 0): delivers no signal but
// fails with ESRCH if the process does not exist.
func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}
