//go:build !windows

package procutil

import (
	"errors"
	"os"
	"syscall"
)

// IsProcessAlive reports whether a process with the given pid exists. A
// process owned by another user counts as alive.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
