//go:build windows

package procutil

import "syscall"

const processQueryLimitedInformation = 0x1000

// IsProcessAlive reports whether a handle can be opened for pid.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := syscall.OpenProcess(processQueryLimitedInformation, false, uint32(pid))
	if err != nil {
		return false
	}
	syscall.CloseHandle(h)
	return true
}
