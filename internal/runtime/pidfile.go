// Package runtime manages the agent's process-level state on disk.
package runtime

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/nupi-ai/pxp-agent/internal/fileutil"
	"github.com/nupi-ai/pxp-agent/internal/procutil"
)

// ErrAlreadyRunning indicates the pid file names a live process.
var ErrAlreadyRunning = errors.New("runtime: agent already running")

// WritePIDFile records pid in pidFile. A pid file left by a process that is
// no longer alive is replaced.
func WritePIDFile(pidFile string, pid int) error {
	if pidFile == "" {
		return fmt.Errorf("pid file path is empty")
	}

	if existing, err := procutil.ReadPIDFile(pidFile); err == nil && existing != pid && procutil.IsProcessAlive(existing) {
		return fmt.Errorf("%w (pid %d, %s)", ErrAlreadyRunning, existing, pidFile)
	}

	if err := os.MkdirAll(filepath.Dir(pidFile), 0o755); err != nil {
		return fmt.Errorf("failed to create pid directory: %w", err)
	}
	if err := fileutil.AtomicWrite(pidFile, strconv.Itoa(pid)+"\n"); err != nil {
		return fmt.Errorf("failed to write pid file: %w", err)
	}
	return nil
}

// RemovePIDFile removes the pid file if it still holds pid.
func RemovePIDFile(pidFile string, pid int) {
	if pidFile == "" {
		return
	}
	if existing, err := procutil.ReadPIDFile(pidFile); err == nil && existing != pid {
		return
	}
	_ = os.Remove(pidFile)
}
