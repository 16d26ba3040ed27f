// Package procutil inspects the processes of non-blocking jobs.
package procutil

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ReadPIDFile parses a pid file written as "<pid>\n".
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("procutil: invalid pid file %s: %w", path, err)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("procutil: invalid pid %d in %s", pid, path)
	}
	return pid, nil
}
