package config

import (
	"os"
	"path/filepath"
)

// Paths is the default on-disk layout of the agent.
type Paths struct {
	Home             string // Agent data directory
	ConfigFile       string // Default configuration file
	ModulesDir       string // External module executables
	ModulesConfigDir string // Per-module configuration files
	SpoolDir         string // Results directories of non-blocking jobs
	PIDFile          string // PID file of the running agent
}

// GetPaths returns the default layout rooted at GetAgentHome.
func GetPaths() Paths {
	home := GetAgentHome()
	etc := filepath.Join(home, "etc")
	return Paths{
		Home:             home,
		ConfigFile:       filepath.Join(etc, "pxp-agent.conf"),
		ModulesDir:       filepath.Join(home, "modules"),
		ModulesConfigDir: filepath.Join(etc, "modules"),
		SpoolDir:         filepath.Join(home, "var", "spool"),
		PIDFile:          filepath.Join(home, "var", "run", "pxp-agent.pid"),
	}
}

// GetAgentHome returns the agent data directory (~/.pxp-agent).
func GetAgentHome() string {
	userHome, _ := os.UserHomeDir()
	return filepath.Join(userHome, ".pxp-agent")
}

// EnsureSpoolDir creates the spool directory of p if it does not exist.
func EnsureSpoolDir(p Paths) error {
	return os.MkdirAll(p.SpoolDir, 0o750)
}
