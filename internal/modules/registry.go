package modules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"

	"github.com/nupi-ai/pxp-agent/internal/fileutil"
)

var (
	// ErrModuleExists indicates a module with the same name is already registered.
	ErrModuleExists = errors.New("modules: module already registered")
	// ErrModulesDirMissing indicates the modules directory does not exist.
	ErrModulesDirMissing = errors.New("modules: modules directory not found")
)

// Registry holds the modules the agent can dispatch to.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]Module
	logger  *slog.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		modules: make(map[string]Module),
		logger:  logger.With("component", "module_registry"),
	}
}

// Register adds m under its name.
func (r *Registry) Register(m Module) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.modules[m.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrModuleExists, m.Name())
	}
	r.modules[m.Name()] = m
	return nil
}

// Get returns the module registered as name.
func (r *Registry) Get(name string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[name]
	return m, ok
}

// Names returns the registered module names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered modules.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.modules)
}

// LoadDirectory loads every executable in modulesDir as an external module,
// reading each module's configuration from configDir. A module that fails
// to load, or whose configuration is invalid, is skipped; the returned
// errors describe every skipped module.
func (r *Registry) LoadDirectory(ctx context.Context, modulesDir, configDir string) (int, []error) {
	entries, err := os.ReadDir(modulesDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			err = fmt.Errorf("%w: %s", ErrModulesDirMissing, modulesDir)
		}
		r.logger.Warn("Failed to read the modules directory", "path", modulesDir, "error", err)
		return 0, []error{err}
	}

	var (
		loaded   int
		failures []error
	)
	for _, entry := range entries {
		path := filepath.Join(modulesDir, entry.Name())
		info, err := entry.Info()
		if err != nil || !isExecutable(info) {
			r.logger.Debug("Ignoring file in the modules directory", "path", path)
			continue
		}

		module, err := r.loadModule(ctx, path, configDir)
		if err == nil {
			err = r.Register(module)
		}
		if err != nil {
			r.logger.Error("Failed to load external module", "path", path, "error", err)
			failures = append(failures, fmt.Errorf("modules: %s: %w", path, err))
			continue
		}
		r.logger.Info("Loaded external module", "module", module.Name(), "actions", module.Actions())
		loaded++
	}
	return loaded, failures
}

func (r *Registry) loadModule(ctx context.Context, path, configDir string) (*External, error) {
	name := filepath.Base(path)
	name = name[:len(name)-len(filepath.Ext(name))]

	var config []byte
	if configDir != "" {
		raw, configPath, err := fileutil.ReadDocument(configDir, name)
		switch {
		case errors.Is(err, fileutil.ErrNotExist):
			r.logger.Debug("No configuration file for module", "module", name)
		case err != nil:
			return nil, &LoadingError{Msg: fmt.Sprintf("invalid configuration file of module %s: %v", name, err)}
		default:
			r.logger.Debug("Read module configuration", "module", name, "path", configPath)
			config = raw
		}
	}

	module, err := LoadExternal(ctx, path, config, WithLogger(r.logger))
	if err != nil {
		return nil, err
	}
	if err := module.ValidateConfiguration(); err != nil {
		return nil, &LoadingError{Msg: fmt.Sprintf("invalid configuration of module %s: %v", name, err)}
	}
	return module, nil
}

func isExecutable(info os.FileInfo) bool {
	if !info.Mode().IsRegular() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode().Perm()&0o111 != 0
}
