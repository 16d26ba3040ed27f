// Package logging configures the agent's slog handler from the logfile and
// loglevel options.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/nupi-ai/pxp-agent/internal/fileutil"
)

// Levels beyond the four built into slog.
const (
	LevelTrace = slog.Level(-8)
	LevelFatal = slog.Level(12)
	// LevelNone is above every level emitted by the agent.
	LevelNone = slog.Level(16)
)

var levelNames = map[string]slog.Level{
	"none":    LevelNone,
	"trace":   LevelTrace,
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
	"fatal":   LevelFatal,
}

// ParseLevel maps a loglevel option to a slog level.
func ParseLevel(name string) (slog.Level, error) {
	lvl, ok := levelNames[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return 0, fmt.Errorf("invalid log level: '%s'", name)
	}
	return lvl, nil
}

// Options selects where and how much the agent logs.
type Options struct {
	// File is the log file path; "-" logs on stdout.
	File  string
	Level string
}

// Setup builds a logger for opts and installs it as the slog default. The
// returned closer releases the log file, if any.
func Setup(opts Options) (*slog.Logger, io.Closer, error) {
	lvl, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}

	var (
		out    io.Writer = os.Stdout
		closer io.Closer = nopCloser{}
	)
	if opts.File != "" && opts.File != "-" {
		path := fileutil.TildeExpand(opts.File)
		if err := validateLogDir(filepath.Dir(path)); err != nil {
			return nil, nil, err
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out, closer = f, f
	}

	logger := New(out, lvl)
	slog.SetDefault(logger)
	return logger, closer, nil
}

// New returns a text logger writing to w at lvl. LevelNone discards everything.
func New(w io.Writer, lvl slog.Level) *slog.Logger {
	if lvl >= LevelNone {
		w = io.Discard
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       lvl,
		ReplaceAttr: replaceLevel,
	}))
}

// Trace logs at trace level.
func Trace(logger *slog.Logger, msg string, args ...any) {
	logger.Log(context.Background(), LevelTrace, msg, args...)
}

func replaceLevel(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	lvl, ok := a.Value.Any().(slog.Level)
	if !ok {
		return a
	}
	switch {
	case lvl <= LevelTrace:
		a.Value = slog.StringValue("TRACE")
	case lvl >= LevelFatal:
		a.Value = slog.StringValue("FATAL")
	}
	return a
}

func validateLogDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("the log directory '%s' doesn't exist", dir)
	}
	if !info.IsDir() {
		return fmt.Errorf("log directory is not a directory")
	}
	return nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
