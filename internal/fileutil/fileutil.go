// Package fileutil holds the small filesystem helpers shared by the agent:
// atomic writes for rendezvous files, whole-file reads and module
// configuration documents.
package fileutil

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrNotExist is returned by ReadDocument when none of the candidate files exist.
var ErrNotExist = errors.New("fileutil: document not found")

// Exists reports whether path names an existing file or directory.
func Exists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

// Readable reports whether path is a regular file the process can open.
func Readable(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	info, err := f.Stat()
	return err == nil && info.Mode().IsRegular()
}

// Read returns the whole content of path as a string.
func Read(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// AtomicWrite writes text to a temporary sibling of path and renames it into
// place, so readers never observe a partially written file.
func AtomicWrite(path, text string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("fileutil: create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.WriteString(text); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("fileutil: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("fileutil: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("fileutil: rename temp file: %w", err)
	}
	return nil
}

// TildeExpand replaces a leading "~" with the current user's home directory.
func TildeExpand(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// ReadDocument loads the first existing candidate among
// <dir>/<name>.conf, .json, .yaml and .yml and returns it as a JSON
// object. YAML documents are converted to JSON.
func ReadDocument(dir, name string) (json.RawMessage, string, error) {
	for _, ext := range []string{".conf", ".json", ".yaml", ".yml"} {
		path := filepath.Join(dir, name+ext)
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, path, fmt.Errorf("fileutil: read %s: %w", path, err)
		}

		var doc map[string]any
		switch ext {
		case ".yaml", ".yml":
			err = yaml.Unmarshal(data, &doc)
		default:
			err = json.Unmarshal(data, &doc)
		}
		if err != nil {
			return nil, path, fmt.Errorf("fileutil: parse %s: %w", path, err)
		}
		if doc == nil {
			doc = map[string]any{}
		}

		raw, err := json.Marshal(doc)
		if err != nil {
			return nil, path, fmt.Errorf("fileutil: encode %s: %w", path, err)
		}
		return raw, path, nil
	}
	return nil, "", ErrNotExist
}
