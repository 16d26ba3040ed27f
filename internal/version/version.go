// Package version carries the build version of the agent.
package version

import (
	"regexp"
	"strings"
)

// version is set at build time with -ldflags "-X .../internal/version.version=...".
var version = "dev"

// String returns the build version for the current binary.
func String() string {
	return version
}

// ForTesting overrides the version string and returns a cleanup function
// that restores the original value. Must not be called concurrently.
func ForTesting(v string) func() {
	original := version
	version = v
	return func() { version = original }
}

// gitDescribeSuffix matches the trailing "-N-gHASH" added by git describe
// (e.g., "1.4.0-5-gabcdef" → strip "-5-gabcdef").
var gitDescribeSuffix = regexp.MustCompile(`-\d+-g[0-9a-f]+$`)

// Release strips the "v" prefix and any git-describe suffix, leaving the
// release the build derives from.
func Release(v string) string {
	v = strings.TrimPrefix(v, "v")
	return gitDescribeSuffix.ReplaceAllString(v, "")
}

// FormatVersion returns a display-friendly version string. For normal versions
// it ensures a "v" prefix (e.g. "1.4.0" → "v1.4.0"). Special values like
// "dev" and empty strings are returned as-is.
func FormatVersion(v string) string {
	if v == "" || v == "dev" {
		return v
	}
	if strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}
