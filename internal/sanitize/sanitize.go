// Package sanitize cleans module output before it is embedded in messages
// sent to the broker.
package sanitize

import (
	"unicode"
	"unicode/utf8"
)

// MaxOutputBytes bounds module output quoted in error descriptions.
const MaxOutputBytes = 4096

const truncatedMarker = "... (truncated)"

// Output strips terminal escape sequences and control characters from s
// and truncates it to MaxOutputBytes.
func Output(s string) string {
	s = StripControlChars(s)
	if len(s) <= MaxOutputBytes {
		return s
	}
	return TruncateUTF8(s, MaxOutputBytes-len(truncatedMarker)) + truncatedMarker
}

// TruncateUTF8 truncates s to at most maxBytes bytes without splitting UTF-8 runes.
func TruncateUTF8(s string, maxBytes int) string {
	if maxBytes <= 0 {
		return ""
	}
	if len(s) <= maxBytes {
		return s
	}
	truncated := s[:maxBytes]
	for len(truncated) > 0 && !utf8.ValidString(truncated) {
		truncated = truncated[:len(truncated)-1]
	}
	return truncated
}

// StripControlChars removes ANSI escape sequences and non-printable control
// characters (except newline and tab) from s.
func StripControlChars(s string) string {
	out := make([]byte, 0, len(s))
	i := 0
	for i < len(s) {
		if s[i] == '\x1b' {
			i = skipEscape(s, i)
			continue
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == '\n' || r == '\t' || (r >= ' ' && !unicode.IsControl(r) && r != utf8.RuneError) {
			out = append(out, s[i:i+size]...)
		}
		i += size
	}
	return string(out)
}

// skipEscape returns the index following the escape sequence at s[i].
func skipEscape(s string, i int) int {
	if i+1 >= len(s) {
		return len(s)
	}
	switch s[i+1] {
	case '[':
		// CSI: parameters then a final byte in 0x40-0x7E. The scan is capped
		// so an unterminated sequence cannot swallow the rest of the output.
		j := i + 2
		limit := min(j+64, len(s))
		for j < limit && (s[j] < 0x40 || s[j] > 0x7E) {
			j++
		}
		if j < len(s) && s[j] >= 0x40 && s[j] <= 0x7E {
			j++
		}
		return j
	case ']':
		// OSC: terminated by BEL or ESC \.
		for j := i + 2; j < len(s); j++ {
			if s[j] == '\x07' {
				return j + 1
			}
			if s[j] == '\x1b' && j+1 < len(s) && s[j+1] == '\\' {
				return j + 2
			}
		}
		return len(s)
	default:
		return i + 2
	}
}
