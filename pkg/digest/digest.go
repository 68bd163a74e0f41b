// Package digest normalizes content digests to the canonical
// "sha256:<64hex>" form used everywhere a supply-chain check compares an
// expected digest against one reported by a running container.
//
// Grounded on original_source/code/apps/core/adapters/base_http_adapter.py:_normalize_digest.
package digest

import (
	"regexp"
	"strings"
)

const prefix = "sha256:"

var hexPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// placeholders are reserved values that must never be treated as a real
// digest, even though they match the "sha256:" prefix textually.
var placeholders = map[string]bool{
	"sha256:pending": true,
	"sha256:unknown": true,
	"":                true,
}

// Normalize accepts either a bare "sha256:<hex>" digest or a reference of
// the form "<anything>@sha256:<hex>" and returns the canonical lower-case
// "sha256:<hex>" form. It returns "" if the input carries no recognizable
// digest, or if the digest is a reserved placeholder — placeholders must
// never compare equal to anything, including each other.
func Normalize(refOrDigest string) string {
	s := strings.ToLower(strings.TrimSpace(refOrDigest))
	if s == "" {
		return ""
	}

	if idx := strings.Index(s, "@sha256:"); idx >= 0 {
		s = s[idx+1:]
	}

	if !strings.HasPrefix(s, prefix) {
		return ""
	}

	if placeholders[s] {
		return ""
	}

	hex := strings.TrimPrefix(s, prefix)
	if !hexPattern.MatchString(hex) {
		return ""
	}

	return s
}

// Match reports whether two digest-or-reference strings normalize to the
// same non-empty canonical digest. Two placeholders, or two empty
// strings, never match.
func Match(a, b string) bool {
	na, nb := Normalize(a), Normalize(b)
	if na == "" || nb == "" {
		return false
	}
	return na == nb
}

// Valid reports whether s is, verbatim, a well-formed "sha256:<64hex>"
// digest — not a placeholder and not a "ref@sha256:..." reference.
func Valid(s string) bool {
	trimmed := strings.ToLower(strings.TrimSpace(s))
	return Normalize(s) != "" && trimmed == Normalize(s)
}
