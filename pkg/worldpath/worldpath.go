// Package worldpath implements the canonical address space for artifacts:
// WorldPath validation and the write-prefix "{execution_id}" expansion a
// worker applies before it is allowed to PUT anything.
//
// Grounded on original_source/code/libs/runtime_common/paths.py.
package worldpath

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// FacetRoot is one of the two roots a canonical WorldPath may be rooted at.
type FacetRoot string

const (
	FacetArtifacts FacetRoot = "/artifacts/"
	FacetStreams   FacetRoot = "/streams/"
)

// AllowedWritePrefixRoot is the only root a write prefix may resolve
// under (original_source's ALLOWED_ROOT).
const AllowedWritePrefixRoot = "/artifacts"

// ErrInvalid is wrapped by every validation failure this package returns.
var ErrInvalid = errors.New("worldpath: invalid path")

// Canonicalize normalizes p into the canonical WorldPath form: NFC
// Unicode normalization, single percent-decode (an encoded slash is
// rejected rather than silently unescaped), lower-cased, "." and ".."
// segments rejected, and repeated slashes collapsed. p must already be
// rooted at /artifacts/ or /streams/.
func Canonicalize(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalid)
	}

	decoded, err := url.PathUnescape(p)
	if err != nil {
		return "", fmt.Errorf("%w: percent-decode: %w", ErrInvalid, err)
	}
	if strings.Contains(p, "%2f") || strings.Contains(p, "%2F") {
		return "", fmt.Errorf("%w: encoded slash forbidden", ErrInvalid)
	}

	normalized := norm.NFC.String(decoded)
	lower := strings.ToLower(normalized)

	if !strings.HasPrefix(lower, string(FacetArtifacts)) && !strings.HasPrefix(lower, string(FacetStreams)) {
		return "", fmt.Errorf("%w: must be rooted at %s or %s", ErrInvalid, FacetArtifacts, FacetStreams)
	}

	collapsed := collapseSlashes(lower)

	for _, seg := range strings.Split(collapsed, "/") {
		if seg == ".." || seg == "." {
			return "", fmt.Errorf("%w: traversal segment %q", ErrInvalid, seg)
		}
	}

	return collapsed, nil
}

func collapseSlashes(p string) string {
	var b strings.Builder
	b.Grow(len(p))
	prevSlash := false
	for _, r := range p {
		if r == '/' {
			if prevSlash {
				continue
			}
			prevSlash = true
		} else {
			prevSlash = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ValidateWritePrefix expands the "{execution_id}" placeholder exactly
// once, then enforces: starts with "/", ends with "/", resolves under
// /artifacts/, and contains no ".." segments. Returns the normalized
// prefix, which always ends with "/".
func ValidateWritePrefix(prefix, executionID string) (string, error) {
	expanded := strings.Replace(prefix, "{execution_id}", executionID, 1)

	if !strings.HasSuffix(expanded, "/") {
		return "", fmt.Errorf("%w: write_prefix must end with '/'", ErrInvalid)
	}
	if !strings.HasPrefix(expanded, "/") {
		return "", fmt.Errorf("%w: write_prefix must start with '/'", ErrInvalid)
	}

	cleaned := path.Clean(expanded)
	for _, seg := range strings.Split(expanded, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: write_prefix must not contain '..'", ErrInvalid)
		}
	}

	root := AllowedWritePrefixRoot
	if cleaned != root && !strings.HasPrefix(cleaned, root+"/") {
		return "", fmt.Errorf("%w: write_prefix must be under %s/", ErrInvalid, root)
	}

	if !strings.HasSuffix(cleaned, "/") {
		cleaned += "/"
	}
	return cleaned, nil
}

// Idempotent reports whether substituting "{execution_id}" in prefix a
// second time yields the same string as the first substitution — the
// property required by SPEC_FULL.md's testable property 6. Since
// ValidateWritePrefix uses a bounded single Replace, idempotence holds
// whenever prefix contains the placeholder at most once, which this
// helper also checks.
func Idempotent(prefix, executionID string) bool {
	once, err := ValidateWritePrefix(prefix, executionID)
	if err != nil {
		return true // nothing to compare; vacuously idempotent
	}
	twice, err := ValidateWritePrefix(once, executionID)
	if err != nil {
		return false
	}
	return once == twice
}

// JoinOutputKey joins a write prefix and a relative output key (e.g.
// "outputs/text/response.txt" or "outputs.json") into a full WorldPath,
// without re-running placeholder expansion.
func JoinOutputKey(writePrefix, key string) string {
	return strings.TrimSuffix(writePrefix, "/") + "/" + strings.TrimPrefix(key, "/")
}
