package digest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize_BareDigest(t *testing.T) {
	d := "sha256:" + strings.Repeat("a", 64)
	assert.Equal(t, d, Normalize(d))
}

func TestNormalize_RefWithDigest(t *testing.T) {
	hex := strings.Repeat("b", 64)
	assert.Equal(t, "sha256:"+hex, Normalize("theory-local/llm-litellm-1@sha256:"+hex))
}

func TestNormalize_Placeholder(t *testing.T) {
	assert.Equal(t, "", Normalize("sha256:pending"))
}

func TestNormalize_Garbage(t *testing.T) {
	assert.Equal(t, "", Normalize("not-a-digest"))
	assert.Equal(t, "", Normalize(""))
}

func TestMatch_PlaceholdersNeverMatch(t *testing.T) {
	assert.False(t, Match("sha256:pending", "sha256:pending"))
}

func TestMatch_NormalizedEqual(t *testing.T) {
	hex := strings.Repeat("c", 64)
	assert.True(t, Match("sha256:"+hex, "ref@sha256:"+hex))
}

func TestMatch_Mismatch(t *testing.T) {
	a := "sha256:" + strings.Repeat("a", 64)
	b := "sha256:" + strings.Repeat("b", 64)
	assert.False(t, Match(a, b))
}
