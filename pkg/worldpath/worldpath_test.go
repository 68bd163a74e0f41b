package worldpath

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateWritePrefix_ExpandsPlaceholderOnce(t *testing.T) {
	got, err := ValidateWritePrefix("/artifacts/t/{execution_id}/", "exec-123")
	require.NoError(t, err)
	assert.Equal(t, "/artifacts/t/exec-123/", got)
}

func TestValidateWritePrefix_RejectsMissingTrailingSlash(t *testing.T) {
	_, err := ValidateWritePrefix("/artifacts/t/{execution_id}", "exec-123")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestValidateWritePrefix_RejectsOutsideArtifactsRoot(t *testing.T) {
	_, err := ValidateWritePrefix("/streams/t/{execution_id}/", "exec-123")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestValidateWritePrefix_RejectsTraversal(t *testing.T) {
	_, err := ValidateWritePrefix("/artifacts/../etc/", "exec-123")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestValidateWritePrefix_Idempotent(t *testing.T) {
	assert.True(t, Idempotent("/artifacts/t/{execution_id}/", "exec-123"))
}

func TestCanonicalize_RejectsEncodedSlash(t *testing.T) {
	_, err := Canonicalize("/artifacts/a%2Fb")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestCanonicalize_CollapsesDoubleSlashesAndLowercases(t *testing.T) {
	got, err := Canonicalize("/Artifacts//Foo/BAR")
	require.NoError(t, err)
	assert.Equal(t, "/artifacts/foo/bar", got)
}

func TestCanonicalize_RejectsTraversalSegments(t *testing.T) {
	_, err := Canonicalize("/artifacts/foo/../bar")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestJoinOutputKey(t *testing.T) {
	assert.Equal(t, "/artifacts/e/outputs/text/a.txt", JoinOutputKey("/artifacts/e/", "outputs/text/a.txt"))
	assert.Equal(t, "/artifacts/e/outputs.json", JoinOutputKey("/artifacts/e/", "outputs.json"))
}
