package adapter

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theoryrun/theorycore/pkg/types"
)

func TestContainerName_StableForSameImageRef(t *testing.T) {
	ref := types.ToolRef{Namespace: "llm", Name: "litellm", Version: "1"}
	a := containerName(ref, "registry.example.com/llm@sha256:"+repeatHex())
	b := containerName(ref, "registry.example.com/llm@sha256:"+repeatHex())
	assert.Equal(t, a, b)

	c := containerName(ref, "registry.example.com/other@sha256:"+repeatHex())
	assert.NotEqual(t, a, c)
}

func repeatHex() string {
	out := make([]byte, 64)
	for i := range out {
		out[i] = 'a'
	}
	return string(out)
}

func TestLocalAdapter_AllocatePort_ReusesRecorded(t *testing.T) {
	dir := t.TempDir()
	a := NewLocalAdapter(nil, filepath.Join(dir, "ports.json"), dir)

	p1, err := a.allocatePort("llm/litellm@1")
	require.NoError(t, err)

	p2, err := a.allocatePort("llm/litellm@1")
	require.NoError(t, err)
	assert.Equal(t, p1, p2)
}

func TestLocalAdapter_AllocatePort_TornFileDefaultsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ports.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	a := NewLocalAdapter(nil, path, dir)
	port, err := a.allocatePort("llm/litellm@1")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, port, basePort)
}

func TestLocalAdapter_ResolveImageDigest_PreferenceOrder(t *testing.T) {
	a := NewLocalAdapter(nil, filepath.Join(t.TempDir(), "ports.json"), t.TempDir())

	expected := "sha256:" + repeatHex()
	got := a.resolveImageDigest(context.Background(), expected, "repo@sha256:"+repeatHexB())
	assert.Equal(t, expected, got)

	got = a.resolveImageDigest(context.Background(), "", "repo@sha256:"+repeatHexB())
	assert.Equal(t, "sha256:"+repeatHexB(), got)

	got = a.resolveImageDigest(context.Background(), "", "repo:latest")
	assert.Equal(t, "unknown", got)
}

func repeatHexB() string {
	out := make([]byte, 64)
	for i := range out {
		out[i] = 'b'
	}
	return string(out)
}

func TestLocalAdapter_ResolveImageRef_PinnedFallsBackToDefaultPlatform(t *testing.T) {
	a := NewLocalAdapter(nil, filepath.Join(t.TempDir(), "ports.json"), t.TempDir())
	ref := types.ToolRef{Namespace: "llm", Name: "litellm", Version: "1"}
	spec := &types.ToolSpec{
		Ref:             ref,
		DefaultPlatform: types.PlatformAMD64,
		Platforms: map[types.Platform]string{
			types.PlatformAMD64: "repo@sha256:" + repeatHex(),
		},
	}

	img, err := a.resolveImageRef(context.Background(), ref, spec, types.PlatformARM64, false)
	require.NoError(t, err)
	assert.Equal(t, "repo@sha256:"+repeatHex(), img)
}

func TestLocalAdapter_ResolveImageRef_NoValidMappingErrors(t *testing.T) {
	a := NewLocalAdapter(nil, filepath.Join(t.TempDir(), "ports.json"), t.TempDir())
	ref := types.ToolRef{Namespace: "llm", Name: "litellm", Version: "1"}
	spec := &types.ToolSpec{
		Ref:             ref,
		DefaultPlatform: types.PlatformAMD64,
		Platforms: map[types.Platform]string{
			types.PlatformAMD64: "sha256:pending",
		},
	}

	_, err := a.resolveImageRef(context.Background(), ref, spec, "", false)
	assert.Error(t, err)
}
