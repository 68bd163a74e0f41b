package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/theoryrun/theorycore/pkg/types"
)

const sampleYAML = `
ref: llm/litellm@1
image:
  platforms:
    amd64: "sha256:` + hex64 + `"
    arm64: "sha256:pending"
  default_platform: amd64
runtime:
  cpu: 1
  memory_gb: 2
  timeout_s: 60
api:
  protocol: ws
  path: /run
  healthz: /healthz
secrets:
  required: [OPENAI_API_KEY]
inputs:
  type: object
  required: [schema]
  properties:
    schema:
      type: string
outputs:
  - path: text/response.txt
    mime: text/plain
`

const hex64 = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func writeSample(t *testing.T, root string) {
	t.Helper()
	dir := filepath.Join(root, "llm", "litellm", "1")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "registry.yaml"), []byte(sampleYAML), 0644))
}

func TestLoad_ParsesAndCaches(t *testing.T) {
	root := t.TempDir()
	writeSample(t, root)

	reg, err := Open(root, filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer reg.Close()

	ref, err := types.ParseToolRef("llm/litellm@1")
	require.NoError(t, err)

	spec, schema, err := reg.Load(ref)
	require.NoError(t, err)
	require.NotNil(t, schema)
	require.Equal(t, "sha256:"+hex64, spec.Platforms[types.PlatformAMD64])
	require.Equal(t, []string{"OPENAI_API_KEY"}, spec.SecretsRequired)

	// Second load should hit the BoltDB cache, not re-parse the YAML.
	spec2, schema2, err := reg.Load(ref)
	require.NoError(t, err)
	require.Equal(t, spec.Ref, spec2.Ref)
	require.NotNil(t, schema2)
}

func TestLoad_UnknownRef(t *testing.T) {
	root := t.TempDir()
	reg, err := Open(root, filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer reg.Close()

	ref, _ := types.ParseToolRef("missing/tool@1")
	_, _, err = reg.Load(ref)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestValidateInputs_RejectsMissingRequired(t *testing.T) {
	root := t.TempDir()
	writeSample(t, root)
	reg, err := Open(root, filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer reg.Close()

	ref, _ := types.ParseToolRef("llm/litellm@1")
	_, schema, err := reg.Load(ref)
	require.NoError(t, err)

	err = ValidateInputs(schema, map[string]interface{}{"params": map[string]interface{}{}})
	require.Error(t, err)
}
