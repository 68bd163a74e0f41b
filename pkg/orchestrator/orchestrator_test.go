package orchestrator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theoryrun/theorycore/pkg/adapter"
	"github.com/theoryrun/theorycore/pkg/ledger"
	"github.com/theoryrun/theorycore/pkg/presign"
	"github.com/theoryrun/theorycore/pkg/registry"
	"github.com/theoryrun/theorycore/pkg/types"
)

const fixtureYAML = `
ref: llm/litellm@1
image:
  default_platform: amd64
  platforms:
    amd64: registry.example.com/llm/litellm@sha256:` + repeatHex('a') + `
runtime:
  cpu: 1
  memory_gb: 1
  timeout_s: 60
api:
  protocol: ws
secrets:
  required: [OPENAI_API_KEY]
inputs:
  type: object
  required: [prompt]
  properties:
    prompt:
      type: string
outputs:
  - path: text/response.txt
    mime: text/plain
`

func repeatHex(c byte) string {
	out := make([]byte, 64)
	for i := range out {
		out[i] = c
	}
	return string(out)
}

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	dir := t.TempDir()
	toolDir := filepath.Join(dir, "llm", "litellm", "1")
	require.NoError(t, os.MkdirAll(toolDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(toolDir, "registry.yaml"), []byte(fixtureYAML), 0o644))

	reg, err := registry.Open(dir, filepath.Join(dir, "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	return reg
}

// newTestPresigner points a Presigner at a local httptest server instead
// of real S3, exercising Orchestrator's dual-receipt PutObject writes
// without a network dependency.
func newTestPresigner(t *testing.T) *presign.Presigner {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	client := s3.New(s3.Options{
		Region:       "us-east-1",
		BaseEndpoint: awsv2.String(server.URL),
		UsePathStyle: true,
		Credentials:  credentials.NewStaticCredentialsProvider("test", "test", ""),
	})
	return presign.New(client, "theorycore-test")
}

type stubAdapter struct {
	envelope types.ExecutionEnvelope
	err      error
	lastReq  adapter.InvokeRequest
}

func (s *stubAdapter) Invoke(ctx context.Context, req adapter.InvokeRequest) (types.ExecutionEnvelope, error) {
	s.lastReq = req
	return s.envelope, s.err
}

func newTestOrchestrator(t *testing.T, a adapter.Adapter) (*Orchestrator, *ledger.Ledger) {
	t.Helper()
	dir := t.TempDir()
	l, err := ledger.Open(filepath.Join(dir, "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	return &Orchestrator{
		Registry:  newTestRegistry(t),
		Presigner: newTestPresigner(t),
		Ledger:    l,
		Adapters:  map[string]adapter.Adapter{"local": a},
		WorldID:   "w1",
	}, l
}

func TestInvoke_UnknownRef(t *testing.T) {
	a := &stubAdapter{}
	o, _ := newTestOrchestrator(t, a)

	envelope, err := o.Invoke(context.Background(), InvokeParams{
		Ref:         types.ToolRef{Namespace: "nope", Name: "nope", Version: "1"},
		Mode:        types.ModeMock,
		Inputs:      map[string]interface{}{"prompt": "hi"},
		AdapterName: "local",
	})
	require.NoError(t, err)
	assert.Equal(t, "error", envelope.Status)
	assert.Equal(t, "ERR_UNKNOWN_REF", envelope.Error.Code)
}

func TestInvoke_UnregisteredAdapterIsCallerError(t *testing.T) {
	a := &stubAdapter{}
	o, _ := newTestOrchestrator(t, a)

	_, err := o.Invoke(context.Background(), InvokeParams{
		Ref:         types.ToolRef{Namespace: "llm", Name: "litellm", Version: "1"},
		Mode:        types.ModeMock,
		Inputs:      map[string]interface{}{"prompt": "hi"},
		AdapterName: "nonexistent",
	})
	assert.Error(t, err)
}

func TestInvoke_RejectsInvalidInputs(t *testing.T) {
	a := &stubAdapter{}
	o, _ := newTestOrchestrator(t, a)

	envelope, err := o.Invoke(context.Background(), InvokeParams{
		Ref:         types.ToolRef{Namespace: "llm", Name: "litellm", Version: "1"},
		Mode:        types.ModeMock,
		Inputs:      map[string]interface{}{},
		AdapterName: "local",
	})
	require.NoError(t, err)
	assert.Equal(t, "error", envelope.Status)
	assert.Equal(t, "ERR_INPUTS", envelope.Error.Code)
}

func TestInvoke_RejectsHostileWritePrefix(t *testing.T) {
	a := &stubAdapter{}
	o, _ := newTestOrchestrator(t, a)

	envelope, err := o.Invoke(context.Background(), InvokeParams{
		Ref:         types.ToolRef{Namespace: "llm", Name: "litellm", Version: "1"},
		Mode:        types.ModeMock,
		Inputs:      map[string]interface{}{"prompt": "hi"},
		AdapterName: "local",
		WritePrefix: "/artifacts/../etc/",
	})
	require.NoError(t, err)
	assert.Equal(t, "error", envelope.Status)
	assert.Equal(t, "ERR_PREFIX_TEMPLATE", envelope.Error.Code)
	assert.Nil(t, a.lastReq.Spec, "adapter must never be dispatched to on a rejected prefix")
}

func TestInvoke_MissingSecretInRealMode(t *testing.T) {
	a := &stubAdapter{}
	o, _ := newTestOrchestrator(t, a)
	os.Unsetenv("OPENAI_API_KEY")

	envelope, err := o.Invoke(context.Background(), InvokeParams{
		Ref:         types.ToolRef{Namespace: "llm", Name: "litellm", Version: "1"},
		Mode:        types.ModeReal,
		Inputs:      map[string]interface{}{"prompt": "hi"},
		AdapterName: "local",
	})
	require.NoError(t, err)
	assert.Equal(t, "error", envelope.Status)
	assert.Equal(t, "ERR_MISSING_SECRET", envelope.Error.Code)
}

func TestInvoke_HappyMockDispatchesWithExpectedDigest(t *testing.T) {
	a := &stubAdapter{envelope: types.ExecutionEnvelope{
		Status:      "success",
		ExecutionID: "will-be-overwritten",
		Outputs:     []types.OutputEntry{{Path: "outputs/text/response.txt"}},
		Meta:        types.EnvelopeMeta{ImageDigest: "sha256:" + repeatHex('a')},
	}}
	o, _ := newTestOrchestrator(t, a)

	envelope, err := o.Invoke(context.Background(), InvokeParams{
		Ref:         types.ToolRef{Namespace: "llm", Name: "litellm", Version: "1"},
		Mode:        types.ModeMock,
		Inputs:      map[string]interface{}{"prompt": "hi"},
		AdapterName: "local",
	})
	require.NoError(t, err)
	assert.Equal(t, "success", envelope.Status)
	assert.Equal(t, "sha256:"+repeatHex('a'), a.lastReq.ExpectedDigest)
	assert.False(t, a.lastReq.Build)
}

func TestInvoke_DigestDriftOverridesSuccess(t *testing.T) {
	a := &stubAdapter{envelope: types.ExecutionEnvelope{
		Status:      "success",
		ExecutionID: "exec",
		Meta:        types.EnvelopeMeta{ImageDigest: "sha256:" + repeatHex('f')},
	}}
	o, _ := newTestOrchestrator(t, a)

	envelope, err := o.Invoke(context.Background(), InvokeParams{
		Ref:         types.ToolRef{Namespace: "llm", Name: "litellm", Version: "1"},
		Mode:        types.ModeMock,
		Inputs:      map[string]interface{}{"prompt": "hi"},
		AdapterName: "local",
	})
	require.NoError(t, err)
	assert.Equal(t, "error", envelope.Status)
	assert.Equal(t, "ERR_REGISTRY_MISMATCH", envelope.Error.Code)
	assert.Equal(t, "sha256:"+repeatHex('a'), envelope.Meta.ExpectedDigest)
	assert.Equal(t, "sha256:"+repeatHex('f'), envelope.Meta.ActualDigest)
}

func TestInvoke_SettlesLedgerOnSuccess(t *testing.T) {
	actual := int64(500)
	a := &stubAdapter{envelope: types.ExecutionEnvelope{
		Status:      "success",
		ExecutionID: "exec",
		Meta:        types.EnvelopeMeta{ImageDigest: "sha256:" + repeatHex('a'), ActualMicro: &actual},
	}}
	o, l := newTestOrchestrator(t, a)

	_, err := l.Reserve("plan-1", 10_000)
	require.NoError(t, err)

	envelope, err := o.Invoke(context.Background(), InvokeParams{
		Ref:             types.ToolRef{Namespace: "llm", Name: "litellm", Version: "1"},
		Mode:            types.ModeMock,
		Inputs:          map[string]interface{}{"prompt": "hi"},
		AdapterName:     "local",
		Plan:            "plan-1",
		EstimateHiMicro: 1_000,
	})
	require.NoError(t, err)
	require.Equal(t, "success", envelope.Status)

	plan, err := l.GetPlan("plan-1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), plan.SpentMicro)
}

func TestInvoke_SettlesLedgerOnFailure(t *testing.T) {
	a := &stubAdapter{envelope: types.ExecutionEnvelope{
		Status:      "error",
		ExecutionID: "exec",
		Error:       &types.EnvelopeError{Code: "ERR_RUNTIME", Message: "boom"},
		Meta:        types.EnvelopeMeta{ImageDigest: "unknown"},
	}}
	o, l := newTestOrchestrator(t, a)

	_, err := l.Reserve("plan-2", 10_000)
	require.NoError(t, err)

	envelope, err := o.Invoke(context.Background(), InvokeParams{
		Ref:             types.ToolRef{Namespace: "llm", Name: "litellm", Version: "1"},
		Mode:            types.ModeMock,
		Inputs:          map[string]interface{}{"prompt": "hi"},
		AdapterName:     "local",
		Plan:            "plan-2",
		EstimateHiMicro: 1_000,
	})
	require.NoError(t, err)
	require.Equal(t, "error", envelope.Status)

	events, err := l.Events("plan-2")
	require.NoError(t, err)
	assert.Len(t, events, 2) // reserve + settle_failure
}

func TestResolvePlatform_DefaultsRemoteToAMD64(t *testing.T) {
	o := &Orchestrator{}
	p := o.resolvePlatform(InvokeParams{AdapterName: "remote"})
	assert.Equal(t, types.PlatformAMD64, p)
}

func TestResolvePlatform_HonorsExplicitOverride(t *testing.T) {
	o := &Orchestrator{}
	p := o.resolvePlatform(InvokeParams{AdapterName: "remote", Platform: types.PlatformARM64})
	assert.Equal(t, types.PlatformARM64, p)
}

func TestResolveWritePrefix_DefaultsFromRef(t *testing.T) {
	o := &Orchestrator{}
	ref := types.ToolRef{Namespace: "llm", Name: "litellm", Version: "1"}
	prefix, err := o.resolveWritePrefix("", ref, "exec-123")
	require.NoError(t, err)
	assert.Equal(t, "/artifacts/llm/litellm/1/exec-123/", prefix)
}

func TestResolveWritePrefix_RejectsReservedOutputsSuffix(t *testing.T) {
	o := &Orchestrator{}
	ref := types.ToolRef{Namespace: "llm", Name: "litellm", Version: "1"}
	_, err := o.resolveWritePrefix("/artifacts/llm/litellm/1/{execution_id}/outputs", ref, "exec-123")
	assert.Error(t, err)
}

func TestApplyDigestGuard_NoExpectedDigestPassesThrough(t *testing.T) {
	envelope := types.ExecutionEnvelope{Status: "success"}
	got := applyDigestGuard(envelope, "")
	assert.Equal(t, envelope, got)
}
