package adapter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theoryrun/theorycore/pkg/types"
)

func TestAppName_DevIncludesUserAndBranch(t *testing.T) {
	ref := types.ToolRef{Namespace: "llm", Name: "litellm", Version: "1"}
	name := AppName(ref, "dev", "feature/X Y", "Alice!")
	assert.Equal(t, "llm-litellm-1-alice-feature-x-y", name)
}

func TestAppName_NonDevIgnoresUserAndBranch(t *testing.T) {
	ref := types.ToolRef{Namespace: "llm", Name: "litellm", Version: "1"}
	name := AppName(ref, "prod", "whatever", "whoever")
	assert.Equal(t, "llm-litellm-1-prod", name)
}

func TestToRunWebSocketURL_RewritesScheme(t *testing.T) {
	ws, err := toRunWebSocketURL("https://app.example.com/base")
	require.NoError(t, err)
	assert.Equal(t, "wss://app.example.com/base/run", ws)

	ws, err = toRunWebSocketURL("http://app.example.com/")
	require.NoError(t, err)
	assert.Equal(t, "ws://app.example.com/run", ws)
}

func TestToRunWebSocketURL_RejectsUnknownScheme(t *testing.T) {
	_, err := toRunWebSocketURL("ftp://app.example.com/")
	assert.Error(t, err)
}

type stubResolver struct {
	url string
	err error
}

func (s stubResolver) ResolveWebURL(ctx context.Context, appName string) (string, error) {
	return s.url, s.err
}

func TestRemoteAdapter_Invoke_RefusesBuildLane(t *testing.T) {
	a := &RemoteAdapter{Resolver: stubResolver{}, Env: "prod"}
	envelope, err := a.Invoke(context.Background(), InvokeRequest{
		Ref:     types.ToolRef{Namespace: "llm", Name: "litellm", Version: "1"},
		Payload: types.RunPayload{ExecutionID: "exec-1"},
		Build:   true,
	})
	require.NoError(t, err)
	assert.Equal(t, "error", envelope.Status)
	assert.Equal(t, "ERR_LANE_UNSUPPORTED", envelope.Error.Code)
}

func TestRemoteAdapter_Invoke_ResolverFailureIsNetworkError(t *testing.T) {
	a := &RemoteAdapter{Resolver: stubResolver{err: assertErr("discovery down")}, Env: "prod"}
	envelope, err := a.Invoke(context.Background(), InvokeRequest{
		Ref:     types.ToolRef{Namespace: "llm", Name: "litellm", Version: "1"},
		Payload: types.RunPayload{ExecutionID: "exec-2"},
	})
	require.NoError(t, err)
	assert.Equal(t, "error", envelope.Status)
	assert.Equal(t, "ERR_NETWORK", envelope.Error.Code)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
