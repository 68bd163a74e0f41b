package litellm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theoryrun/theorycore/pkg/types"
	"github.com/theoryrun/theorycore/pkg/worker"
)

func TestEntry_MockEchoesPrompt(t *testing.T) {
	var uploaded map[string][]byte = make(map[string][]byte)
	upload := worker.Uploader(func(ctx context.Context, key string, data []byte, contentType string) error {
		uploaded[key] = data
		return nil
	})

	index, err := Entry(context.Background(), types.RunPayload{
		Mode:   types.ModeMock,
		Inputs: map[string]interface{}{"prompt": "hello"},
	}, nil, upload)

	require.NoError(t, err)
	require.Len(t, index.Outputs, 1)
	assert.Equal(t, "text/response.txt", index.Outputs[0].Path)
	assert.Equal(t, "Mock response: hello", string(uploaded["outputs/text/response.txt"]))
}

func TestEntry_RealModeUnsupported(t *testing.T) {
	upload := worker.Uploader(func(ctx context.Context, key string, data []byte, contentType string) error {
		return nil
	})
	_, err := Entry(context.Background(), types.RunPayload{Mode: types.ModeReal}, nil, upload)
	assert.Error(t, err)
}
