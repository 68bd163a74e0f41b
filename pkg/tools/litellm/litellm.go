// Package litellm is a worker.EntryFunc implementation for the
// "llm/litellm@1" tool, standing in for a real LLM-calling processor.
// In mock mode it never calls out to a model, matching testable
// scenario S1 ("Happy mock") — it is the one concrete tool this core
// ships to exercise the Worker/Adapter/Orchestrator path end to end.
package litellm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/theoryrun/theorycore/pkg/types"
	"github.com/theoryrun/theorycore/pkg/worker"
)

const outputKey = "text/response.txt"

// Entry implements worker.EntryFunc. In mock mode it echoes the prompt
// back prefixed with "Mock response: "; in real mode it returns
// ERR_RUNTIME, since this core carries no actual model-provider client
// (no such SDK appears anywhere in the example pack for this spec).
func Entry(ctx context.Context, payload types.RunPayload, emit worker.Emitter, upload worker.Uploader) (*types.OutputIndex, error) {
	prompt, _ := payload.Inputs["prompt"].(string)

	if emit != nil {
		emit(types.RunEvent{Kind: types.EventKindLog, Content: mustJSON(map[string]string{"message": "litellm: starting"})})
	}

	if payload.Mode != types.ModeMock {
		return nil, fmt.Errorf("litellm: real mode not implemented by this tool")
	}

	response := []byte("Mock response: " + prompt)

	if emit != nil {
		emit(types.RunEvent{Kind: types.EventKindToken, Content: mustJSON(map[string]string{"text": string(response)})})
	}

	if err := upload(ctx, "outputs/"+outputKey, response, "text/plain"); err != nil {
		return nil, fmt.Errorf("litellm: upload response: %w", err)
	}

	return &types.OutputIndex{
		Outputs: []types.OutputEntry{
			{Path: outputKey, Mime: "text/plain", SizeBytes: int64(len(response))},
		},
	}, nil
}

func mustJSON(v map[string]string) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte(`{}`)
	}
	return data
}
