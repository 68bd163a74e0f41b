package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theoryrun/theorycore/pkg/types"
)

func TestDecodeEvents_RelaysNonTerminalAndCapturesRunResult(t *testing.T) {
	var relayed []types.RunEvent
	emit := func(e types.RunEvent) { relayed = append(relayed, e) }

	envelope := types.ExecutionEnvelope{Status: "success", ExecutionID: "exec-1", Meta: types.EnvelopeMeta{ImageDigest: "sha256:" + strings.Repeat("a", 64)}}
	envelopeJSON, err := json.Marshal(envelope)
	require.NoError(t, err)

	var buf strings.Builder
	tokenEvent, _ := json.Marshal(types.RunEvent{Kind: types.EventKindToken, Content: json.RawMessage(`"hi"`)})
	buf.Write(tokenEvent)
	buf.WriteByte('\n')
	resultEvent, _ := json.Marshal(types.RunEvent{Kind: types.EventKindRunResult, Content: envelopeJSON})
	buf.Write(resultEvent)
	buf.WriteByte('\n')

	got, err := decodeEvents(strings.NewReader(buf.String()), emit)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "success", got.Status)
	assert.Equal(t, "exec-1", got.ExecutionID)
	require.Len(t, relayed, 1)
	assert.Equal(t, types.EventKindToken, relayed[0].Kind)
}

func TestDecodeEvents_MalformedLineReturnsError(t *testing.T) {
	_, err := decodeEvents(strings.NewReader("not json\n"), nil)
	assert.Error(t, err)
}

func TestUploadWithRetry_SucceedsAfterTransient403(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 2 {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	err := uploadWithRetry(context.Background(), server.Client(), server.URL, []byte("data"), "application/octet-stream")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
}

func TestUploadWithRetry_FatalOnNon2xxNon401Non403(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	err := uploadWithRetry(context.Background(), server.Client(), server.URL, []byte("data"), "application/octet-stream")
	assert.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestUploadWithRetry_ExhaustsAttemptsOnPersistent401(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	err := uploadWithRetry(context.Background(), server.Client(), server.URL, []byte("data"), "application/octet-stream")
	assert.Error(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestReceiptPaths_RootedUnderArtifactsBaseDir(t *testing.T) {
	cfg := Config{ArtifactsBaseDir: "/tmp/theory-artifacts"}
	local, global := receiptPaths(cfg, "/artifacts/acme/summarize/v1/exec-123/", "exec-123")

	assert.Equal(t, filepath.Join("/tmp/theory-artifacts", "acme/summarize/v1/exec-123", "receipt.json"), local)
	assert.Equal(t, filepath.Join("/tmp/theory-artifacts", "execution", "exec-123", "determinism.json"), global)
}

func TestRun_MissingImageDigestFailsFast(t *testing.T) {
	t.Setenv("IMAGE_DIGEST", "")

	payload := types.RunPayload{ExecutionID: "exec-1", WritePrefix: "/artifacts/a/b/v1/{execution_id}/"}
	called := false
	entry := func(ctx context.Context, p types.RunPayload, emit Emitter, upload Uploader) (*types.OutputIndex, error) {
		called = true
		return &types.OutputIndex{}, nil
	}

	envelope := run(context.Background(), DefaultConfig(), payload, entry)
	assert.False(t, called, "entry must not run without IMAGE_DIGEST")
	require.NotNil(t, envelope.Error)
	assert.Equal(t, "ERR_IMAGE_DIGEST_MISSING", envelope.Error.Code)
}

func TestRun_InvalidWritePrefixFailsFast(t *testing.T) {
	t.Setenv("IMAGE_DIGEST", "sha256:"+strings.Repeat("a", 64))

	payload := types.RunPayload{ExecutionID: "exec-1", WritePrefix: "relative/path"}
	entry := func(ctx context.Context, p types.RunPayload, emit Emitter, upload Uploader) (*types.OutputIndex, error) {
		t.Fatal("entry must not run with an invalid write_prefix")
		return nil, nil
	}

	envelope := run(context.Background(), DefaultConfig(), payload, entry)
	require.NotNil(t, envelope.Error)
	assert.Equal(t, "ERR_PREFIX_TEMPLATE", envelope.Error.Code)
}

func TestRun_SuccessUploadsOutputsJSONLast(t *testing.T) {
	t.Setenv("IMAGE_DIGEST", "sha256:"+strings.Repeat("b", 64))

	var uploadedKeys []string
	var mu sync.Mutex
	var putPaths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		putPaths = append(putPaths, r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	payload := types.RunPayload{
		ExecutionID: "exec-9",
		WritePrefix: "/artifacts/a/b/v1/{execution_id}/",
		PutURLs: map[string]string{
			"outputs/out.txt": server.URL + "/outputs/out.txt",
			"outputs.json":    server.URL + "/outputs.json",
		},
	}

	entry := func(ctx context.Context, p types.RunPayload, emit Emitter, upload Uploader) (*types.OutputIndex, error) {
		require.NoError(t, upload(ctx, "outputs/out.txt", []byte("hello"), "text/plain"))
		uploadedKeys = append(uploadedKeys, "outputs/out.txt")
		return &types.OutputIndex{Outputs: []types.OutputEntry{{Path: "outputs/out.txt", Mime: "text/plain"}}}, nil
	}

	cfg := DefaultConfig()
	cfg.ArtifactsBaseDir = t.TempDir()
	envelope := run(context.Background(), cfg, payload, entry)

	require.Nil(t, envelope.Error)
	assert.Equal(t, "success", envelope.Status)
	require.Len(t, envelope.Outputs, 1)
	assert.Equal(t, []string{"outputs/out.txt"}, uploadedKeys)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"/outputs/out.txt", "/outputs.json"}, putPaths)
}
