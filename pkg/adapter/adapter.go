package adapter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/theoryrun/theorycore/pkg/types"
)

// refLabel is the containerd label the Local Adapter keys container
// lookup on (SPEC_FULL.md §4.6: `com.theory.ref=<ref>`).
const refLabel = "com.theory.ref"

// Sentinel errors an Adapter's Invoke wraps into an error envelope.
// Adapter.Invoke never returns an error for a failure originating in
// the tool lane itself — it always returns a complete envelope, so that
// these domain failures never cross the Orchestrator boundary as Go
// errors (SPEC_FULL.md §7).
var (
	ErrMissingSecret = errors.New("adapter: required secret not present in ambient environment")
	ErrHealth        = errors.New("adapter: container failed to become healthy")
	ErrDocker        = errors.New("adapter: container engine operation failed")
	ErrLaneUnsupported = errors.New("adapter: lane not supported by this adapter")
)

// StartOptions parameterizes a Local Adapter container start.
type StartOptions struct {
	Platform       types.Platform
	Build          bool
	ExpectedDigest string
}

// InvokeRequest is everything an Adapter needs to dispatch one
// execution, independent of which lane handles it (SPEC_FULL.md §9's
// "Go realization").
type InvokeRequest struct {
	Ref            types.ToolRef
	Spec           *types.ToolSpec
	Payload        types.RunPayload
	TimeoutS       int
	Platform       types.Platform
	Build          bool
	ExpectedDigest string

	// Branch/User parameterize the Remote Adapter's dev-environment app
	// name derivation; ignored by the Local Adapter.
	Branch, User string

	// OnEvent, if non-nil, receives every non-terminal frame (Token,
	// Frame, Log, Event) as it arrives, for streaming callers. Invoke
	// always drains to the terminal RunResult regardless of whether
	// OnEvent is set.
	OnEvent func(types.RunEvent)
}

// Adapter dispatches one execution to a lane and returns its terminal
// envelope. Implementations never return a non-nil error for a
// domain-level failure (missing secret, health gate, network fault,
// malformed response) — those are reported as an error envelope so the
// Orchestrator has one uniform outcome shape. A non-nil error signals a
// caller precondition violation (e.g. a nil Spec).
type Adapter interface {
	Invoke(ctx context.Context, req InvokeRequest) (types.ExecutionEnvelope, error)
}

// errorEnvelope builds the error-lane ExecutionEnvelope shape shared by
// both adapters.
func errorEnvelope(executionID, code, message string) types.ExecutionEnvelope {
	return types.ExecutionEnvelope{
		Status:      "error",
		ExecutionID: executionID,
		Error:       &types.EnvelopeError{Code: code, Message: message},
		Meta:        types.EnvelopeMeta{ImageDigest: "unknown"},
	}
}

// errorEnvelopeFromTransport classifies a transport.go failure into the
// error taxonomy's ERR_NETWORK/ERR_BAD_RESPONSE split.
func errorEnvelopeFromTransport(executionID string, err error) types.ExecutionEnvelope {
	code := "ERR_NETWORK"
	if errors.Is(err, ErrBadResponse) {
		code = "ERR_BAD_RESPONSE"
	}
	return errorEnvelope(executionID, code, err.Error())
}

// containerName derives a stable container name from ref plus an
// 8-char hash of the resolved image reference (SPEC_FULL.md §4.6).
func containerName(ref types.ToolRef, imageRef string) string {
	sum := sha256.Sum256([]byte(imageRef))
	hash := hex.EncodeToString(sum[:])[:8]
	slug := strings.NewReplacer("/", "-", "@", "-", ":", "-", ".", "-").Replace(ref.String())
	return fmt.Sprintf("theory-%s-%s", slug, hash)
}
