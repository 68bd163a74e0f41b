package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	goruntime "runtime"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/theoryrun/theorycore/pkg/adapter"
	"github.com/theoryrun/theorycore/pkg/digest"
	"github.com/theoryrun/theorycore/pkg/ledger"
	"github.com/theoryrun/theorycore/pkg/log"
	"github.com/theoryrun/theorycore/pkg/metrics"
	"github.com/theoryrun/theorycore/pkg/presign"
	"github.com/theoryrun/theorycore/pkg/registry"
	"github.com/theoryrun/theorycore/pkg/types"
	"github.com/theoryrun/theorycore/pkg/worldpath"
)

// ttlMargin is added to timeout_s when minting presigned URL TTLs
// (SPEC_FULL.md §5: "every presigned URL has a TTL at least
// timeout_s + 60s").
const ttlMargin = 60 * time.Second

const defaultTimeoutS = 600

// Orchestrator implements Invoke, delegating to a Registry, Presigner,
// Ledger, and a named set of Adapters ("local", "remote").
type Orchestrator struct {
	Registry  *registry.Registry
	Presigner *presign.Presigner
	Ledger    *ledger.Ledger
	Adapters  map[string]adapter.Adapter

	// WorldID is the world this orchestrator's presigned world://
	// rewriting is scoped to (pkg/presign.HydrateInputs).
	WorldID string

	// RemoteBranch/RemoteUser parameterize the Remote Adapter's
	// dev-environment app name derivation when not supplied per-call.
	RemoteBranch, RemoteUser string
}

// InvokeParams is the Orchestrator's public Invoke operation input
// (SPEC_FULL.md §4.8: `invoke(ref, mode, inputs, lane, stream,
// timeout_s, plan?, adapter_opts?)`).
type InvokeParams struct {
	Ref         types.ToolRef
	Mode        types.Mode
	Inputs      map[string]interface{}
	Lane        types.Lane
	AdapterName string // "local" | "remote"
	TimeoutS    int
	WritePrefix string // optional override of the default template
	ExecutionID string // optional; generated if empty
	Platform    types.Platform
	Plan        string // optional plan key to settle against

	// EstimateHiMicro is the plan's estimate high-watermark for this
	// execution, used as ledger settlement's refund baseline and as the
	// actual-usage fallback when the worker reports none (DESIGN.md
	// Open Question: the algorithm's step 9 never states where this
	// value originates; this core takes it as a caller-supplied
	// reservation amount rather than re-deriving it).
	EstimateHiMicro int64

	// OnEvent, if non-nil, makes this call a streaming invocation: every
	// non-terminal frame is relayed to it as it arrives. Invoke always
	// returns the terminal envelope regardless.
	OnEvent func(types.RunEvent)
}

// Invoke runs SPEC_FULL.md §4.8's ten-step algorithm and always
// returns a complete envelope — a Go error return is reserved for
// caller precondition violations, never for an in-band execution
// failure (SPEC_FULL.md §7).
func (o *Orchestrator) Invoke(ctx context.Context, p InvokeParams) (types.ExecutionEnvelope, error) {
	start := time.Now()
	metrics.ExecutionsInFlight.Inc()
	defer metrics.ExecutionsInFlight.Dec()

	executionID := p.ExecutionID
	if executionID == "" {
		executionID = uuid.NewString()
	}

	spec, schema, err := o.Registry.Load(p.Ref)
	if err != nil {
		return o.finish(p, executionID, start, errorFromRegistryLoad(executionID, p.Ref, err)), nil
	}
	metrics.RegistryLoadsTotal.WithLabelValues("ok").Inc()

	if err := registry.ValidateInputs(schema, p.Inputs); err != nil {
		return o.finish(p, executionID, start, errorEnvelope(executionID, "ERR_INPUTS", err.Error())), nil
	}

	writePrefix, err := o.resolveWritePrefix(p.WritePrefix, p.Ref, executionID)
	if err != nil {
		return o.finish(p, executionID, start, errorEnvelope(executionID, "ERR_PREFIX_TEMPLATE", err.Error())), nil
	}

	build := p.Lane == types.LaneBuild
	platform := o.resolvePlatform(p)

	if p.Mode == types.ModeReal {
		if missing := missingSecrets(spec); missing != "" {
			return o.finish(p, executionID, start, errorEnvelope(executionID, "ERR_MISSING_SECRET", missing)), nil
		}
	}

	timeoutS := p.TimeoutS
	if timeoutS <= 0 {
		timeoutS = spec.Runtime.TimeoutS
	}
	if timeoutS <= 0 {
		timeoutS = defaultTimeoutS
	}
	ttl := time.Duration(timeoutS)*time.Second + ttlMargin

	outputPaths := make([]string, len(spec.Outputs))
	for i, decl := range spec.Outputs {
		outputPaths[i] = decl.Path
	}
	putURLs, err := o.Presigner.OutputPutURLs(ctx, writePrefix, outputPaths, ttl)
	if err != nil {
		return o.finish(p, executionID, start, errorEnvelope(executionID, "ERR_UPLOAD_PLAN", err.Error())), nil
	}

	hydratedInputs, err := o.Presigner.HydrateInputs(ctx, p.Inputs, o.WorldID, ttl)
	if err != nil {
		return o.finish(p, executionID, start, errorEnvelope(executionID, "ERR_INPUTS", err.Error())), nil
	}
	inputsMap, _ := hydratedInputs.(map[string]interface{})

	var settleHint *types.SettleHint
	if p.Plan != "" {
		settleHint = &types.SettleHint{Plan: p.Plan, EstimateHigh: p.EstimateHiMicro}
	}

	payload := types.RunPayload{
		ExecutionID: executionID,
		Mode:        p.Mode,
		Inputs:      inputsMap,
		WritePrefix: writePrefix,
		PutURLs:     putURLs,
		Settle:      settleHint,
	}

	expectedDigest := ""
	if !build {
		if d, ok := spec.Platforms[platform]; ok {
			expectedDigest = digest.Normalize(d)
		}
	}

	a, ok := o.Adapters[p.AdapterName]
	if !ok {
		return types.ExecutionEnvelope{}, fmt.Errorf("orchestrator: no adapter registered for %q", p.AdapterName)
	}

	envelope, err := a.Invoke(ctx, adapter.InvokeRequest{
		Ref:            p.Ref,
		Spec:           spec,
		Payload:        payload,
		TimeoutS:       timeoutS,
		Platform:       platform,
		Build:          build,
		ExpectedDigest: expectedDigest,
		Branch:         o.RemoteBranch,
		User:           o.RemoteUser,
		OnEvent:        p.OnEvent,
	})
	if err != nil {
		return o.finish(p, executionID, start, errorEnvelope(executionID, "ERR_RUNTIME", err.Error())), nil
	}

	envelope = applyDigestGuard(envelope, expectedDigest)

	receiptKey := o.writeDualReceipt(ctx, p.Ref, writePrefix, executionID, envelope, start, p.Inputs)

	return o.finish(p, executionID, start, settleAndReturn(o.Ledger, p, executionID, envelope, receiptKey)), nil
}

// resolveWritePrefix applies the default template when the caller
// didn't override it, then validates and rejects a reserved trailing
// "/outputs" segment (SPEC_FULL.md §4.8 step 3, §9).
func (o *Orchestrator) resolveWritePrefix(override string, ref types.ToolRef, executionID string) (string, error) {
	template := override
	if template == "" {
		template = fmt.Sprintf("/artifacts/%s/%s/%s/{execution_id}/", ref.Namespace, ref.Name, ref.Version)
	}
	prefix, err := worldpath.ValidateWritePrefix(template, executionID)
	if err != nil {
		return "", err
	}
	trimmed := strings.TrimSuffix(prefix, "/")
	if strings.HasSuffix(trimmed, "/outputs") {
		return "", fmt.Errorf("write_prefix must not end in the reserved 'outputs' segment: %s", prefix)
	}
	return prefix, nil
}

// resolvePlatform applies the pinned-lane platform defaults: amd64 for
// remote, host-detected for local.
func (o *Orchestrator) resolvePlatform(p InvokeParams) types.Platform {
	if p.Platform != "" {
		return p.Platform
	}
	if p.AdapterName == "remote" {
		return types.PlatformAMD64
	}
	if goruntime.GOARCH == "arm64" {
		return types.PlatformARM64
	}
	return types.PlatformAMD64
}

func missingSecrets(spec *types.ToolSpec) string {
	present := map[string]bool{}
	for _, name := range types.SecretsPresent(spec, os.Environ()) {
		present[name] = true
	}
	for _, name := range spec.SecretsRequired {
		if !present[name] {
			return name
		}
	}
	return ""
}

// applyDigestGuard compares the envelope's reported image digest
// against the registry-pinned expected digest, overriding a success
// envelope to ERR_REGISTRY_MISMATCH on drift (SPEC_FULL.md §4.8 step
// 8, testable property 5). expectedDigest == "" (build lane, or a
// platform with no pinned digest) means there is nothing to compare
// against; the envelope passes through unchanged.
func applyDigestGuard(envelope types.ExecutionEnvelope, expectedDigest string) types.ExecutionEnvelope {
	if expectedDigest == "" {
		return envelope
	}
	actual := digest.Normalize(envelope.Meta.ImageDigest)
	if actual != "" && actual == expectedDigest {
		return envelope
	}

	metrics.DigestMismatchesTotal.Inc()
	mismatch := errorEnvelope(envelope.ExecutionID, "ERR_REGISTRY_MISMATCH",
		fmt.Sprintf("image digest %q does not match expected %q", envelope.Meta.ImageDigest, expectedDigest))
	mismatch.Meta.ExpectedDigest = expectedDigest
	mismatch.Meta.ActualDigest = actual
	mismatch.Meta.ImageDigest = envelope.Meta.ImageDigest
	return mismatch
}

// writeDualReceipt persists a copy of the execution's receipt to
// object storage, colocated with its outputs and at a global
// execution-indexed key, returning the colocated key for the ledger's
// determinism URI. The worker's own dual-receipt writes
// (pkg/worker.writeReceipts) are local-filesystem-only (DESIGN.md Open
// Question (c)); this is the one place a receipt actually reaches
// object storage. Failure is logged, never turns a successful run into
// a failure.
func (o *Orchestrator) writeDualReceipt(ctx context.Context, ref types.ToolRef, writePrefix, executionID string, envelope types.ExecutionEnvelope, start time.Time, inputs map[string]interface{}) string {
	receipt := types.Receipt{
		Processor:         ref.String(),
		Status:            envelope.Status,
		ExecutionID:       executionID,
		InputsFingerprint: inputsFingerprint(inputs),
		EnvFingerprint:    envelope.Meta.EnvFingerprint,
		ImageDigest:       envelope.Meta.ImageDigest,
		DurationMS:        time.Since(start).Milliseconds(),
		TimestampUTC:      time.Now().UTC(),
	}
	data, err := json.Marshal(receipt)
	if err != nil {
		log.Warn("orchestrator: marshal receipt: " + err.Error())
		return ""
	}

	colocatedKey := worldpath.JoinOutputKey(writePrefix, "receipt.json")
	if err := o.Presigner.PutObject(ctx, strings.TrimPrefix(colocatedKey, "/"), data, "application/json"); err != nil {
		log.Warn("orchestrator: write colocated receipt: " + err.Error())
	}

	globalKey := fmt.Sprintf("receipts/%s.json", executionID)
	if err := o.Presigner.PutObject(ctx, globalKey, data, "application/json"); err != nil {
		log.Warn("orchestrator: write global receipt: " + err.Error())
	}

	return colocatedKey
}

// settleAndReturn performs step 9's ledger settlement, if a plan was
// supplied, and returns envelope unchanged (settlement never alters
// the envelope the caller sees).
func settleAndReturn(l *ledger.Ledger, p InvokeParams, executionID string, envelope types.ExecutionEnvelope, receiptKey string) types.ExecutionEnvelope {
	if p.Plan == "" || l == nil {
		return envelope
	}

	actual := p.EstimateHiMicro
	if envelope.Meta.ActualMicro != nil {
		actual = *envelope.Meta.ActualMicro
	}

	if envelope.Status == "success" {
		_, err := l.SettleSuccess(ledger.SettleSuccessParams{
			Plan:            p.Plan,
			Execution:       executionID,
			EstimateHiMicro: p.EstimateHiMicro,
			ActualMicro:     actual,
			DeterminismURI:  receiptKey,
		})
		outcome := "success"
		if err != nil {
			outcome = "error"
			log.Warn("orchestrator: settle success for plan " + p.Plan + ": " + err.Error())
		}
		metrics.LedgerSettleTotal.WithLabelValues(outcome).Inc()
		return envelope
	}

	reason := "unknown"
	if envelope.Error != nil {
		reason = envelope.Error.Code
	}
	_, err := l.SettleFailure(ledger.SettleFailureParams{
		Plan:            p.Plan,
		Execution:       executionID,
		EstimateHiMicro: p.EstimateHiMicro,
		MeteredActual:   actual,
		Reason:          reason,
	})
	outcome := "failure"
	if err != nil {
		outcome = "error"
		log.Warn("orchestrator: settle failure for plan " + p.Plan + ": " + err.Error())
	}
	metrics.LedgerSettleTotal.WithLabelValues(outcome).Inc()
	return envelope
}

// finish records the terminal metrics shared by every return path.
func (o *Orchestrator) finish(p InvokeParams, executionID string, start time.Time, envelope types.ExecutionEnvelope) types.ExecutionEnvelope {
	metrics.ExecutionsTotal.WithLabelValues(p.Ref.String(), envelope.Status).Inc()
	metrics.ExecutionDuration.WithLabelValues(p.Ref.String()).Observe(time.Since(start).Seconds())
	return envelope
}

func errorFromRegistryLoad(executionID string, ref types.ToolRef, err error) types.ExecutionEnvelope {
	metrics.RegistryLoadsTotal.WithLabelValues("error").Inc()
	code := "ERR_REGISTRY"
	if errors.Is(err, registry.ErrNotFound) {
		code = "ERR_UNKNOWN_REF"
	}
	return errorEnvelope(executionID, code, fmt.Sprintf("%s: %v", ref, err))
}

func errorEnvelope(executionID, code, message string) types.ExecutionEnvelope {
	return types.ExecutionEnvelope{
		Status:      "error",
		ExecutionID: executionID,
		Error:       &types.EnvelopeError{Code: code, Message: message},
		Meta:        types.EnvelopeMeta{ImageDigest: "unknown"},
	}
}

// inputsFingerprint hashes the canonical JSON encoding of inputs, used
// to populate a Receipt's InputsFingerprint field when the orchestrator
// itself (rather than the worker) constructs one.
func inputsFingerprint(inputs map[string]interface{}) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}
