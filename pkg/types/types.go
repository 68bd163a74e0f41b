// Package types defines the data model shared by every component of the
// execution plane: tool identity and specification, the terminal result
// envelope, the ledger's accounting rows, and the in-process Run state
// machine hosted by a Container Supervisor.
package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ToolRef identifies a tool by namespace, name, and version: "ns/name@ver".
// It carries no behavior of its own.
type ToolRef struct {
	Namespace string
	Name      string
	Version   string
}

// ParseToolRef parses "ns/name@ver" into its parts.
func ParseToolRef(s string) (ToolRef, error) {
	ns, rest, ok := strings.Cut(s, "/")
	if !ok {
		return ToolRef{}, fmt.Errorf("tool ref %q: missing namespace separator '/'", s)
	}
	name, ver, ok := strings.Cut(rest, "@")
	if !ok {
		return ToolRef{}, fmt.Errorf("tool ref %q: missing version separator '@'", s)
	}
	if ns == "" || name == "" || ver == "" {
		return ToolRef{}, fmt.Errorf("tool ref %q: empty component", s)
	}
	return ToolRef{Namespace: ns, Name: name, Version: ver}, nil
}

// String renders the ref back to "ns/name@ver".
func (r ToolRef) String() string {
	return fmt.Sprintf("%s/%s@%s", r.Namespace, r.Name, r.Version)
}

// Platform is a target architecture for an image digest.
type Platform string

const (
	PlatformAMD64 Platform = "amd64"
	PlatformARM64 Platform = "arm64"
)

// APIProtocol is the wire protocol a tool's run endpoint speaks. Only "ws"
// is implemented; the field exists because the registry's on-disk schema
// declares it explicitly per tool.
type APIProtocol string

const APIProtocolWS APIProtocol = "ws"

// ToolSpec is the immutable, once-loaded specification of a tool: declared
// outputs, per-platform image digests, required secrets, resource hints,
// and the input JSON-schema used to reject malformed calls before they
// ever reach a worker.
type ToolSpec struct {
	Ref             ToolRef
	Platforms       map[Platform]string // platform -> "sha256:<64hex>" or placeholder
	DefaultPlatform Platform
	Runtime         ResourceHints
	API             APIEndpoints
	SecretsRequired []string
	Inputs          json.RawMessage // JSON-schema document, compiled by pkg/registry
	Outputs         []DeclaredOutput
}

// ResourceHints are advisory resource/timeout declarations for a tool.
type ResourceHints struct {
	CPU       float64
	MemoryGB  float64
	TimeoutS  int
	GPU       string
}

// APIEndpoints declares the paths a tool's container serves.
type APIEndpoints struct {
	Protocol APIProtocol
	RunPath  string
	HealthzPath string
}

// DeclaredOutput is one entry of a ToolSpec's declared output set.
type DeclaredOutput struct {
	Path        string
	Mime        string
	Description string
}

// SecretsPresent returns the subset of required secret names that are
// present and non-empty in env (a "KEY=VALUE" slice, e.g. os.Environ()).
func SecretsPresent(spec *ToolSpec, env []string) []string {
	set := make(map[string]string, len(env))
	for _, kv := range env {
		k, v, ok := strings.Cut(kv, "=")
		if ok {
			set[k] = v
		}
	}
	var present []string
	for _, name := range spec.SecretsRequired {
		if v, ok := set[name]; ok && v != "" {
			present = append(present, name)
		}
	}
	return present
}

// Mode selects between a deterministic fixture run and a real invocation
// that performs external calls.
type Mode string

const (
	ModeMock Mode = "mock"
	ModeReal Mode = "real"
)

// Lane selects which image a tool is run from.
type Lane string

const (
	LaneBuild  Lane = "build"  // newest locally built image tag
	LanePinned Lane = "pinned" // registry-declared digest for the platform
)

// ConnectionRole is the role a WebSocket subscriber plays against a Run.
type ConnectionRole string

const (
	RoleClient     ConnectionRole = "client"
	RoleController ConnectionRole = "controller"
	RoleObserver   ConnectionRole = "observer"
)

// RunState is a Run's position in its lifecycle state machine.
type RunState string

const (
	RunPending    RunState = "pending"
	RunRunning    RunState = "running"
	RunPaused     RunState = "paused"
	RunPreempted  RunState = "preempted"
	RunCompleted  RunState = "completed"
	RunError      RunState = "error"
)

// Terminal reports whether state cannot be left.
func (s RunState) Terminal() bool {
	switch s {
	case RunCompleted, RunError, RunPreempted:
		return true
	default:
		return false
	}
}

// EventKind tags the payload carried by one fanned-out Run event.
type EventKind string

const (
	EventKindToken     EventKind = "Token"     // droppable incremental fragment
	EventKindFrame     EventKind = "Frame"     // artifact written
	EventKindLog       EventKind = "Log"       // human-oriented line
	EventKindLifecycle EventKind = "Event"     // started/paused/resumed/preempted/...
	EventKindRunResult EventKind = "RunResult" // terminal envelope, exactly one per Run
)

// RunEvent is one frame fanned out to a Run's subscribers.
type RunEvent struct {
	Kind    EventKind       `json:"kind"`
	Content json.RawMessage `json:"content"`
}

// ExecutionEnvelope is the terminal JSON object a worker (or, on
// short-circuit, the orchestrator/adapter) returns for one execution.
type ExecutionEnvelope struct {
	Status      string          `json:"status"` // "success" | "error"
	ExecutionID string          `json:"execution_id"`
	Outputs     []OutputEntry   `json:"outputs,omitempty"`
	IndexPath   string          `json:"index_path,omitempty"`
	Error       *EnvelopeError  `json:"error,omitempty"`
	Meta        EnvelopeMeta    `json:"meta"`
}

// EnvelopeError is the error taxonomy's wire representation.
type EnvelopeError struct {
	Code    string `json:"code"` // always "ERR_..."
	Message string `json:"message"`
}

// EnvelopeMeta carries the supply-chain digest and optional fingerprints.
type EnvelopeMeta struct {
	ImageDigest    string `json:"image_digest"`
	ExpectedDigest string `json:"expected_digest,omitempty"`
	ActualDigest   string `json:"actual_digest,omitempty"`
	EnvFingerprint string `json:"env_fingerprint,omitempty"`

	// ActualMicro is the worker's self-reported metered usage, in the
	// plan's accounting unit. Absent (nil) means the worker did not
	// meter itself; the orchestrator then settles against the plan's
	// estimate high-watermark instead (SPEC_FULL.md §4.8 step 9).
	ActualMicro *int64 `json:"actual_micro,omitempty"`
}

// OutputEntry is one artifact produced by an execution.
type OutputEntry struct {
	Path      string `json:"path"`
	Mime      string `json:"mime,omitempty"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
	CID       string `json:"cid,omitempty"`
}

// OutputIndex is the write-barrier document uploaded last, to
// "outputs.json". Its presence at the canonical key signals commit.
type OutputIndex struct {
	Outputs []OutputEntry `json:"outputs"`
}

// SortOutputs returns outputs sorted by path, as required at both the
// envelope and index boundary.
func SortOutputs(outputs []OutputEntry) []OutputEntry {
	sorted := make([]OutputEntry, len(outputs))
	copy(sorted, outputs)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1].Path > sorted[j].Path; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	return sorted
}

// Plan is the external accounting anchor this core settles against.
type Plan struct {
	Key           string `json:"key"`
	ReservedMicro int64  `json:"reserved_micro"`
	SpentMicro    int64  `json:"spent_micro"`
}

// Event is one row of a plan's append-only hash-chained ledger.
type Event struct {
	Plan      string          `json:"plan"`
	Seq       uint64          `json:"seq"`
	PrevHash  string          `json:"prev_hash,omitempty"` // empty iff seq == 1
	ThisHash  string          `json:"this_hash"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Receipt is produced for every completed execution and colocated with
// its outputs, plus written a second time to a global execution-indexed
// path (see pkg/worker).
type Receipt struct {
	Processor         string                 `json:"processor"`
	Model             string                 `json:"model,omitempty"`
	Status            string                 `json:"status"`
	ExecutionID       string                 `json:"execution_id"`
	InputsFingerprint string                 `json:"inputs_fingerprint"`
	EnvFingerprint    string                 `json:"env_fingerprint"`
	ImageDigest       string                 `json:"image_digest"`
	DurationMS        int64                  `json:"duration_ms"`
	TimestampUTC      time.Time              `json:"timestamp_utc"`
	Extra             map[string]interface{} `json:"extra,omitempty"`
}

// RunPayload is what the orchestrator hands to a worker over a RunOpen
// frame: everything the worker needs to execute and upload without ever
// talking to the orchestrator again.
type RunPayload struct {
	ExecutionID string            `json:"execution_id"`
	Mode        Mode              `json:"mode"`
	Inputs      map[string]interface{} `json:"inputs"`
	WritePrefix string            `json:"write_prefix"`
	PutURLs     map[string]string `json:"put_urls"`
	Settle      *SettleHint       `json:"settle,omitempty"`
}

// SettleHint tells the worker which plan (if any) this run will settle
// against, purely informational: only the orchestrator calls the ledger.
type SettleHint struct {
	Plan         string `json:"plan"`
	EstimateHigh int64  `json:"estimate_hi_micro"`
}
