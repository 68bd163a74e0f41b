package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/theoryrun/theorycore/pkg/digest"
	"github.com/theoryrun/theorycore/pkg/health"
	"github.com/theoryrun/theorycore/pkg/log"
	"github.com/theoryrun/theorycore/pkg/metrics"
	"github.com/theoryrun/theorycore/pkg/runtime"
	"github.com/theoryrun/theorycore/pkg/types"
)

const (
	basePort            = 40000
	portScanWidth       = 10000
	containerPort       = 8000
	stopTimeout         = 10 * time.Second
	portWaitBudget      = 5 * time.Second
	portDialTimeout     = 250 * time.Millisecond
	healthGateBudget    = 15 * time.Second
	healthBackoffBase   = 100 * time.Millisecond
	healthBackoffFactor = 1.6
	healthBackoffCap    = 1500 * time.Millisecond
	stderrTailBytes     = 2048
)

// LocalAdapter dispatches executions to a persistent, reusable
// containerd-managed container per ref (SPEC_FULL.md §4.6). Unlike
// original_source/.../local_adapter.py, it never stops the container
// after an invoke — stop is a distinct, explicit operation, driven by
// the theoryctl CLI.
type LocalAdapter struct {
	Runtime      *runtime.ContainerdRuntime
	PortMapPath  string
	ArtifactsDir string // host directory bind-mounted to /world

	mu sync.Mutex
}

// NewLocalAdapter constructs a LocalAdapter. artifactsDir is bind
// mounted read-write into every tool container at /world.
func NewLocalAdapter(rt *runtime.ContainerdRuntime, portMapPath, artifactsDir string) *LocalAdapter {
	return &LocalAdapter{Runtime: rt, PortMapPath: portMapPath, ArtifactsDir: artifactsDir}
}

// ContainerInfo describes a running tool container.
type ContainerInfo struct {
	ID    string
	Port  int
	Image string
}

type portMap map[string]int

func (a *LocalAdapter) loadPortMap() portMap {
	data, err := os.ReadFile(a.PortMapPath)
	if err != nil {
		return portMap{}
	}
	var m portMap
	// A torn read of a small JSON file (SPEC_FULL.md §5: rewrites are
	// non-atomic) is tolerated by defaulting to empty, not by failing.
	if err := json.Unmarshal(data, &m); err != nil {
		return portMap{}
	}
	return m
}

func (a *LocalAdapter) savePortMap(m portMap) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return
	}
	_ = os.WriteFile(a.PortMapPath, data, 0o644)
}

// allocatePort returns the port already recorded for ref, trusting
// that its container (if any) is bound there, or scans for a free port
// starting at basePort.
func (a *LocalAdapter) allocatePort(ref string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	m := a.loadPortMap()
	if p, ok := m[ref]; ok {
		return p, nil
	}
	for p := basePort; p < basePort+portScanWidth; p++ {
		if portFree(p) {
			m[ref] = p
			a.savePortMap(m)
			return p, nil
		}
	}
	return 0, fmt.Errorf("adapter: no free port found from %d", basePort)
}

func (a *LocalAdapter) purgePort(ref string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m := a.loadPortMap()
	delete(m, ref)
	a.savePortMap(m)
}

func portFree(p int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", p))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// resolveImageRef picks the image to run: for the build lane, the
// newest locally built "<repo>:build-*" tag; for the pinned lane, the
// registry-declared "repo@sha256:..." reference for the selected
// platform (falling back to the spec's default platform).
func (a *LocalAdapter) resolveImageRef(ctx context.Context, ref types.ToolRef, spec *types.ToolSpec, platform types.Platform, build bool) (string, error) {
	if build {
		repo := fmt.Sprintf("theory-local/%s-%s-%s", ref.Namespace, ref.Name, ref.Version)
		return a.Runtime.NewestBuildTag(ctx, repo)
	}
	if platform == "" {
		platform = spec.DefaultPlatform
	}
	if d, ok := spec.Platforms[platform]; ok && digest.Normalize(d) != "" {
		return d, nil
	}
	if d, ok := spec.Platforms[spec.DefaultPlatform]; ok && digest.Normalize(d) != "" {
		return d, nil
	}
	return "", fmt.Errorf("adapter: %s: no valid image mapping for platform %s", ref, platform)
}

// resolveImageDigest implements SPEC_FULL.md §4.6's IMAGE_DIGEST
// preference order: caller-declared expected digest, then a digest
// embedded in the image reference, then the local image id, else
// "unknown".
func (a *LocalAdapter) resolveImageDigest(ctx context.Context, expectedDigest, imageRef string) string {
	if d := digest.Normalize(expectedDigest); d != "" {
		return d
	}
	if d := digest.Normalize(imageRef); d != "" {
		return d
	}
	if a.Runtime != nil {
		if raw, err := a.Runtime.ImageDigest(ctx, imageRef); err == nil {
			if d := digest.Normalize(raw); d != "" {
				return d
			}
		}
	}
	return "unknown"
}

// Start ensures a container for ref is running and healthy, reusing
// one already labeled with ref if present, and returns its host port.
func (a *LocalAdapter) Start(ctx context.Context, ref types.ToolRef, spec *types.ToolSpec, opts StartOptions) (*ContainerInfo, error) {
	timer := metrics.NewTimer()

	imageRef, err := a.resolveImageRef(ctx, ref, spec, opts.Platform, opts.Build)
	if err != nil {
		return nil, err
	}

	containerID := containerName(ref, imageRef)
	port, err := a.allocatePort(ref.String())
	if err != nil {
		return nil, err
	}

	if a.Runtime.IsRunning(ctx, containerID) {
		return &ContainerInfo{ID: containerID, Port: port, Image: imageRef}, nil
	}

	imageDigest := a.resolveImageDigest(ctx, opts.ExpectedDigest, imageRef)
	env := []string{"TZ=UTC", "LC_ALL=C.UTF-8", "IMAGE_DIGEST=" + imageDigest}

	present := map[string]bool{}
	for _, name := range types.SecretsPresent(spec, os.Environ()) {
		present[name] = true
	}
	for _, name := range spec.SecretsRequired {
		if !present[name] {
			return nil, fmt.Errorf("%w: %s", ErrMissingSecret, name)
		}
		env = append(env, name+"="+os.Getenv(name))
	}

	log.Info(fmt.Sprintf("adapter: starting container %s image=%s port=%d env=%s",
		containerID, imageRef, port, redactedEnv(env, spec.SecretsRequired)))

	containerSpec := runtime.ContainerSpec{
		ID:     containerID,
		Image:  imageRef,
		Env:    env,
		Labels: map[string]string{refLabel: ref.String()},
		Mounts: []specs.Mount{{
			Source:      a.ArtifactsDir,
			Destination: "/world",
			Type:        "bind",
			Options:     []string{"rbind", "rw"},
		}},
		Ports:     []runtime.PortMapping{{HostPort: port, ContainerPort: containerPort, Protocol: "tcp"}},
		CPUCores:  spec.Runtime.CPU,
		MemoryMiB: int64(spec.Runtime.MemoryGB * 1024),
	}

	if _, err := a.Runtime.EnsureRunning(ctx, containerSpec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDocker, err)
	}

	if err := a.waitHealthy(ctx, port); err != nil {
		metrics.ContainerHealthFailuresTotal.Inc()
		tail := a.Runtime.StderrTail(containerID, stderrTailBytes)
		_ = a.Runtime.StopContainer(ctx, containerID, stopTimeout)
		return nil, fmt.Errorf("%w: %v: stderr: %s", ErrHealth, err, string(tail))
	}

	metrics.ContainersRunning.Inc()
	timer.ObserveDuration(metrics.ContainerStartDuration)

	return &ContainerInfo{ID: containerID, Port: port, Image: imageRef}, nil
}

// redactedEnv renders env for logging with every declared secret
// value replaced, so a start-command log line never leaks a secret.
func redactedEnv(env []string, secrets []string) string {
	secretNames := make(map[string]bool, len(secrets))
	for _, s := range secrets {
		secretNames[s] = true
	}
	out := make([]string, 0, len(env))
	for _, kv := range env {
		name, _, ok := strings.Cut(kv, "=")
		if ok && secretNames[name] {
			out = append(out, name+"=<redacted>")
			continue
		}
		out = append(out, kv)
	}
	return fmt.Sprintf("%v", out)
}

// waitHealthy TCP-waits for the container's port to accept connections,
// then polls GET /healthz until it returns a 200 with a JSON body
// {"ok": true}, backing off between attempts (SPEC_FULL.md §4.6;
// grounded on original_source/.../local_adapter.py's `_wait_for_port`
// and `_wait_healthy`).
func (a *LocalAdapter) waitHealthy(ctx context.Context, port int) error {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	checker := health.NewTCPChecker(addr).WithTimeout(portDialTimeout)

	portDeadline := time.Now().Add(portWaitBudget)
	for {
		if checker.Check(ctx).Healthy {
			break
		}
		if time.Now().After(portDeadline) {
			return fmt.Errorf("port %s never accepted a connection after %s", addr, portWaitBudget)
		}
		select {
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	url := fmt.Sprintf("http://%s/healthz", addr)
	client := &http.Client{Timeout: healthBackoffCap}
	backoff := healthBackoffBase
	healthDeadline := time.Now().Add(healthGateBudget)
	for {
		if ok, _ := probeHealthz(ctx, client, url); ok {
			return nil
		}
		if time.Now().After(healthDeadline) {
			return fmt.Errorf("%s never reported {ok:true} within %s", url, healthGateBudget)
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff = time.Duration(float64(backoff) * healthBackoffFactor)
		if backoff > healthBackoffCap {
			backoff = healthBackoffCap
		}
	}
}

func probeHealthz(ctx context.Context, client *http.Client, url string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, nil
	}
	var body struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, nil
	}
	return body.OK, nil
}

// Invoke starts (or reuses) ref's container and dials its /run
// endpoint over the theory.run.v1 protocol.
func (a *LocalAdapter) Invoke(ctx context.Context, req InvokeRequest) (types.ExecutionEnvelope, error) {
	if req.Spec == nil {
		return types.ExecutionEnvelope{}, fmt.Errorf("adapter: Invoke: nil spec for %s", req.Ref)
	}

	info, err := a.Start(ctx, req.Ref, req.Spec, StartOptions{
		Platform:       req.Platform,
		Build:          req.Build,
		ExpectedDigest: req.ExpectedDigest,
	})
	if err != nil {
		return errorEnvelopeForStartFailure(req.Payload.ExecutionID, err), nil
	}

	wsURL := fmt.Sprintf("ws://127.0.0.1:%d%s", info.Port, "/run")
	envelope, err := DialRun(ctx, wsURL, nil, req.Payload, req.TimeoutS, req.OnEvent)
	if err != nil {
		return errorEnvelopeFromTransport(req.Payload.ExecutionID, err), nil
	}
	return envelope, nil
}

func errorEnvelopeForStartFailure(executionID string, err error) types.ExecutionEnvelope {
	switch {
	case errors.Is(err, ErrMissingSecret):
		return errorEnvelope(executionID, "ERR_MISSING_SECRET", err.Error())
	case errors.Is(err, ErrHealth):
		return errorEnvelope(executionID, "ERR_HEALTH", err.Error())
	default:
		return errorEnvelope(executionID, "ERR_DOCKER", err.Error())
	}
}

// Stop removes the container(s) labeled with ref, or every
// theorycore-managed container when ref is nil, purging their port
// records (`stop --ref`/`stop --all`, SPEC_FULL.md §4.6).
func (a *LocalAdapter) Stop(ctx context.Context, ref *types.ToolRef) ([]string, error) {
	ids, err := a.listManaged(ctx, ref)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if err := a.Runtime.DeleteContainer(ctx, id); err != nil {
			log.Warn("adapter: stop " + id + ": " + err.Error())
			continue
		}
		metrics.ContainersRunning.Dec()
	}
	if ref != nil {
		a.purgePort(ref.String())
	} else {
		a.mu.Lock()
		_ = os.Remove(a.PortMapPath)
		a.mu.Unlock()
	}
	return ids, nil
}

// Status reports whether each theorycore-managed container (or just
// ref's) currently has a running task.
func (a *LocalAdapter) Status(ctx context.Context, ref *types.ToolRef) (map[string]bool, error) {
	ids, err := a.listManaged(ctx, ref)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = a.Runtime.IsRunning(ctx, id)
	}
	return out, nil
}

// URL returns the base HTTP URL of ref's recorded container port.
func (a *LocalAdapter) URL(ref types.ToolRef) (string, error) {
	a.mu.Lock()
	m := a.loadPortMap()
	a.mu.Unlock()
	port, ok := m[ref.String()]
	if !ok {
		return "", fmt.Errorf("adapter: no recorded port for %s; start it first", ref)
	}
	return fmt.Sprintf("http://127.0.0.1:%d", port), nil
}

// Logs returns up to tail bytes of ref's container's captured stderr.
func (a *LocalAdapter) Logs(ctx context.Context, ref types.ToolRef, tail int) ([]byte, error) {
	ids, err := a.Runtime.ListByLabel(ctx, refLabel, ref.String())
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("adapter: no container for %s", ref)
	}
	return a.Runtime.StderrTail(ids[0], tail), nil
}

func (a *LocalAdapter) listManaged(ctx context.Context, ref *types.ToolRef) ([]string, error) {
	if ref != nil {
		return a.Runtime.ListByLabel(ctx, refLabel, ref.String())
	}
	return a.Runtime.ListAllManaged(ctx, refLabel)
}
