// Package runtime wraps containerd's typed client for the Local Adapter's
// container lifecycle: start/reuse, stop, inspect, and log-tail. It talks
// to the container engine through github.com/containerd/containerd rather
// than shelling out to a CLI, matching this lineage's established pattern
// (see DESIGN.md; grounded on the teacher's pkg/runtime/containerd.go).
package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

const (
	// DefaultNamespace is the containerd namespace this core's containers
	// are created in, keeping them out of other tenants' namespaces on a
	// shared host.
	DefaultNamespace = "theorycore"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

// PortMapping publishes a container port on a host port. containerd has
// no built-in port-publish primitive; this core records the mapping as
// a container label (com.theory.ports) for a portmap-capable network
// setup to read.
type PortMapping struct {
	HostPort      int
	ContainerPort int
	Protocol      string // "tcp" or "udp"
}

// ContainerSpec is everything the Local Adapter needs to start one tool
// container: image reference, injected environment, labels for
// lifecycle lookup, a bind mount for the tool's world directory, and one
// published port.
type ContainerSpec struct {
	ID     string
	Image  string
	Env    []string
	Labels map[string]string
	Mounts []specs.Mount
	Ports  []PortMapping

	// UID/GID map the container process to a host identity (SPEC_FULL.md
	// §4.6 "host/container UID:GID mapping"). Zero value leaves the
	// image's default user untouched.
	UID, GID *uint32

	CPUCores  float64
	MemoryMiB int64
}

// ContainerdRuntime implements the Local Adapter's container engine
// client using containerd.
type ContainerdRuntime struct {
	client    *containerd.Client
	namespace string

	mu     sync.Mutex
	stderr map[string]*bytes.Buffer
}

// NewContainerdRuntime dials the containerd socket at socketPath (or
// DefaultSocketPath if empty).
func NewContainerdRuntime(socketPath string) (*ContainerdRuntime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("runtime: connect to containerd at %s: %w", socketPath, err)
	}
	return &ContainerdRuntime{
		client:    client,
		namespace: DefaultNamespace,
		stderr:    make(map[string]*bytes.Buffer),
	}, nil
}

// Close closes the containerd client connection.
func (r *ContainerdRuntime) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}

func (r *ContainerdRuntime) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, r.namespace)
}

// PullImage pulls imageRef if not already present locally.
func (r *ContainerdRuntime) PullImage(ctx context.Context, imageRef string) error {
	ctx = r.ctx(ctx)
	if _, err := r.client.Pull(ctx, imageRef, containerd.WithPullUnpack); err != nil {
		return fmt.Errorf("runtime: pull %s: %w", imageRef, err)
	}
	return nil
}

// EnsureRunning starts spec's container if no container with spec.ID
// already exists and has a running task; it returns the id of the
// running container either way, satisfying the Local Adapter's
// start-or-reuse contract (SPEC_FULL.md §4.6).
func (r *ContainerdRuntime) EnsureRunning(ctx context.Context, spec ContainerSpec) (string, error) {
	ctx = r.ctx(ctx)

	if existing, err := r.client.LoadContainer(ctx, spec.ID); err == nil {
		if task, err := existing.Task(ctx, nil); err == nil {
			if status, err := task.Status(ctx); err == nil && status.Status == containerd.Running {
				return spec.ID, nil
			}
		}
		// Stale container record with no running task: remove before recreating.
		_ = r.DeleteContainer(ctx, spec.ID)
	}

	if err := r.PullImage(ctx, spec.Image); err != nil {
		return "", err
	}

	image, err := r.client.GetImage(ctx, spec.Image)
	if err != nil {
		return "", fmt.Errorf("runtime: get image %s: %w", spec.Image, err)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(spec.Env),
	}
	if len(spec.Mounts) > 0 {
		opts = append(opts, oci.WithMounts(spec.Mounts))
	}
	if spec.CPUCores > 0 {
		shares := uint64(spec.CPUCores * 1024)
		quota := int64(spec.CPUCores * 100000)
		period := uint64(100000)
		opts = append(opts, oci.WithCPUShares(shares), oci.WithCPUCFS(quota, period))
	}
	if spec.MemoryMiB > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(spec.MemoryMiB)*1024*1024))
	}
	if spec.UID != nil && spec.GID != nil {
		opts = append(opts, oci.WithUIDGID(*spec.UID, *spec.GID))
	}

	containerOpts := []containerd.NewContainerOpts{
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.ID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	}
	if len(spec.Labels) > 0 {
		containerOpts = append(containerOpts, containerd.WithContainerLabels(spec.Labels))
	}
	containerOpts = append(containerOpts, withPortAnnotations(spec.Ports))

	ctrdContainer, err := r.client.NewContainer(ctx, spec.ID, containerOpts...)
	if err != nil {
		return "", fmt.Errorf("runtime: create container %s: %w", spec.ID, err)
	}

	stderrBuf := &bytes.Buffer{}
	r.mu.Lock()
	r.stderr[spec.ID] = stderrBuf
	r.mu.Unlock()

	task, err := ctrdContainer.NewTask(ctx, cio.NewCreator(cio.WithStreams(nil, io.Discard, stderrBuf)))
	if err != nil {
		return "", fmt.Errorf("runtime: create task for %s: %w", spec.ID, err)
	}
	if err := task.Start(ctx); err != nil {
		return "", fmt.Errorf("runtime: start task for %s: %w", spec.ID, err)
	}

	return spec.ID, nil
}

// withPortAnnotations records spec.Ports as the com.theory.ports
// container label, for a portmap-capable network setup to read when
// forwarding a host port to the container.
func withPortAnnotations(ports []PortMapping) containerd.NewContainerOpts {
	return func(_ context.Context, _ *containerd.Client, c *containers.Container) error {
		if len(ports) == 0 {
			return nil
		}
		if c.Labels == nil {
			c.Labels = map[string]string{}
		}
		var buf bytes.Buffer
		for i, p := range ports {
			if i > 0 {
				buf.WriteByte(',')
			}
			proto := p.Protocol
			if proto == "" {
				proto = "tcp"
			}
			fmt.Fprintf(&buf, "%d:%d/%s", p.HostPort, p.ContainerPort, proto)
		}
		c.Labels["com.theory.ports"] = buf.String()
		return nil
	}
}

// StopContainer sends SIGTERM, waits up to timeout, then SIGKILLs and
// removes the task and its snapshot.
func (r *ContainerdRuntime) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	ctx = r.ctx(ctx)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return nil // already gone
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return nil // no task, nothing to stop
	}

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("runtime: wait on task %s: %w", containerID, err)
	}

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("runtime: SIGTERM task %s: %w", containerID, err)
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("runtime: SIGKILL task %s: %w", containerID, err)
		}
		<-statusC
	}

	if _, err := task.Delete(ctx); err != nil {
		return fmt.Errorf("runtime: delete task %s: %w", containerID, err)
	}
	return nil
}

// DeleteContainer stops (if running) and removes containerID and its
// snapshot.
func (r *ContainerdRuntime) DeleteContainer(ctx context.Context, containerID string) error {
	ctx = r.ctx(ctx)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return nil
	}
	_ = r.StopContainer(ctx, containerID, 10*time.Second)
	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("runtime: delete container %s: %w", containerID, err)
	}
	r.mu.Lock()
	delete(r.stderr, containerID)
	r.mu.Unlock()
	return nil
}

// IsRunning reports whether containerID has a task in the Running state.
func (r *ContainerdRuntime) IsRunning(ctx context.Context, containerID string) bool {
	ctx = r.ctx(ctx)
	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return false
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return false
	}
	status, err := task.Status(ctx)
	return err == nil && status.Status == containerd.Running
}

// ListByLabel returns the ids of containers in this namespace carrying
// label=value, used by `stop --ref` to find containers by the
// com.theory.ref label (SPEC_FULL.md §4.6); `stop --all` uses
// ListAllManaged instead.
func (r *ContainerdRuntime) ListByLabel(ctx context.Context, label, value string) ([]string, error) {
	ctx = r.ctx(ctx)
	containers, err := r.client.Containers(ctx, fmt.Sprintf("labels.%q==%s", label, value))
	if err != nil {
		return nil, fmt.Errorf("runtime: list containers by label %s=%s: %w", label, value, err)
	}
	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID())
	}
	return ids, nil
}

// StderrTail returns up to maxBytes of the most recently captured stderr
// output for containerID, used to attach diagnostics to an ERR_HEALTH
// failure (SPEC_FULL.md §4.6). Returns nil if containerID's task was
// never created through EnsureRunning.
func (r *ContainerdRuntime) StderrTail(containerID string, maxBytes int) []byte {
	r.mu.Lock()
	buf, ok := r.stderr[containerID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return TailStderr(buf, maxBytes)
}

// TailStderr returns up to maxBytes of the most recent bytes in buf.
func TailStderr(buf *bytes.Buffer, maxBytes int) []byte {
	data := buf.Bytes()
	if len(data) <= maxBytes {
		return data
	}
	return data[len(data)-maxBytes:]
}

// ImageDigest returns the content digest of the image already pulled
// under imageRef, standing in for "docker image id" in the Local
// Adapter's IMAGE_DIGEST preference order (SPEC_FULL.md §4.6; grounded
// on original_source/.../local_adapter.py:_docker_image_id).
func (r *ContainerdRuntime) ImageDigest(ctx context.Context, imageRef string) (string, error) {
	ctx = r.ctx(ctx)
	image, err := r.client.GetImage(ctx, imageRef)
	if err != nil {
		return "", fmt.Errorf("runtime: get image %s: %w", imageRef, err)
	}
	return image.Target().Digest.String(), nil
}

// NewestBuildTag returns the lexicographically greatest "<repo>:build-*"
// tag among locally present images, the build lane's "newest locally
// built image" rule (grounded on
// original_source/.../local_adapter.py:_get_newest_build_tag).
func (r *ContainerdRuntime) NewestBuildTag(ctx context.Context, repo string) (string, error) {
	ctx = r.ctx(ctx)
	images, err := r.client.ListImages(ctx)
	if err != nil {
		return "", fmt.Errorf("runtime: list images: %w", err)
	}
	prefix := repo + ":build-"
	var newest string
	for _, img := range images {
		name := img.Name()
		if strings.HasPrefix(name, prefix) && name > newest {
			newest = name
		}
	}
	if newest == "" {
		return "", fmt.Errorf("runtime: no build-tagged image found for %s", repo)
	}
	return newest, nil
}

// ListAllManaged returns every container carrying the com.theory.ref
// label regardless of value, for `stop --all`/`status` with no --ref.
func (r *ContainerdRuntime) ListAllManaged(ctx context.Context, label string) ([]string, error) {
	ctx = r.ctx(ctx)
	containers, err := r.client.Containers(ctx, fmt.Sprintf("labels.%q", label))
	if err != nil {
		return nil, fmt.Errorf("runtime: list managed containers: %w", err)
	}
	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID())
	}
	return ids, nil
}
