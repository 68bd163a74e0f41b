/*
Package runtime wraps containerd's typed client for the Local Adapter's
container lifecycle: start-or-reuse by label, stop (SIGTERM→SIGKILL),
label-based lookup, and stderr capture for health-gate diagnostics.

# Why containerd directly

The Local Adapter needs to run one persistent, reusable container per
tool ref and inspect/stop it later by label — the same shape this
lineage's original container engine client already solved. Talking to
containerd's gRPC API directly (rather than shelling out to a CLI)
keeps image pulls, OCI spec generation, and task lifecycle in one typed
call path.

# Namespace

Every container this core creates lives in the "theorycore" containerd
namespace (DefaultNamespace), keeping it out of any other tenant's
containers on a shared host.

# Port publishing

containerd has no native "publish this container port on the host"
primitive. ContainerSpec.Ports are instead recorded as a
"com.theory.ports" label in the form "host:container/proto[,...]",
which a CNI portmap-capable network plugin reads to set up the actual
forwarding — the same convention containerd-based engines without a
built-in publish flag (nerdctl and friends) use.

# Lifecycle

EnsureRunning reuses a container already running under spec.ID,
recreating it if a stale non-running record is found. StopContainer
sends SIGTERM, waits up to a caller-supplied timeout, escalates to
SIGKILL, and deletes the task. DeleteContainer additionally removes the
container and its snapshot. ListByLabel drives `stop --ref` by finding
every container carrying a given label value; ListAllManaged drives
`stop --all`.

# Stderr capture

EnsureRunning wires each container's stderr to an in-memory buffer via
cio.NewCreator, keyed by container ID. StderrTail reads back up to N
trailing bytes of that buffer, which the Local Adapter attaches to an
ERR_HEALTH failure (SPEC_FULL.md §4.6: "the last ≤ 2 KiB of stderr is
captured").
*/
package runtime
