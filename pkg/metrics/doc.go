/*
Package metrics defines and registers this core's Prometheus metrics:
execution counts and durations for the Orchestrator's invoke() path,
fanout queue depth and drop counters for the Container Supervisor,
ledger append/reserve/settle counters, container start/health gauges
for the Local Adapter, and registry load/digest-mismatch counters.

Metrics are registered against the default Prometheus registry at
package init and exposed via Handler(), which `theoryctl serve` mounts
at /metrics when --metrics-addr is set: on the Supervisor's own
listener when it equals --addr, otherwise on a separate listener.
*/
package metrics
