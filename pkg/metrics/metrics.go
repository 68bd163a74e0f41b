package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Orchestrator / invoke() metrics
	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "theorycore_executions_total",
			Help: "Total number of invoke() calls by ref and terminal status",
		},
		[]string{"ref", "status"},
	)

	ExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "theorycore_execution_duration_seconds",
			Help:    "Wall-clock duration of invoke() calls in seconds, by ref",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"ref"},
	)

	ExecutionsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "theorycore_executions_in_flight",
			Help: "Number of executions in flight: Invoke calls in progress, or supervisor Runs started and not yet finished",
		},
	)

	// Container Supervisor / fanout metrics
	FanoutQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "theorycore_fanout_queue_depth",
			Help: "Current depth of a Run's bounded event fanout queue",
		},
		[]string{"execution_id"},
	)

	TokensDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "theorycore_tokens_dropped_total",
			Help: "Total number of Token events dropped due to a full fanout queue",
		},
		[]string{"execution_id"},
	)

	ControlOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "theorycore_control_ops_total",
			Help: "Total number of control frames processed by op and result",
		},
		[]string{"op", "result"},
	)

	SubscribersGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "theorycore_run_subscribers",
			Help: "Current number of WebSocket subscribers attached to a Run",
		},
		[]string{"execution_id"},
	)

	// Ledger metrics
	LedgerAppendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "theorycore_ledger_append_duration_seconds",
			Help:    "Time taken to append and persist one ledger event in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	LedgerReserveTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "theorycore_ledger_reserve_total",
			Help: "Total number of ledger Reserve calls by result",
		},
		[]string{"result"},
	)

	LedgerSettleTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "theorycore_ledger_settle_total",
			Help: "Total number of ledger settle calls by outcome",
		},
		[]string{"outcome"},
	)

	// Local Adapter / container lifecycle metrics
	ContainerStartDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "theorycore_container_start_duration_seconds",
			Help:    "Time taken to start and health-gate a tool container in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ContainerHealthFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "theorycore_container_health_failures_total",
			Help: "Total number of tool containers that failed the start health gate",
		},
	)

	ContainersRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "theorycore_containers_running",
			Help: "Current number of tool containers managed by the Local Adapter",
		},
	)

	// Registry metrics
	RegistryLoadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "theorycore_registry_loads_total",
			Help: "Total number of ToolSpec registry loads by cache outcome",
		},
		[]string{"outcome"},
	)

	DigestMismatchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "theorycore_digest_mismatches_total",
			Help: "Total number of ERR_REGISTRY_MISMATCH supply-chain drift detections",
		},
	)

	// Worker metrics
	WorkerUploadRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "theorycore_worker_upload_retries_total",
			Help: "Total number of presigned PUT upload retries performed by the Worker",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ExecutionsTotal,
		ExecutionDuration,
		ExecutionsInFlight,
		FanoutQueueDepth,
		TokensDroppedTotal,
		ControlOpsTotal,
		SubscribersGauge,
		LedgerAppendDuration,
		LedgerReserveTotal,
		LedgerSettleTotal,
		ContainerStartDuration,
		ContainerHealthFailuresTotal,
		ContainersRunning,
		RegistryLoadsTotal,
		DigestMismatchesTotal,
		WorkerUploadRetriesTotal,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
