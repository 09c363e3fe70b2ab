package telemetry

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics Definitions
var (
	// 1. Worker lifecycle
	ActiveWorkers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskforge_active_workers",
		Help: "Number of currently alive workers.",
	}, []string{"feature"})
	WorkerSpawnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskforge_worker_spawns_total",
		Help: "Total worker spawn attempts, by outcome.",
	}, []string{"feature", "outcome"})
	WorkerRespawnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskforge_worker_respawns_total",
		Help: "Total worker respawns after a crash.",
	}, []string{"feature"})
	WorkerStalledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskforge_worker_stalled_total",
		Help: "Number of times a worker was reclaimed for a stale heartbeat.",
	}, []string{"feature"})
	WorkerCrashedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskforge_worker_crashed_total",
		Help: "Number of worker crash exits observed.",
	}, []string{"feature"})

	// 2. Task scheduling
	TasksPending = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskforge_tasks_pending",
		Help: "Number of tasks not yet claimed at the current level.",
	}, []string{"feature"})
	TasksCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskforge_tasks_completed_total",
		Help: "Total completed tasks.",
	}, []string{"feature"})
	TasksFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskforge_tasks_failed_total",
		Help: "Total failed tasks.",
	}, []string{"feature"})
	TaskDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taskforge_task_duration_seconds",
		Help:    "Time from claim to report for a task.",
		Buckets: prometheus.DefBuckets,
	}, []string{"feature"})
	OrchestratorLoopsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskforge_orchestrator_loops_total",
		Help: "Number of poll-loop iterations.",
	}, []string{"feature"})
	CircuitBreakerOpenTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskforge_circuit_breaker_open_total",
		Help: "Number of times the spawn circuit breaker tripped open.",
	}, []string{"feature"})

	// 3. Merge outcomes
	MergeAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskforge_merge_attempts_total",
		Help: "Total level-merge attempts, by outcome.",
	}, []string{"feature", "outcome"})
	MergeConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskforge_merge_conflicts_total",
		Help: "Total merge conflicts encountered during level merges.",
	}, []string{"feature"})
	GateFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskforge_gate_failures_total",
		Help: "Total quality gate failures, by gate name.",
	}, []string{"feature", "gate"})

	// 4. System reliability
	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskforge_errors_total",
		Help: "Total internal errors by kind.",
	}, []string{"feature", "kind"})
	ContainerOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskforge_container_ops_total",
		Help: "Total container backend operations.",
	}, []string{"feature"})
	ContainerErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskforge_container_errors_total",
		Help: "Container backend operation failures.",
	}, []string{"feature"})
	UptimeSeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskforge_run_uptime_seconds",
		Help: "Orchestrator invocation duration in seconds.",
	}, []string{"feature"})
)

var (
	metricsOnce    sync.Once
	metricsMu      sync.Mutex
	metricsRunning bool
)

// StartMetricsServer starts a HTTP server exposing Prometheus metrics.
// It attempts to bind to the given port. If the port is in use, it will
// try the following ports, 10 ports in all (basePort through basePort+9),
// before giving up.
func StartMetricsServer(basePort int) error {
	metricsMu.Lock()
	if metricsRunning {
		metricsMu.Unlock()
		return nil // Already running
	}
	metricsRunning = true
	metricsMu.Unlock()

	metricsOnce.Do(func() {
		http.Handle("/metrics", promhttp.Handler())
	})

	var listener net.Listener
	var err error

	// Try up to 10 ports
	for i := 0; i < 10; i++ {
		port := basePort + i
		addr := ":" + strconv.Itoa(port)
		listener, err = net.Listen("tcp", addr)
		if err == nil {
			fmt.Fprintf(os.Stderr, "Starting metrics server on %s\n", addr)
			return http.Serve(listener, nil)
		}
	}

	metricsMu.Lock()
	metricsRunning = false
	metricsMu.Unlock()
	return fmt.Errorf("failed to find available port starting from %d: %w", basePort, err)
}

// API Helper Functions

func SetActiveWorkers(feature string, count int) {
	ActiveWorkers.WithLabelValues(feature).Set(float64(count))
}

func TrackWorkerSpawn(feature, outcome string) {
	WorkerSpawnsTotal.WithLabelValues(feature, outcome).Inc()
}

func TrackWorkerRespawn(feature string) {
	WorkerRespawnsTotal.WithLabelValues(feature).Inc()
}

func TrackWorkerStalled(feature string) {
	WorkerStalledTotal.WithLabelValues(feature).Inc()
}

func TrackWorkerCrashed(feature string) {
	WorkerCrashedTotal.WithLabelValues(feature).Inc()
}

func SetTasksPending(feature string, count int) {
	TasksPending.WithLabelValues(feature).Set(float64(count))
}

func TrackTaskCompleted(feature string) {
	TasksCompletedTotal.WithLabelValues(feature).Inc()
}

func TrackTaskFailed(feature string) {
	TasksFailedTotal.WithLabelValues(feature).Inc()
}

func ObserveTaskDuration(feature string, seconds float64) {
	TaskDurationSeconds.WithLabelValues(feature).Observe(seconds)
}

func TrackOrchestratorLoop(feature string) {
	OrchestratorLoopsTotal.WithLabelValues(feature).Inc()
}

func TrackCircuitBreakerOpen(feature string) {
	CircuitBreakerOpenTotal.WithLabelValues(feature).Inc()
}

func TrackMergeAttempt(feature, outcome string) {
	MergeAttemptsTotal.WithLabelValues(feature, outcome).Inc()
}

func TrackMergeConflict(feature string) {
	MergeConflictsTotal.WithLabelValues(feature).Inc()
}

func TrackGateFailure(feature, gate string) {
	GateFailuresTotal.WithLabelValues(feature, gate).Inc()
}

func TrackError(feature, kind string) {
	ErrorsTotal.WithLabelValues(feature, kind).Inc()
}

func TrackContainerOp(feature string) {
	ContainerOpsTotal.WithLabelValues(feature).Inc()
}

func TrackContainerError(feature string) {
	ContainerErrorsTotal.WithLabelValues(feature).Inc()
}

func SetUptime(feature string, seconds float64) {
	UptimeSeconds.WithLabelValues(feature).Set(seconds)
}
