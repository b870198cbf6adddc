package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics complement the OTEL metrics exposed through ClueMetrics.
// The vectors below are registered with the default Prometheus registry for
// cleanup passes, Worker Engine dispatches and Monitor Engine stalls.
// ObserveCleanup is the only helper that records into any of them, and no
// engine in this module calls it or updates the other vectors.
var (
	// CleanupRunsTotal counts Retention & Archive cleanup passes by policy and
	// operation (archive, delete, emergency, critical).
	CleanupRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ashep_cleanup_runs_total",
		Help: "Total number of retention cleanup passes.",
	}, []string{"policy", "operation"})

	// CleanupRunsProcessed counts how many Run rows a cleanup pass considered.
	CleanupRunsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ashep_cleanup_runs_processed_total",
		Help: "Total number of runs evaluated by retention cleanup.",
	}, []string{"policy", "operation"})

	// CleanupBytesReclaimed sums bytes archived or deleted by cleanup passes.
	CleanupBytesReclaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ashep_cleanup_bytes_reclaimed_total",
		Help: "Total bytes archived or deleted by retention cleanup.",
	}, []string{"policy", "operation"})

	// CleanupDuration records how long a cleanup pass took.
	CleanupDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "ashep_cleanup_duration_seconds",
		Help: "Duration of retention cleanup passes.",
	}, []string{"policy", "operation"})

	// WorkerInFlightRuns gauges the number of phase dispatches currently
	// running against the configured concurrency cap.
	WorkerInFlightRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ashep_worker_in_flight_runs",
		Help: "Number of phase dispatches currently executing.",
	})

	// WorkerDispatchTotal counts dispatch attempts by terminal transition type.
	WorkerDispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ashep_worker_dispatch_total",
		Help: "Total phase dispatches by resulting transition type.",
	}, []string{"policy", "phase", "transition"})

	// MonitorStallsTotal counts stalls and timeouts the Monitor Engine detected.
	MonitorStallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ashep_monitor_stalls_total",
		Help: "Total stalled or timed-out runs detected by the monitor engine.",
	}, []string{"reason"})
)

// ObserveCleanup records a Cleanup Metric (spec.md Cleanup Metric entity) into
// the Prometheus vectors above.
func ObserveCleanup(policy, operation string, processed int, bytes int64, d time.Duration) {
	CleanupRunsTotal.WithLabelValues(policy, operation).Inc()
	CleanupRunsProcessed.WithLabelValues(policy, operation).Add(float64(processed))
	CleanupBytesReclaimed.WithLabelValues(policy, operation).Add(float64(bytes))
	CleanupDuration.WithLabelValues(policy, operation).Observe(d.Seconds())
}
