package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsSubmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lattice_jobs_submitted_total",
			Help: "Total number of jobs submitted to the manager",
		},
	)

	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lattice_jobs_total",
			Help: "Current number of jobs by status",
		},
		[]string{"status"},
	)

	JobsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lattice_jobs_finished_total",
			Help: "Total number of jobs that reached a terminal status, by status and function",
		},
		[]string{"status", "function"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lattice_job_duration_seconds",
			Help:    "Wall time from RUNNING to terminal status, by function",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"function"},
	)

	CacheProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lattice_cache_probes_total",
			Help: "Total number of cache probes by result (hit, miss, in_flight)",
		},
		[]string{"result"},
	)

	HandlerDispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lattice_handler_dispatch_total",
			Help: "Total number of jobs offered to each handler",
		},
		[]string{"handler"},
	)

	HandlerAtCapacityTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lattice_handler_at_capacity_total",
			Help: "Total number of Accept calls rejected with ErrAtCapacity",
		},
		[]string{"handler"},
	)

	TickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lattice_manager_tick_duration_seconds",
			Help:    "Time taken to run one manager tick",
			Buckets: prometheus.DefBuckets,
		},
	)

	ComputeResourceCapacity = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lattice_compute_resource_capacity",
			Help: "Compute-resource daemon capacity, total and in use",
		},
		[]string{"compute_resource_id", "state"},
	)

	BlobStoreOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lattice_blob_store_operations_total",
			Help: "Total number of blob store operations by kind and outcome",
		},
		[]string{"operation", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(JobsSubmittedTotal)
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(JobsFinishedTotal)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(CacheProbesTotal)
	prometheus.MustRegister(HandlerDispatchTotal)
	prometheus.MustRegister(HandlerAtCapacityTotal)
	prometheus.MustRegister(TickDuration)
	prometheus.MustRegister(ComputeResourceCapacity)
	prometheus.MustRegister(BlobStoreOperationsTotal)
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
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
