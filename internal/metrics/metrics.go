package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Chunk outcome label values.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeRequeued  = "requeued"
	OutcomeExhausted = "exhausted"
)

var (
	// HTTPRequestsTotal counts handled HTTP requests.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of http requests handled by the service.",
		},
		[]string{"path", "method", "code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method"},
	)

	ChunksDispatched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "export_chunks_dispatched_total",
			Help: "Chunks handed to a worker unit, requeues included.",
		},
	)

	ChunkOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "export_chunk_outcomes_total",
			Help: "Chunk results by outcome (succeeded, requeued, exhausted).",
		},
		[]string{"outcome"},
	)

	// JobsTotal counts finished jobs per record type and status (ok, failed).
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "export_jobs_total",
			Help: "Rendered or failed jobs by record type.",
		},
		[]string{"record_type", "status"},
	)

	ActiveUnits = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "export_active_units",
			Help: "Worker units currently running.",
		},
	)

	EngineLaunches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "export_engine_launches_total",
			Help: "Render engines created by leases.",
		},
	)

	// ItemAttempts counts render attempts by result (ok, retry, failed).
	ItemAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "export_item_attempts_total",
			Help: "Item render attempts by result.",
		},
		[]string{"result"},
	)

	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "export_runs_total",
			Help: "Export runs finished by the queue worker, by final status.",
		},
		[]string{"status"},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HTTP records request metrics. It satisfies middleware.RequestObserver.
type HTTP struct{}

func (HTTP) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	HTTPRequestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	HTTPRequestDuration.WithLabelValues(route, method).Observe(elapsed.Seconds())
}

// Scheduler records chunk lifecycle metrics. It satisfies scheduler.Observer.
type Scheduler struct{}

func (Scheduler) ChunkDispatched(_ string, _ int, active int) {
	ChunksDispatched.Inc()
	ActiveUnits.Set(float64(active))
}

func (Scheduler) ChunkSettled(_ string, outcome string, active int) {
	ChunkOutcomes.WithLabelValues(outcome).Inc()
	ActiveUnits.Set(float64(active))
}
