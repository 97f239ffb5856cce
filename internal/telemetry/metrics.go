package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "logq_jobs_enqueued_total", Help: "Jobs admitted to the queue"})
	DuplicateCounter = prometheus.NewCounter(prometheus.CounterOpts{Name: "logq_jobs_duplicate_total", Help: "Submissions that matched an existing job"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "logq_upload_rate_limit_rejects_total", Help: "Uploads rejected by the per-user rate limiter"})
	WorkerSuccess    = prometheus.NewCounter(prometheus.CounterOpts{Name: "logq_jobs_completed_total", Help: "Jobs completed successfully"})
	WorkerRetries    = prometheus.NewCounter(prometheus.CounterOpts{Name: "logq_jobs_retried_total", Help: "Failed attempts that will be retried"})
	WorkerExhausted  = prometheus.NewCounter(prometheus.CounterOpts{Name: "logq_jobs_exhausted_total", Help: "Jobs that failed on their final attempt"})
	StalledRequeued  = prometheus.NewCounter(prometheus.CounterOpts{Name: "logq_jobs_stalled_requeued_total", Help: "Expired leases returned to the waiting set"})
	StalledFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "logq_jobs_stalled_failed_total", Help: "Jobs failed after stalling too many times"})
	LeaseLost        = prometheus.NewCounter(prometheus.CounterOpts{Name: "logq_attempts_lease_lost_total", Help: "Attempts abandoned after another worker took over the job"})
	LinesProcessed   = prometheus.NewCounter(prometheus.CounterOpts{Name: "logq_lines_processed_total", Help: "Log lines read by workers"})
	EventFailures    = prometheus.NewCounter(prometheus.CounterOpts{Name: "logq_event_publish_failures_total", Help: "Events the push channel failed to deliver"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "logq_queue_waiting", Help: "Waiting and delayed jobs"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "logq_jobs_inflight", Help: "Attempts currently running in this worker"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			DuplicateCounter,
			RateLimitRejects,
			WorkerSuccess,
			WorkerRetries,
			WorkerExhausted,
			StalledRequeued,
			StalledFailed,
			LeaseLost,
			LinesProcessed,
			EventFailures,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
