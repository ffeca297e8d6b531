package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rentjobs_job_runs_total",
		Help: "Job invocations by outcome",
	}, []string{"job", "outcome"})
	JobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rentjobs_job_duration_seconds",
		Help:    "Job execution time",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800},
	}, []string{"job"})
	JobRecords = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rentjobs_job_records_total",
		Help: "Records handled by jobs",
	}, []string{"job", "result"})
	JobRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rentjobs_job_retries_total",
		Help: "Retries scheduled after a failed run",
	}, []string{"job"})
	RunningJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rentjobs_running_jobs",
		Help: "Jobs currently executing",
	})
	BufferedLogs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rentjobs_buffered_execution_logs",
		Help: "Execution logs waiting to be persisted",
	})
	HealthStatus = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rentjobs_health_status",
		Help: "Last health check result (0 healthy, 1 warning, 2 critical)",
	})
	QueueBacklog = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rentjobs_queue_backlog",
		Help: "Undelivered and unacknowledged triggers per queue",
	}, []string{"queue"})
	AlertsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rentjobs_alerts_sent_total",
		Help: "Health alerts delivered",
	}, []string{"severity"})
	AlertsSuppressed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rentjobs_alerts_suppressed_total",
		Help: "Health alerts dropped by the rate limiter",
	}, []string{"severity"})
	EmailsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rentjobs_emails_total",
		Help: "Emails dispatched by outcome",
	}, []string{"outcome"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobRuns,
			JobDuration,
			JobRecords,
			JobRetries,
			RunningJobs,
			BufferedLogs,
			HealthStatus,
			QueueBacklog,
			AlertsSent,
			AlertsSuppressed,
			EmailsSent,
		)
	})
	return promhttp.Handler()
}
