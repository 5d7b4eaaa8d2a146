package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Counters
	JobsSubmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sweep_jobs_submitted_total",
			Help: "Total number of render jobs submitted",
		},
		[]string{"outcome"}, // created, deduplicated
	)

	JobsCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sweep_jobs_completed_total",
			Help: "Total number of render attempts finished by workers",
		},
		[]string{"provider", "outcome"}, // completed, cached, failed
	)

	RetriesScheduledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sweep_retries_scheduled_total",
			Help: "Total number of automatic retries scheduled with backoff",
		},
	)

	TerminalFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sweep_terminal_failures_total",
			Help: "Total number of jobs that exhausted their attempts",
		},
	)

	ManualRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sweep_manual_retries_total",
			Help: "Total number of explicit retries of failed jobs",
		},
	)

	RecoveryEventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sweep_recovery_events_total",
			Help: "Total number of recovery events (stuck job recoveries)",
		},
	)

	ProviderPollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sweep_provider_polls_total",
			Help: "Total number of provider status polls",
		},
		[]string{"provider"},
	)

	// Gauges
	QueueLength = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sweep_queue_length",
			Help: "Current number of jobs per queue structure",
		},
		[]string{"queue"}, // ready, scheduled, active, failed
	)

	WorkersRegistered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sweep_workers_registered",
			Help: "Current number of workers with latency metrics",
		},
	)

	RunningJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sweep_running_jobs",
			Help: "Current number of jobs being rendered by this process",
		},
	)

	// Buckets: 100ms doubling to ~205s, covering the 120s polling ceiling.
	ProviderRequestSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sweep_provider_request_seconds",
			Help:    "Provider submit and status request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"provider", "call"}, // submit, poll, download
	)

	JobDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sweep_job_duration_seconds",
			Help:    "Render job execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15), // 10ms to ~163s
		},
		[]string{"provider"},
	)
)

// RecordQueueStats publishes a queue snapshot on the QueueLength gauges.
func RecordQueueStats(ready, scheduled, active, failed int64) {
	QueueLength.WithLabelValues("ready").Set(float64(ready))
	QueueLength.WithLabelValues("scheduled").Set(float64(scheduled))
	QueueLength.WithLabelValues("active").Set(float64(active))
	QueueLength.WithLabelValues("failed").Set(float64(failed))
}
