package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	jobsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_jobs_submitted_total",
			Help: "Total number of jobs accepted by the executor.",
		},
		[]string{"kind"},
	)

	jobsRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_jobs_rejected_total",
			Help: "Total number of jobs failed because the execute queue was full.",
		},
		[]string{"kind"},
	)

	jobsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_jobs_finished_total",
			Help: "Total number of jobs that reached a terminal status through the executor.",
		},
		[]string{"kind", "status"},
	)

	jobsRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "quarry_jobs_running",
		Help: "Number of jobs currently executing.",
	})

	executeQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "quarry_execute_queue_depth",
		Help: "Number of jobs waiting for an execute worker.",
	})

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quarry_job_duration_seconds",
			Help:    "Job execution time in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(jobsSubmittedTotal)
	prometheus.MustRegister(jobsRejectedTotal)
	prometheus.MustRegister(jobsFinishedTotal)
	prometheus.MustRegister(jobsRunning)
	prometheus.MustRegister(executeQueueDepth)
	prometheus.MustRegister(jobDuration)
}
