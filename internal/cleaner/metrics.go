package cleaner

import "github.com/prometheus/client_golang/prometheus"

var (
	jobsTimedOutTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quarry_cleaner_timed_out_total",
		Help: "Jobs moved to TIMEDOUT by the cleaner.",
	})

	jobsDeletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quarry_cleaner_deleted_total",
		Help: "Terminal job records removed after retention.",
	})

	scanErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quarry_cleaner_errors_total",
		Help: "Errors encountered by cleaner scans.",
	}, []string{"scan"})
)

func init() {
	prometheus.MustRegister(jobsTimedOutTotal, jobsDeletedTotal, scanErrorsTotal)
}
