package dispatch

import (
	"os"

	"github.com/prometheus/client_golang/prometheus"
)

func metricLabels() prometheus.Labels {
	service := os.Getenv("SERVICE_NAME")
	if service == "" {
		service = "opensubmit-web"
	}
	instance := os.Getenv("INSTANCE_ID")
	if instance == "" {
		instance, _ = os.Hostname()
	}
	return prometheus.Labels{"service": service, "instance": instance}
}

var reg = prometheus.WrapRegistererWith(metricLabels(), prometheus.DefaultRegisterer)

var (
	jobsIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_jobs_issued_total",
			Help: "Jobs leased to executors",
		},
		[]string{"action"},
	)

	reportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_reports_total",
			Help: "Executor reports by outcome",
		},
		[]string{"outcome"},
	)

	leasesReclaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_leases_reclaimed_total",
			Help: "Stale leases reclaimed by the timeout pass",
		},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch_request_duration_seconds",
			Help:    "HTTP request duration on the executor API",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "status"},
	)
)

// InitMetrics registers the dispatch metrics. Call once at startup.
func InitMetrics() {
	reg.MustRegister(jobsIssued)
	reg.MustRegister(reportsTotal)
	reg.MustRegister(leasesReclaimed)
	reg.MustRegister(requestDuration)
}
