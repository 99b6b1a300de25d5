package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LifecycleTotal counts accept/keep/revert/extend calls by outcome
	LifecycleTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "listing_experiment_lifecycle_total",
		Help: "Experiment lifecycle operations by action and result",
	}, []string{"action", "result"})

	// EvaluationsTotal counts evaluations by recommended action
	EvaluationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "listing_experiment_evaluations_total",
		Help: "Experiment evaluations by recommended action",
	}, []string{"recommendation"})

	// ImagesReconciled counts archived and restored images during revert
	ImagesReconciled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "listing_experiment_images_reconciled_total",
		Help: "Images archived or restored while reconciling listings",
	}, []string{"operation"})

	// APIRequestsTotal counts marketplace API requests by method and status
	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "listing_api_requests_total",
		Help: "Marketplace API requests by method and status code",
	}, []string{"method", "status"})

	// APIRequestDuration tracks marketplace API latency
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "listing_api_request_duration_seconds",
		Help:    "Marketplace API request duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
	}, []string{"method"})

	// SweepRuns counts scheduled sweep runs by job and result
	SweepRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "listing_experiment_sweep_runs_total",
		Help: "Scheduled job runs by job and result",
	}, []string{"job", "result"})
)

// Result maps an error to the "ok"/"error" label value.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
