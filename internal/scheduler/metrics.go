package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldsync_scheduler_runs_started_total",
		Help: "Background runs dispatched, by queue.",
	}, []string{"queue"})

	runResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldsync_scheduler_run_results_total",
		Help: "Run outcomes, by queue and result.",
	}, []string{"queue", "result"})

	retriesScheduled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldsync_scheduler_retries_scheduled_total",
		Help: "Runs rescheduled under the backoff policy, by queue.",
	}, []string{"queue"})

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fieldsync_scheduler_queue_depth",
		Help: "Keys currently queued or running, by queue.",
	}, []string{"queue"})
)
