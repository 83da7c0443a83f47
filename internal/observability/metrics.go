package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"type"},
	)
	JobsClaimedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_claimed_total",
			Help: "Total number of jobs claimed by workers",
		},
		[]string{"type", "queue_key"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed",
		},
		[]string{"type", "status"},
	)
	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Job handling duration in seconds",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600, 7200, 18000},
		},
		[]string{"type"},
	)

	TrialsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trials_finished_total",
			Help: "Total number of trial attempts reaching a decision",
		},
		[]string{"status"},
	)
	TrialRewardHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "trial_reward",
			Help:    "Distribution of trial rewards",
			Buckets: []float64{0, 1},
		},
	)

	SlotAcquisitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slot_acquisitions_total",
			Help: "Slot lease attempts by outcome",
		},
		[]string{"queue_key", "outcome"},
	)
	SlotsSweptTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "slots_swept_total",
			Help: "Total number of expired slot leases released by the dispatcher",
		},
	)

	WorkersSpawnedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workers_spawned_total",
			Help: "Total number of one-shot workers spawned",
		},
		[]string{"queue_key"},
	)
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Queued jobs per queue key at the last dispatch tick",
		},
		[]string{"queue_key"},
	)

	AIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_requests_total",
			Help: "Total number of AI requests by operation",
		},
		[]string{"operation"},
	)
	AIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ai_request_duration_seconds",
			Help:    "AI request duration in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"operation"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsClaimedTotal)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(TrialsFinishedTotal)
	prometheus.MustRegister(TrialRewardHistogram)
	prometheus.MustRegister(SlotAcquisitionsTotal)
	prometheus.MustRegister(SlotsSweptTotal)
	prometheus.MustRegister(WorkersSpawnedTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(AIRequestsTotal)
	prometheus.MustRegister(AIRequestDuration)
}
