package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dimlake_merger_build_info",
			Help: "Build information of the dimlake merger",
		},
		[]string{"version", "commit", "date"},
	)

	BatchesAppliedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dimlake_merger_batches_applied_total",
			Help: "Total number of batch applications by outcome",
		},
		[]string{"dimension", "status"},
	)

	BatchApplyDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dimlake_merger_batch_apply_duration_seconds",
			Help:    "Duration of batch applications, from current state read to commit",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms to ~41s
		},
		[]string{"dimension"},
	)

	EntitiesClassifiedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dimlake_merger_entities_classified_total",
			Help: "Total number of entities classified per change class",
		},
		[]string{"dimension", "class"},
	)

	LastAppliedBatchTimestamp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dimlake_merger_last_applied_batch_timestamp_seconds",
			Help: "Batch timestamp of the most recently applied batch",
		},
		[]string{"dimension"},
	)

	RunnerRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dimlake_merger_runner_refresh_total",
			Help: "Total number of runner refresh cycles",
		},
		[]string{"dimension", "status"},
	)

	RunnerRefreshDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dimlake_merger_runner_refresh_duration_seconds",
			Help:    "Duration of runner refresh cycles",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~410s (~6.8 minutes)
		},
		[]string{"dimension"},
	)

	RunnerPendingBatches = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dimlake_merger_runner_pending_batches",
			Help: "Number of listed batches not yet applied",
		},
		[]string{"dimension"},
	)

	MirrorPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dimlake_merger_mirror_publish_total",
			Help: "Total number of history mirror publishes",
		},
		[]string{"dimension", "status"},
	)
)
