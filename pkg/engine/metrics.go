package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// MatlensStageDuration tracks how long each rebuild stage takes
	MatlensStageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "matlens_stage_duration_seconds",
			Help:    "Duration of rebuild stages",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		},
		[]string{"stage"},
	)

	// MatlensChunksTotal counts id chunks processed per stage
	MatlensChunksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matlens_chunks_total",
			Help: "Total number of id chunks processed",
		},
		[]string{"stage"},
	)

	// MatlensRowsWrittenTotal counts rows written per output table
	MatlensRowsWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matlens_rows_written_total",
			Help: "Total number of rows written into output tables",
		},
		[]string{"table"},
	)

	// MatlensRebuildsTotal counts orchestrator runs by outcome
	MatlensRebuildsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matlens_rebuilds_total",
			Help: "Total number of rebuilds by outcome",
		},
		[]string{"outcome"},
	)

	// MatlensLastSuccess is the unix time of the last successful rebuild
	MatlensLastSuccess = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "matlens_last_success_timestamp_seconds",
			Help: "Unix time of the last successful rebuild",
		},
	)

	// MatlensUnusedMaterials is the size of the latest unused snapshot
	MatlensUnusedMaterials = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "matlens_unused_materials",
			Help: "Number of materials in the latest unused snapshot",
		},
	)

	// MatlensDuplicateGroups is the number of duplicate groups per key type
	MatlensDuplicateGroups = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "matlens_duplicate_groups",
			Help: "Number of duplicate groups per key type",
		},
		[]string{"key_type"},
	)

	// MatlensCacheRequestsTotal counts summary cache lookups by result
	MatlensCacheRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matlens_summary_cache_requests_total",
			Help: "Summary cache lookups by result",
		},
		[]string{"result"},
	)
)

func init() {
	// Register metrics with the default registry
	prometheus.MustRegister(MatlensStageDuration)
	prometheus.MustRegister(MatlensChunksTotal)
	prometheus.MustRegister(MatlensRowsWrittenTotal)
	prometheus.MustRegister(MatlensRebuildsTotal)
	prometheus.MustRegister(MatlensLastSuccess)
	prometheus.MustRegister(MatlensUnusedMaterials)
	prometheus.MustRegister(MatlensDuplicateGroups)
	prometheus.MustRegister(MatlensCacheRequestsTotal)
}
