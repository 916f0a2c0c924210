package batch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for batch processing.
var (
	batchRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imei_batch_runs_total",
		Help: "Total number of batch runs by outcome",
	}, []string{"outcome"}) // "completed", "cancelled"

	batchChunksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imei_batch_chunks_total",
		Help: "Total number of processed chunks by outcome",
	}, []string{"outcome"}) // "ok", "failed"

	batchIdentifiersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imei_batch_identifiers_total",
		Help: "Total number of processed identifiers by bucket",
	}, []string{"bucket"}) // "successful", "duplicate", "failed"

	batchRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imei_batch_retries_total",
		Help: "Total number of chunk retry attempts by error class",
	}, []string{"error_class"})

	batchRetryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "imei_batch_retry_backoff_seconds",
		Help:    "Backoff duration before chunk retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	batchRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imei_batch_retry_exhausted_total",
		Help: "Total number of chunks that exhausted their retry budget by error class",
	}, []string{"error_class"})
)
