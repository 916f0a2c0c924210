// Package metrics provides the centralized Prometheus metrics registry for
// the batch engine. All metrics are defined in their respective packages
// (lookup, batch, checkpoint, reconcile) to maintain modularity and avoid
// circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the batch engine.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Lookup Client Metrics (pkg/lookup):
//   - imei_lookup_requests_total{action, status} (Counter): Service calls by action and HTTP status
//   - imei_lookup_request_duration_seconds{action} (Histogram): Service call duration by action
//   - imei_lookup_errors_total{class} (Counter): Errors by class (network, server, rejection)
//
// Batch Metrics (pkg/batch):
//   - imei_batch_runs_total{outcome} (Counter): Batch runs by outcome (completed, cancelled)
//   - imei_batch_chunks_total{outcome} (Counter): Processed chunks by outcome (ok, failed)
//   - imei_batch_identifiers_total{bucket} (Counter): Identifiers by bucket (successful, duplicate, failed)
//   - imei_batch_retries_total{error_class} (Counter): Chunk retry attempts by error class
//   - imei_batch_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - imei_batch_retry_exhausted_total{error_class} (Counter): Chunks that exhausted their retry budget
//
// Checkpoint Metrics (pkg/checkpoint):
//   - imei_checkpoint_writes_total{backend} (Counter): Snapshot writes by backend (file, redis)
//   - imei_checkpoint_loads_total{backend} (Counter): Snapshot loads by backend
//   - imei_checkpoint_errors_total{backend, operation} (Counter): Checkpoint operation errors
//
// Reconciliation Metrics (pkg/reconcile):
//   - imei_reconcile_cycles_total{outcome} (Counter): Cycles by outcome (ok, skipped, failed)
//   - imei_reconcile_updates_total (Counter): Work item updates applied
//   - imei_reconcile_outstanding_items (Gauge): Non-terminal items seen by the last cycle
//
// Example Prometheus Queries:
//
//   # Batch Failure Ratio
//   sum(rate(imei_batch_identifiers_total{bucket="failed"}[5m])) /
//   sum(rate(imei_batch_identifiers_total[5m]))
//
//   # Service Error Rate
//   rate(imei_lookup_errors_total[5m])
//
//   # P95 Service Call Latency
//   histogram_quantile(0.95, rate(imei_lookup_request_duration_seconds_bucket[5m]))
//
//   # Outstanding Backlog
//   imei_reconcile_outstanding_items
