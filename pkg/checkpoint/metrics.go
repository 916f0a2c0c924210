package checkpoint

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SnapshotWrites tracks checkpoint saves by backend (file, redis)
	SnapshotWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imei_checkpoint_writes_total",
			Help: "Total number of checkpoint snapshots written",
		},
		[]string{"backend"},
	)

	// SnapshotLoads tracks checkpoint loads that found a snapshot
	SnapshotLoads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imei_checkpoint_loads_total",
			Help: "Total number of checkpoint snapshots loaded",
		},
		[]string{"backend"},
	)

	// SnapshotErrors tracks checkpoint operation errors
	SnapshotErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imei_checkpoint_errors_total",
			Help: "Total number of checkpoint operation errors",
		},
		[]string{"backend", "operation"}, // "save", "load", "delete"
	)
)
