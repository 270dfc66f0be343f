package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ManagerMetrics provides observability for reconciliation engine operations.
//
// This interface is optional - if not provided to the manager, operations
// proceed without metrics collection.
type ManagerMetrics interface {
	// RecordOperation records a completed engine operation.
	//
	// Parameters:
	//   - operation: Operation name (e.g., "create_user", "modify_share")
	//   - duration: Time taken to complete the operation
	//   - err: Error if operation failed, nil if successful
	RecordOperation(operation string, duration time.Duration, err error)

	// RecordRollback records a transaction rollback and how many undo steps
	// failed while unwinding.
	RecordRollback(operation string, failedSteps int)

	// RecordMigration records a dataset move between pools.
	RecordMigration(duration time.Duration, err error)
}

type managerMetrics struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	rollbacksTotal    *prometheus.CounterVec
	undoFailures      *prometheus.CounterVec
	migrationsTotal   *prometheus.CounterVec
	migrationDuration prometheus.Histogram
}

// NewManagerMetrics returns Prometheus-backed ManagerMetrics registered in
// the global registry, or a no-op implementation when metrics are disabled.
func NewManagerMetrics() ManagerMetrics {
	if !IsEnabled() {
		return noopManagerMetrics{}
	}
	return NewManagerMetricsWith(GetRegistry())
}

// NewManagerMetricsWith registers the engine collectors in reg.
func NewManagerMetricsWith(reg prometheus.Registerer) ManagerMetrics {
	return &managerMetrics{
		operationsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "smbzfs_operations_total",
				Help: "Total number of engine operations by operation and status",
			},
			[]string{"operation", "status"},
		),
		operationDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "smbzfs_operation_duration_seconds",
				Help:    "Duration of engine operations in seconds",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
			},
			[]string{"operation"},
		),
		rollbacksTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "smbzfs_rollbacks_total",
				Help: "Total number of transaction rollbacks by operation",
			},
			[]string{"operation"},
		),
		undoFailures: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "smbzfs_undo_step_failures_total",
				Help: "Total number of undo steps that failed during rollback",
			},
			[]string{"operation"},
		),
		migrationsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "smbzfs_dataset_migrations_total",
				Help: "Total number of dataset pool migrations by status",
			},
			[]string{"status"},
		),
		migrationDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "smbzfs_dataset_migration_duration_seconds",
				Help:    "Duration of dataset pool migrations in seconds",
				Buckets: prometheus.ExponentialBuckets(1, 4, 8),
			},
		),
	}
}

func (m *managerMetrics) RecordOperation(operation string, duration time.Duration, err error) {
	m.operationsTotal.WithLabelValues(operation, status(err)).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *managerMetrics) RecordRollback(operation string, failedSteps int) {
	m.rollbacksTotal.WithLabelValues(operation).Inc()
	if failedSteps > 0 {
		m.undoFailures.WithLabelValues(operation).Add(float64(failedSteps))
	}
}

func (m *managerMetrics) RecordMigration(duration time.Duration, err error) {
	m.migrationsTotal.WithLabelValues(status(err)).Inc()
	m.migrationDuration.Observe(duration.Seconds())
}

type noopManagerMetrics struct{}

func (noopManagerMetrics) RecordOperation(operation string, duration time.Duration, err error) {}
func (noopManagerMetrics) RecordRollback(operation string, failedSteps int)                   {}
func (noopManagerMetrics) RecordMigration(duration time.Duration, err error)                  {}
