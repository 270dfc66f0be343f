package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// StoreMetrics observes state store persistence (load, save, lock).
type StoreMetrics interface {
	RecordStorageOperation(operation string, duration time.Duration, err error)
}

type storeMetrics struct {
	storeType string
	total     *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

// NewStoreMetrics creates StoreMetrics labelled with storeType ("json",
// "badger", "memory"). Returns a no-op implementation when metrics are
// disabled.
func NewStoreMetrics(storeType string) StoreMetrics {
	if !IsEnabled() {
		return noopStoreMetrics{}
	}
	return NewStoreMetricsWith(GetRegistry(), storeType)
}

// NewStoreMetricsWith registers the store collectors in reg.
func NewStoreMetricsWith(reg prometheus.Registerer, storeType string) StoreMetrics {
	return &storeMetrics{
		storeType: storeType,
		total: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "smbzfs_state_storage_operations_total",
				Help: "Total number of state storage operations (load, save, lock)",
			},
			[]string{"store_type", "operation", "status"},
		),
		duration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "smbzfs_state_storage_operation_duration_seconds",
				Help: "Duration of state storage operations in seconds",
				Buckets: []float64{
					0.0001, // 100µs
					0.001,  // 1ms
					0.01,   // 10ms
					0.1,    // 100ms
					1.0,    // 1s
				},
			},
			[]string{"store_type", "operation"},
		),
	}
}

func (m *storeMetrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.total.WithLabelValues(m.storeType, operation, status(err)).Inc()
	m.duration.WithLabelValues(m.storeType, operation).Observe(duration.Seconds())
}

type noopStoreMetrics struct{}

func (noopStoreMetrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
}
