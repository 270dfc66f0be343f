package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CommandMetrics observes external command executions (zfs, useradd,
// smbpasswd, systemctl, ...).
type CommandMetrics interface {
	// RecordCommand records one finished command. program is argv[0].
	RecordCommand(program string, duration time.Duration, err error)
}

type commandMetrics struct {
	total    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewCommandMetrics returns Prometheus-backed CommandMetrics registered in
// the global registry, or a no-op implementation when metrics are disabled.
func NewCommandMetrics() CommandMetrics {
	if !IsEnabled() {
		return noopCommandMetrics{}
	}
	return NewCommandMetricsWith(GetRegistry())
}

// NewCommandMetricsWith registers the command collectors in reg.
func NewCommandMetricsWith(reg prometheus.Registerer) CommandMetrics {
	return &commandMetrics{
		total: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "smbzfs_command_executions_total",
				Help: "Total number of external command executions by program and status",
			},
			[]string{"program", "status"},
		),
		duration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "smbzfs_command_duration_seconds",
				Help: "Duration of external command executions in seconds",
				Buckets: []float64{
					0.005, // 5ms
					0.025, // 25ms
					0.1,   // 100ms
					0.5,   // 500ms
					1,     // 1s
					5,     // 5s
					30,    // 30s
					120,   // 2m
					600,   // 10m, zfs send/recv of large datasets
				},
			},
			[]string{"program"},
		),
	}
}

func (m *commandMetrics) RecordCommand(program string, duration time.Duration, err error) {
	m.total.WithLabelValues(program, status(err)).Inc()
	m.duration.WithLabelValues(program).Observe(duration.Seconds())
}

type noopCommandMetrics struct{}

func (noopCommandMetrics) RecordCommand(program string, duration time.Duration, err error) {}
