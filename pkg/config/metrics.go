package config

import (
	"github.com/marmos91/smbzfs/pkg/metrics"
)

// MetricsResult contains all metrics-related components created from configuration.
type MetricsResult struct {
	// TextfilePath receives the registry on exit (empty if disabled)
	TextfilePath string

	Command metrics.CommandMetrics
	Manager metrics.ManagerMetrics
}

// InitializeMetrics creates the collectors for one command invocation.
//
// If metrics are enabled the global Prometheus registry is initialized and
// Prometheus-backed collectors are returned; otherwise every collector is a
// no-op.
func InitializeMetrics(cfg *Config) *MetricsResult {
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
	}

	res := &MetricsResult{
		Command: metrics.NewCommandMetrics(),
		Manager: metrics.NewManagerMetrics(),
	}
	if cfg.Metrics.Enabled {
		res.TextfilePath = cfg.Metrics.TextfilePath
	}
	return res
}

// Flush writes the collected samples to the textfile, if configured.
func (r *MetricsResult) Flush() error {
	return metrics.WriteTextfile(r.TextfilePath)
}
