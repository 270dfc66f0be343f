// Package metrics provides Prometheus metrics collection for smbzfs components.
//
// All metrics are optional - if not initialized, components use no-op implementations
// that have zero overhead. A single CLI invocation is short-lived, so instead of
// serving /metrics the collected samples are written to a node_exporter textfile
// when the process exits (see WriteTextfile).
//
// Usage:
//
//	// Initialize global registry (typically in main.go)
//	metrics.InitRegistry()
//
//	// Create metrics instances for components
//	cmdMetrics := metrics.NewCommandMetrics()
//	mgrMetrics := metrics.NewManagerMetrics()
//
//	// Or use nil for no-op behavior
//	runner := command.NewExecRunner(nil)
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// registry is the global Prometheus registry for all smbzfs metrics.
	// Protected by registryOnce for write-once, read-many pattern.
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry initializes the global Prometheus registry.
//
// This must be called before creating any metrics instances. It's safe to call
// multiple times - subsequent calls are ignored.
//
// If not called, GetRegistry() will return nil and all metrics constructors
// will return no-op implementations.
func InitRegistry() {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()
	})
}

// GetRegistry returns the global Prometheus registry, or nil when metrics
// are disabled.
func GetRegistry() *prometheus.Registry {
	return registry
}

// IsEnabled returns true if InitRegistry() has been called.
func IsEnabled() bool {
	return GetRegistry() != nil
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
