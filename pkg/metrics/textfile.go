package metrics

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
)

// WriteTextfile dumps the global registry in the Prometheus text format to
// path, suitable for node_exporter's textfile collector. It is a no-op when
// metrics are disabled or path is empty.
func WriteTextfile(path string) error {
	if !IsEnabled() || path == "" {
		return nil
	}
	return WriteTextfileFrom(GetRegistry(), path)
}

// WriteTextfileFrom writes the samples gathered from g to path.
func WriteTextfileFrom(g prometheus.Gatherer, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, g); err != nil {
		return fmt.Errorf("failed to write metrics textfile %s: %w", path, err)
	}
	return nil
}
