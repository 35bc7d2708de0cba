package config

import (
	"github.com/marmos91/dittovcs/pkg/metrics"
	promMetrics "github.com/marmos91/dittovcs/pkg/metrics/prometheus"
)

// MetricsResult contains all metrics-related components created from configuration.
type MetricsResult struct {
	// Server is the HTTP endpoint exposing /metrics and /healthz (nil if disabled)
	Server *metrics.HTTPServer

	// ServerMetrics is the collector for the listener, mediums and verbs
	// (never nil, uses noop if disabled)
	ServerMetrics metrics.ServerMetrics

	// StorageMetrics is the collector for remote storage calls
	// (never nil, uses noop if disabled)
	StorageMetrics metrics.StorageMetrics
}

// InitializeMetrics creates and initializes all metrics components based on configuration.
//
// If metrics are enabled in the configuration:
//   - Initializes the global Prometheus registry
//   - Creates the /metrics and /healthz endpoint
//   - Creates Prometheus-backed metrics instances for all components
//
// If metrics are disabled:
//   - Returns nil server
//   - Returns no-op metrics implementations
func InitializeMetrics(cfg *Config) *MetricsResult {
	if !cfg.Metrics.Enabled {
		return &MetricsResult{
			ServerMetrics:  metrics.NewNoopServerMetrics(),
			StorageMetrics: metrics.NewNoopStorageMetrics(),
		}
	}

	metrics.InitRegistry()

	return &MetricsResult{
		Server: metrics.NewHTTPServer(metrics.HTTPConfig{
			Host: cfg.Metrics.Host,
			Port: cfg.Metrics.Port,
		}),
		ServerMetrics:  promMetrics.NewServerMetrics(),
		StorageMetrics: promMetrics.NewStorageMetrics(cfg.Storage.Type),
	}
}
