package config

import (
	"strings"
	"time"
)

// DefaultPort is the TCP port a smart server listens on unless configured.
const DefaultPort = 4155

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// Default Strategy:
//   - Zero values (0, "", nil) are replaced with defaults
//   - Explicit values are preserved
//   - Backend-specific defaults are filled in for every backend so that a
//     generated sample config documents all of them
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyListenDefaults(&cfg.Listen)
	applyStorageDefaults(&cfg.Storage)
	applyLocksDefaults(&cfg.Locks)
	applyMetricsDefaults(&cfg.Metrics)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
//
// Logs go to stderr by default: in inet mode stdout carries the protocol.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stderr"
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Directory == "" {
		cfg.Directory = "/"
	}
	if cfg.ClientRoot == "" {
		cfg.ClientRoot = "/"
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.GracefulLogInterval == 0 {
		cfg.GracefulLogInterval = 5 * time.Second
	}
	// GracefulDeadline stays 0: a graceful stop waits for in-flight requests.
}

func applyListenDefaults(cfg *ListenConfig) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.AcceptPollInterval == 0 {
		cfg.AcceptPollInterval = time.Second
	}
	if cfg.MetricsLogInterval == 0 {
		cfg.MetricsLogInterval = 5 * time.Minute
	}
}

func applyStorageDefaults(cfg *StorageConfig) {
	if cfg.Type == "" {
		cfg.Type = "local"
	}

	if cfg.Local == nil {
		cfg.Local = make(map[string]any)
	}
	if _, ok := cfg.Local["path"]; !ok {
		cfg.Local["path"] = "/tmp/dittovcs"
	}
	if _, ok := cfg.Local["create_dir"]; !ok {
		cfg.Local["create_dir"] = true
	}
}

func applyLocksDefaults(cfg *LocksConfig) {
	if cfg.Type == "" {
		cfg.Type = "memory"
	}

	if cfg.Badger == nil {
		cfg.Badger = make(map[string]any)
	}
	if _, ok := cfg.Badger["db_path"]; !ok {
		cfg.Badger["db_path"] = "/tmp/dittovcs-locks"
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Port == 0 {
		cfg.Port = 9090
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	cfg := &Config{
		Storage: StorageConfig{
			S3: map[string]any{
				"bucket":     "dittovcs",
				"region":     "us-east-1",
				"key_prefix": "repos/",
			},
		},
	}
	ApplyDefaults(cfg)
	return cfg
}
