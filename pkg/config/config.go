// Package config loads the dittovcs server configuration and builds the
// components it describes.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/marmos91/dittovcs/internal/ratelimiter"
	"github.com/spf13/viper"
)

// Config represents the complete dittovcs configuration.
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (DITTOVCS_*)
//  3. Configuration file (YAML or TOML)
//  4. Default values (lowest priority)
//
// Backend Configuration Pattern:
// Storage and lock backends are selected by a Type field; each backend's
// options live in a map under its own key and are decoded by the factory
// that builds it. Only the section matching the selected type is used.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging" json:"logging"`

	// Server controls what is served and how connections behave
	Server ServerConfig `mapstructure:"server" yaml:"server" json:"server"`

	// Listen controls how clients reach the server
	Listen ListenConfig `mapstructure:"listen" yaml:"listen" json:"listen"`

	// Storage selects the backing transport
	Storage StorageConfig `mapstructure:"storage" yaml:"storage" json:"storage"`

	// Locks selects the branch lock store
	Locks LocksConfig `mapstructure:"locks" yaml:"locks" json:"locks"`

	// Metrics controls the Prometheus endpoint
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics" json:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" yaml:"level" json:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" yaml:"format" json:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	// stdout cannot be used together with listen.inet
	Output string `mapstructure:"output" yaml:"output" json:"output" validate:"required"`
}

// ServerConfig controls what is served and per-connection behavior.
type ServerConfig struct {
	// Directory is the subtree of the backing storage exposed to clients
	Directory string `mapstructure:"directory" yaml:"directory" json:"directory" validate:"required,startswith=/"`

	// ClientRoot is the client-visible path of Directory
	ClientRoot string `mapstructure:"client_root" yaml:"client_root" json:"client_root" validate:"required,startswith=/"`

	// AllowWrites permits mutating verbs; the default serves read-only
	AllowWrites bool `mapstructure:"allow_writes" yaml:"allow_writes" json:"allow_writes"`

	// ExpandUser enables "~" and "~name" paths
	ExpandUser bool `mapstructure:"expand_user" yaml:"expand_user" json:"expand_user"`

	// Homes maps user names to home directories for ExpandUser.
	// Empty uses the host user database.
	Homes map[string]string `mapstructure:"homes" yaml:"homes,omitempty" json:"homes,omitempty"`

	// HomeRoot is the host directory corresponding to Directory.
	// Defaults to the local storage path joined with Directory.
	HomeRoot string `mapstructure:"home_root" yaml:"home_root,omitempty" json:"home_root,omitempty"`

	// IdleTimeout closes connections that send nothing for this long
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout" json:"idle_timeout" validate:"gte=0"`

	// WriteTimeout bounds writing one response
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" json:"write_timeout" validate:"gte=0"`

	// GracefulDeadline force-closes connections still busy this long after a
	// graceful stop began. 0 waits for in-flight requests without bound.
	GracefulDeadline time.Duration `mapstructure:"graceful_deadline" yaml:"graceful_deadline" json:"graceful_deadline" validate:"gte=0"`

	// GracefulLogInterval is how often a graceful stop reports the clients
	// it is still waiting for
	GracefulLogInterval time.Duration `mapstructure:"graceful_log_interval" yaml:"graceful_log_interval" json:"graceful_log_interval" validate:"gte=0"`

	// RateLimit throttles requests per connection
	RateLimit ratelimiter.Config `mapstructure:"rate_limit" yaml:"rate_limit" json:"rate_limit"`
}

// ListenConfig controls how clients reach the server.
type ListenConfig struct {
	// Inet serves a single client over stdin/stdout instead of listening
	Inet bool `mapstructure:"inet" yaml:"inet" json:"inet"`

	// Host is the interface to bind
	Host string `mapstructure:"host" yaml:"host" json:"host" validate:"required"`

	// Port is the TCP port to bind (0 picks an ephemeral port)
	Port int `mapstructure:"port" yaml:"port" json:"port" validate:"gte=0,lte=65535"`

	// MaxConnections limits concurrent connections (0 = unlimited)
	MaxConnections int `mapstructure:"max_connections" yaml:"max_connections" json:"max_connections" validate:"gte=0"`

	// AcceptPollInterval bounds one accept call so stop requests are noticed
	AcceptPollInterval time.Duration `mapstructure:"accept_poll_interval" yaml:"accept_poll_interval" json:"accept_poll_interval" validate:"gte=0"`

	// MetricsLogInterval is how often the active connection count is logged
	// (0 = disabled)
	MetricsLogInterval time.Duration `mapstructure:"metrics_log_interval" yaml:"metrics_log_interval" json:"metrics_log_interval" validate:"gte=0"`
}

// StorageConfig specifies the backing transport.
type StorageConfig struct {
	// Type specifies which transport implementation to use
	// Valid values: local, memory, s3
	Type string `mapstructure:"type" yaml:"type" json:"type" validate:"required,oneof=local memory s3"`

	// Local contains local-directory configuration
	// Only used when Type = "local"
	Local map[string]any `mapstructure:"local" yaml:"local,omitempty" json:"local,omitempty"`

	// S3 contains S3-specific configuration
	// Only used when Type = "s3"
	S3 map[string]any `mapstructure:"s3" yaml:"s3,omitempty" json:"s3,omitempty"`
}

// LocksConfig specifies the branch lock store.
type LocksConfig struct {
	// Type specifies which lock backend to use
	// Valid values: memory, badger
	Type string `mapstructure:"type" yaml:"type" json:"type" validate:"required,oneof=memory badger"`

	// Badger contains BadgerDB-specific configuration
	// Only used when Type = "badger"
	Badger map[string]any `mapstructure:"badger" yaml:"badger,omitempty" json:"badger,omitempty"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Enabled turns on metrics collection and the HTTP endpoint
	Enabled bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`

	// Host is the interface the endpoint binds (empty = all)
	Host string `mapstructure:"host" yaml:"host,omitempty" json:"host,omitempty"`

	// Port is the HTTP port of the endpoint
	Port int `mapstructure:"port" yaml:"port" json:"port" validate:"gte=0,lte=65535"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (DITTOVCS_*)
//  2. Configuration file
//  3. Default values
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// envKeys are bound explicitly so environment variables apply even when
// the key is absent from the configuration file.
var envKeys = []string{
	"logging.level", "logging.format", "logging.output",
	"server.directory", "server.client_root", "server.allow_writes", "server.expand_user",
	"server.idle_timeout", "server.write_timeout", "server.graceful_deadline",
	"listen.inet", "listen.host", "listen.port", "listen.max_connections",
	"storage.type", "locks.type",
	"metrics.enabled", "metrics.port",
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Example: DITTOVCS_LISTEN_PORT=4155
	v.SetEnvPrefix("DITTOVCS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// $XDG_CONFIG_HOME/dittovcs/config.{yaml,toml}
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists. A missing file
// is not an error: defaults and environment variables still apply.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to the
// current directory if the home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "dittovcs")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "dittovcs")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// ConfigExists checks if a config file exists at the default location.
func ConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path.
func GetConfigDir() string {
	return getConfigDir()
}
