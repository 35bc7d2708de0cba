package config

import (
	"context"
	"fmt"
	"path"
	"path/filepath"

	"github.com/marmos91/dittovcs/internal/logger"
	"github.com/marmos91/dittovcs/pkg/metrics"
	"github.com/marmos91/dittovcs/pkg/serve"
	"github.com/marmos91/dittovcs/pkg/server"
	"github.com/marmos91/dittovcs/pkg/smart/medium"
	"github.com/marmos91/dittovcs/pkg/storage"
	"github.com/marmos91/dittovcs/pkg/storage/chroot"
	"github.com/marmos91/dittovcs/pkg/storage/lock"
	storageS3 "github.com/marmos91/dittovcs/pkg/storage/s3"
	"github.com/marmos91/dittovcs/pkg/storage/vfs"
	"github.com/mitchellh/mapstructure"
)

// decodeOptions decodes a backend option map into out and validates it.
func decodeOptions(options map[string]any, out any, what string) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := decoder.Decode(options); err != nil {
		return fmt.Errorf("failed to decode %s config: %w", what, err)
	}
	if err := validate.Struct(out); err != nil {
		return fmt.Errorf("%s: %w", what, formatValidationError(err))
	}
	return nil
}

// CreateTransport creates the backing transport selected by cfg.Type.
//
// Supported types:
//   - "local": a host directory (pkg/storage/vfs)
//   - "memory": an in-memory tree, lost on exit (pkg/storage/vfs)
//   - "s3": Amazon S3 or a compatible service (pkg/storage/s3)
//
// storageMetrics may be nil.
func CreateTransport(ctx context.Context, cfg *StorageConfig, storageMetrics metrics.StorageMetrics) (storage.Transport, error) {
	switch cfg.Type {
	case "local":
		var localCfg vfs.Config
		if err := decodeOptions(cfg.Local, &localCfg, "local storage"); err != nil {
			return nil, err
		}
		t, err := vfs.NewLocal(localCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create local transport: %w", err)
		}
		logger.Info("Local storage initialized: path=%s", localCfg.Path)
		return t, nil

	case "memory":
		logger.Warn("Memory storage selected: repositories are lost when the server exits")
		return vfs.NewMemory(), nil

	case "s3":
		var s3Cfg storageS3.Config
		if err := decodeOptions(cfg.S3, &s3Cfg, "S3 storage"); err != nil {
			return nil, err
		}
		t, err := storageS3.Open(ctx, s3Cfg, storageS3.WithMetrics(storageMetrics))
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 transport: %w", err)
		}
		logger.Info("S3 storage initialized: bucket=%s, region=%s, prefix=%s",
			s3Cfg.Bucket, s3Cfg.Region, s3Cfg.KeyPrefix)
		return t, nil

	default:
		return nil, fmt.Errorf("unknown storage type: %q", cfg.Type)
	}
}

// CreateLockStore creates the branch lock store selected by cfg.Type.
//
// Supported types:
//   - "memory": locks live as long as the process
//   - "badger": locks persist in BadgerDB and survive restarts
func CreateLockStore(cfg *LocksConfig) (*lock.Store, error) {
	switch cfg.Type {
	case "memory":
		return lock.New(lock.NewMemoryBackend()), nil

	case "badger":
		var badgerCfg lock.BadgerConfig
		if err := decodeOptions(cfg.Badger, &badgerCfg, "badger lock store"); err != nil {
			return nil, err
		}
		backend, err := lock.NewBadgerBackend(badgerCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create badger lock store: %w", err)
		}
		logger.Info("Badger lock store initialized: path=%s", badgerCfg.DBPath)
		return lock.New(backend), nil

	default:
		return nil, fmt.Errorf("unknown lock store type: %q", cfg.Type)
	}
}

// ServeOptions translates the configuration into serve.Options for the given
// backing transport and lock store.
func ServeOptions(cfg *Config, backing storage.Transport, locks *lock.Store, m *MetricsResult) serve.Options {
	mode := serve.ModeSocket
	if cfg.Listen.Inet {
		mode = serve.ModePipe
	}

	opts := serve.Options{
		Mode:      mode,
		Transport: backing,
		TransportOptions: serve.TransportOptions{
			Root:        cfg.Server.Directory,
			ExpandUser:  cfg.Server.ExpandUser,
			HomeRoot:    homeRoot(cfg),
			AllowWrites: cfg.Server.AllowWrites,
		},
		RootClientPath: cfg.Server.ClientRoot,
		Server: server.Config{
			Host:                cfg.Listen.Host,
			Port:                cfg.Listen.Port,
			MaxConnections:      cfg.Listen.MaxConnections,
			AcceptPollInterval:  cfg.Listen.AcceptPollInterval,
			GracefulLogInterval: cfg.Server.GracefulLogInterval,
			GracefulDeadline:    cfg.Server.GracefulDeadline,
			MetricsLogInterval:  cfg.Listen.MetricsLogInterval,
		},
		Medium: medium.Config{
			IdleTimeout:  cfg.Server.IdleTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			RateLimit:    cfg.Server.RateLimit,
		},
		Locks:         locks,
		HandleSignals: true,
	}
	if len(cfg.Server.Homes) > 0 {
		opts.TransportOptions.Resolver = chroot.MapResolver(cfg.Server.Homes)
	}
	if m != nil {
		opts.Metrics = m.ServerMetrics
	}
	return opts
}

// homeRoot returns the host directory corresponding to the served
// directory. Only local storage has one unless it is configured.
func homeRoot(cfg *Config) string {
	if cfg.Server.HomeRoot != "" {
		return cfg.Server.HomeRoot
	}
	if cfg.Storage.Type == "local" {
		if p, ok := cfg.Storage.Local["path"].(string); ok && p != "" {
			return filepath.Join(p, filepath.FromSlash(cfg.Server.Directory))
		}
	}
	return path.Clean(cfg.Server.Directory)
}
