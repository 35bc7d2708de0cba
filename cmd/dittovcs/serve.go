package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/marmos91/dittovcs/internal/logger"
	"github.com/marmos91/dittovcs/internal/ui"
	"github.com/marmos91/dittovcs/pkg/config"
	"github.com/marmos91/dittovcs/pkg/metrics"
	"github.com/marmos91/dittovcs/pkg/serve"
	"github.com/marmos91/dittovcs/pkg/server"
	"github.com/marmos91/dittovcs/pkg/smart/verbs"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve repositories to smart clients",
		Long: `Serve the configured directory over the smart protocol.

By default the server listens on 127.0.0.1:4155 and refuses writes. With
--inet a single client is served over stdin/stdout; log output must then go
to stderr or a file.

SIGHUP and SIGTERM stop the server gracefully: requests in progress finish,
idle clients are disconnected.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	f := cmd.Flags()
	f.Bool("inet", false, "serve one client over stdin/stdout")
	f.String("host", "", "interface to listen on")
	f.Int("port", 0, "TCP port to listen on")
	f.String("directory", "", "subtree of the storage to serve")
	f.String("client-root", "", "client-visible path of the served directory")
	f.Bool("allow-writes", false, "allow clients to modify repositories")
	f.Bool("expand-user", false, "resolve ~ and ~user paths to home directories")
	f.String("log-level", "", "log level (DEBUG, INFO, WARN, ERROR)")
	return cmd
}

// applyFlags overrides configuration values with the flags set on the
// command line.
func applyFlags(cfg *config.Config, f *pflag.FlagSet) {
	if f.Changed("inet") {
		cfg.Listen.Inet, _ = f.GetBool("inet")
	}
	if f.Changed("host") {
		cfg.Listen.Host, _ = f.GetString("host")
	}
	if f.Changed("port") {
		cfg.Listen.Port, _ = f.GetInt("port")
	}
	if f.Changed("directory") {
		cfg.Server.Directory, _ = f.GetString("directory")
	}
	if f.Changed("client-root") {
		cfg.Server.ClientRoot, _ = f.GetString("client-root")
	}
	if f.Changed("allow-writes") {
		cfg.Server.AllowWrites, _ = f.GetBool("allow-writes")
	}
	if f.Changed("expand-user") {
		cfg.Server.ExpandUser, _ = f.GetBool("expand-user")
	}
	if f.Changed("log-level") {
		cfg.Logging.Level, _ = f.GetString("log-level")
	}
}

// loadServeConfig loads the configuration and applies the command line.
func loadServeConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	applyFlags(cfg, cmd.Flags())
	config.ApplyDefaults(cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid command line: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadServeConfig(cmd)
	if err != nil {
		return err
	}

	if err := logger.Configure(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return err
	}

	// No banner for pipe-mode clients.
	defer ui.SetOutput(cmd.ErrOrStderr())()
	if cfg.Listen.Inet {
		defer ui.Silence()()
	}
	ui.Printf("dittovcs %s serving %s (%s)\n", versionString(), cfg.Server.Directory, serveMode(cfg))

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	m := config.InitializeMetrics(cfg)
	metrics.SetBuildInfo(Version, Commit, verbs.ProtocolVersion)
	if m.Server != nil {
		go func() {
			if err := m.Server.Start(ctx); err != nil {
				logger.Error("Metrics server error: %v", err)
			}
		}()
	}

	backing, err := config.CreateTransport(ctx, &cfg.Storage, m.StorageMetrics)
	if err != nil {
		return err
	}
	defer func() {
		if err := backing.Close(); err != nil {
			logger.Warn("Closing storage: %v", err)
		}
	}()

	locks, err := config.CreateLockStore(&cfg.Locks)
	if err != nil {
		return err
	}
	defer func() {
		if err := locks.Close(); err != nil {
			logger.Warn("Closing lock store: %v", err)
		}
	}()

	opts := config.ServeOptions(cfg, backing, locks, m)
	opts.Stdin = cmd.InOrStdin()
	opts.Stdout = cmd.OutOrStdout()
	opts.Hooks = server.NewHooks()
	opts.Hooks.OnServerStarted(func(backingURLs []string, publicURL string) {
		logger.Info("dittovcs %s serving %v on %s", versionString(), backingURLs, publicURL)
	})
	if m.Server != nil {
		endpoint := m.Server
		opts.Hooks.OnServerStartedEx(func(_ []string, srv *server.Server) {
			endpoint.SetHealth(func() (bool, string) {
				state := srv.State()
				return state == server.StateServing, state.String()
			})
		})
	}

	err = serve.Run(ctx, opts)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func serveMode(cfg *config.Config) string {
	if cfg.Listen.Inet {
		return "stdin/stdout"
	}
	return fmt.Sprintf("%s:%d", cfg.Listen.Host, cfg.Listen.Port)
}
