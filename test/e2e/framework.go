package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/marmos91/dittovcs/internal/logger"
	"github.com/marmos91/dittovcs/pkg/config"
	"github.com/marmos91/dittovcs/pkg/serve"
	"github.com/marmos91/dittovcs/pkg/server"
	"github.com/marmos91/dittovcs/pkg/smart"
	"github.com/marmos91/dittovcs/pkg/smart/medium"
	"github.com/marmos91/dittovcs/pkg/storage"
	"github.com/marmos91/dittovcs/pkg/storage/lock"
)

// TestContext provides a complete testing environment with:
// - a running smart server on an ephemeral port
// - backing storage and a lock store built from a TestConfig
// - a connected client
type TestContext struct {
	T       *testing.T
	Config  *TestConfig
	Backing storage.Transport
	Locks   *lock.Store
	Server  *server.Server
	Client  *medium.Client

	dir     string
	done    chan error
	running bool
}

// NewTestContext starts a writable server for config and connects to it.
func NewTestContext(t *testing.T, cfg *TestConfig) *TestContext {
	t.Helper()

	// Functional tests, not debugging sessions.
	logger.SetLevel("ERROR")

	run := *cfg
	if run.Storage == StorageS3 {
		run.s3Bucket = createBucket(t, run.s3Endpoint)
	}

	tc := &TestContext{T: t, Config: &run, dir: t.TempDir()}
	tc.start()
	return tc
}

func (tc *TestContext) serverConfig() *config.Config {
	cfg := config.GetDefaultConfig()
	cfg.Storage = tc.Config.StorageConfig(tc.dir)
	cfg.Locks = tc.Config.LocksConfig(tc.dir)
	cfg.Server.AllowWrites = true
	cfg.Server.IdleTimeout = time.Minute
	cfg.Listen.AcceptPollInterval = 50 * time.Millisecond
	config.ApplyDefaults(cfg)
	return cfg
}

// start opens storage and locks from the configuration and serves them.
func (tc *TestContext) start() {
	tc.T.Helper()
	ctx := context.Background()
	cfg := tc.serverConfig()

	backing, err := config.CreateTransport(ctx, &cfg.Storage, nil)
	if err != nil {
		tc.T.Fatalf("Failed to create storage: %v", err)
	}
	locks, err := config.CreateLockStore(&cfg.Locks)
	if err != nil {
		_ = backing.Close()
		tc.T.Fatalf("Failed to create lock store: %v", err)
	}
	tc.Backing, tc.Locks = backing, locks

	hooks := server.NewHooks()
	started := make(chan *server.Server, 1)
	hooks.OnServerStartedEx(func(_ []string, srv *server.Server) { started <- srv })

	opts := config.ServeOptions(cfg, backing, locks, nil)
	opts.Server.Port = 0
	opts.HandleSignals = false
	opts.Hooks = hooks

	tc.done = make(chan error, 1)
	go func() { tc.done <- serve.Run(ctx, opts) }()

	select {
	case tc.Server = <-started:
	case err := <-tc.done:
		tc.T.Fatalf("Server exited during startup: %v", err)
	case <-time.After(10 * time.Second):
		tc.T.Fatal("Timeout waiting for server to start")
	}
	tc.running = true
	tc.Client = tc.Dial()
}

// stop shuts the server down gracefully and closes storage and locks.
func (tc *TestContext) stop() {
	tc.T.Helper()
	if !tc.running {
		return
	}
	tc.running = false

	_ = tc.Client.Close()
	tc.Server.StopGracefully()
	select {
	case err := <-tc.done:
		if err != nil {
			tc.T.Errorf("Server error: %v", err)
		}
	case <-time.After(10 * time.Second):
		tc.T.Error("Timeout waiting for server to stop")
	}

	if err := tc.Locks.Close(); err != nil {
		tc.T.Errorf("Failed to close lock store: %v", err)
	}
	if err := tc.Backing.Close(); err != nil {
		tc.T.Errorf("Failed to close storage: %v", err)
	}
}

// Restart stops the server and starts a new one over the same
// configuration. Only persistent configurations keep their state.
func (tc *TestContext) Restart() {
	tc.T.Helper()
	tc.stop()
	tc.start()
}

// Cleanup stops the server. It is safe to call more than once.
func (tc *TestContext) Cleanup() {
	tc.stop()
}

// Dial opens an additional connection to the server. It is closed when
// the test ends.
func (tc *TestContext) Dial() *medium.Client {
	tc.T.Helper()
	client, err := medium.Dial(context.Background(), tc.Server.Addr().String())
	if err != nil {
		tc.T.Fatalf("Failed to connect: %v", err)
	}
	tc.T.Cleanup(func() { _ = client.Close() })
	return client
}

func (tc *TestContext) callContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

// Call sends a request without a body on the main connection.
func (tc *TestContext) Call(args ...string) *smart.Response {
	tc.T.Helper()
	ctx, cancel := tc.callContext()
	defer cancel()
	resp, err := tc.Client.Call(ctx, args...)
	if err != nil {
		tc.T.Fatalf("%s: %v", args[0], err)
	}
	return resp
}

// CallWithBody sends a request with a single body block.
func (tc *TestContext) CallWithBody(body []byte, args ...string) *smart.Response {
	tc.T.Helper()
	ctx, cancel := tc.callContext()
	defer cancel()
	resp, err := tc.Client.CallWithBody(ctx, body, args...)
	if err != nil {
		tc.T.Fatalf("%s: %v", args[0], err)
	}
	return resp
}

// CallWithChunks sends a request with a chunked body.
func (tc *TestContext) CallWithChunks(chunks [][]byte, args ...string) *smart.Response {
	tc.T.Helper()
	ctx, cancel := tc.callContext()
	defer cancel()
	resp, err := tc.Client.CallWithChunks(ctx, chunks, args...)
	if err != nil {
		tc.T.Fatalf("%s: %v", args[0], err)
	}
	return resp
}
