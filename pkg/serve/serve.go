// Package serve assembles and runs a smart server: it builds the guarded
// transport stack, applies the process-wide settings a serving process
// needs, picks the medium and tears everything down again.
package serve

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/marmos91/dittovcs/internal/logger"
	"github.com/marmos91/dittovcs/internal/ui"
	"github.com/marmos91/dittovcs/pkg/metrics"
	"github.com/marmos91/dittovcs/pkg/server"
	"github.com/marmos91/dittovcs/pkg/smart"
	"github.com/marmos91/dittovcs/pkg/smart/jail"
	"github.com/marmos91/dittovcs/pkg/smart/medium"
	"github.com/marmos91/dittovcs/pkg/smart/verbs"
	"github.com/marmos91/dittovcs/pkg/storage"
	"github.com/marmos91/dittovcs/pkg/storage/chroot"
	"github.com/marmos91/dittovcs/pkg/storage/lock"
)

// Mode selects how clients reach the server.
type Mode int

const (
	// ModeSocket listens on a TCP address.
	ModeSocket Mode = iota

	// ModePipe serves a single client over stdin and stdout, as under
	// inetd or an ssh command.
	ModePipe
)

func (m Mode) String() string {
	switch m {
	case ModeSocket:
		return "socket"
	case ModePipe:
		return "pipe"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// TransportOptions controls the decorators BuildTransport stacks on the
// backing transport.
type TransportOptions struct {
	// Root confines clients to this subtree of the backing transport.
	// Empty means the whole transport.
	Root string

	// ExpandUser enables "~" and "~name" paths.
	ExpandUser bool

	// Resolver finds home directories. Nil uses the host user database.
	Resolver chroot.HomeResolver

	// HomeRoot is the host directory that Root corresponds to. Homes
	// outside it cannot be reached. Empty means Root.
	HomeRoot string

	// AllowWrites disables the read-only decorator.
	AllowWrites bool
}

// BuildTransport stacks, from the inside out: the chroot boundary, the
// optional home-directory expansion, the read-only decorator unless writes
// are allowed, and the request jail guard.
func BuildTransport(base storage.Transport, opts TransportOptions) storage.Transport {
	root := opts.Root
	if root == "" {
		root = "/"
	}

	var t storage.Transport = chroot.New(base, root)
	if opts.ExpandUser {
		resolver := opts.Resolver
		if resolver == nil {
			resolver = chroot.OSResolver{}
		}
		homeRoot := opts.HomeRoot
		if homeRoot == "" {
			homeRoot = root
		}
		t = chroot.ExpandUser(t, resolver, homeRoot)
	}
	if !opts.AllowWrites {
		t = storage.ReadOnly(t)
	}
	return jail.Guard(t)
}

// Options configures Run.
type Options struct {
	Mode Mode

	// Transport is the backing transport. Run does not close it.
	Transport        storage.Transport
	TransportOptions TransportOptions

	// RootClientPath is the client-visible path of the served root.
	RootClientPath string

	Server server.Config
	Medium medium.Config

	// Locks backs the branch lock verbs. Nil uses an in-memory store.
	Locks *lock.Store

	// Registry holds the verbs to serve. Nil serves the built-in verbs.
	Registry *smart.Registry

	Metrics metrics.ServerMetrics
	Hooks   *server.Hooks

	// Stdin and Stdout carry pipe mode. Nil means the process streams.
	Stdin  io.Reader
	Stdout io.Writer

	// HandleSignals turns SIGHUP and SIGTERM into a graceful stop.
	HandleSignals bool
}

func (o *Options) applyDefaults() {
	if o.RootClientPath == "" {
		o.RootClientPath = "/"
	}
	if o.Hooks == nil {
		o.Hooks = server.NewHooks()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.NewNoopServerMetrics()
	}
	if o.Stdin == nil {
		o.Stdin = os.Stdin
	}
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
}

// Run serves until the server stops.
//
// Interactive output is silenced and lock acquisition fails fast for the
// duration of the call. Each setting is undone in reverse order when Run
// returns, on every path. Setup failures and pipe-mode failures are offered
// to the exception hooks; an error a hook handles is not returned.
func Run(ctx context.Context, opts Options) (err error) {
	opts.applyDefaults()

	var restores []func()
	defer func() {
		for i := len(restores) - 1; i >= 0; i-- {
			restores[i]()
		}
	}()
	restores = append(restores, ui.Silence())
	restores = append(restores, lock.SetAcquireTimeout(0))

	r, err := newRunner(&opts)
	if err != nil {
		return offer(opts.Hooks, err)
	}
	if opts.Locks == nil {
		restores = append(restores, func() { _ = r.locks.Close() })
	}

	switch opts.Mode {
	case ModePipe:
		return r.runPipe(ctx, &restores)
	case ModeSocket:
		return r.runSocket(ctx, &restores)
	default:
		return offer(opts.Hooks, fmt.Errorf("unknown serve mode %s", opts.Mode))
	}
}

func offer(hooks *server.Hooks, err error) error {
	if hooks.HandleException(err) {
		logger.Info("Server error handled by hook: %v", err)
		return nil
	}
	return err
}

type runner struct {
	opts      *Options
	transport storage.Transport
	registry  *smart.Registry
	locks     *lock.Store
}

func newRunner(opts *Options) (*runner, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("no backing transport configured")
	}

	registry := opts.Registry
	if registry == nil {
		var err error
		if registry, err = verbs.NewRegistry(); err != nil {
			return nil, err
		}
	}
	registry.Freeze()

	locks := opts.Locks
	if locks == nil {
		locks = lock.New(lock.NewMemoryBackend())
	}

	return &runner{
		opts:      opts,
		transport: BuildTransport(opts.Transport, opts.TransportOptions),
		registry:  registry,
		locks:     locks,
	}, nil
}

func (r *runner) env(connID string) *smart.Env {
	return &smart.Env{
		Transport:      r.transport,
		RootClientPath: r.opts.RootClientPath,
		JailRoot:       "/",
		Locks:          r.locks,
		ConnID:         connID,
	}
}

// NewMedium implements server.MediumFactory.
func (r *runner) NewMedium(conn net.Conn, connID string) server.Medium {
	return medium.NewSocket(conn, r.registry, r.env(connID), r.opts.Medium, medium.WithMetrics(r.opts.Metrics))
}

func (r *runner) runPipe(ctx context.Context, restores *[]func()) error {
	stream := medium.NewPipe(r.opts.Stdin, r.opts.Stdout, r.registry, r.env("pipe"), r.opts.Medium,
		medium.WithMetrics(r.opts.Metrics))
	defer stream.Close()
	if r.opts.HandleSignals {
		*restores = append(*restores, handleSignals(stream.StopGracefully))
	}

	logger.Info("Serving %s over stdin/stdout", r.transport.Base())
	if err := stream.Serve(ctx); err != nil {
		return offer(r.opts.Hooks, fmt.Errorf("pipe medium: %w", err))
	}
	return nil
}

func (r *runner) runSocket(ctx context.Context, restores *[]func()) error {
	srv := server.New(r.opts.Server, r.opts.Transport, r,
		server.WithHooks(r.opts.Hooks), server.WithMetrics(r.opts.Metrics))
	if err := srv.Listen(ctx); err != nil {
		var bindErr *server.BindError
		if errors.As(err, &bindErr) && bindErr.Handled {
			logger.Info("Server error handled by hook: %v", err)
			return nil
		}
		return err
	}
	if r.opts.HandleSignals {
		*restores = append(*restores, handleSignals(func() { go srv.StopGracefully() }))
	}

	logger.Info("Serving %s on %s", r.transport.Base(), srv.PublicURL())
	return srv.Serve(ctx)
}

// handleSignals calls stop on the first SIGHUP or SIGTERM. The returned
// function uninstalls the handler.
func handleSignals(stop func()) (restore func()) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		select {
		case sig := <-sigs:
			logger.Info("Received %s, finishing in-flight requests before exiting", sig)
			stop()
		case <-done:
		}
	}()

	return func() {
		signal.Stop(sigs)
		close(done)
	}
}
