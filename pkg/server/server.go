// Package server accepts smart protocol connections and manages their
// lifecycle.
//
// A Server owns one TCP listener. Each accepted connection gets its own
// goroutine running a Medium built by a MediumFactory; the server itself
// never reads or writes protocol data.
//
// Lifecycle:
//
//	Created -> Listening -> Serving -> Stopping -> Stopped -> FullyStopped
//
// Two ways out of Serving:
//   - Stop (hard): the accept loop ends promptly. Running connections are
//     left alone and finish on their own.
//   - StopGracefully: new connections are refused, every active connection
//     is asked to finish its current request, and Serve returns once they
//     all have (or GracefulDeadline expires, when set).
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/marmos91/dittovcs/internal/logger"
	"github.com/marmos91/dittovcs/pkg/metrics"
	"github.com/marmos91/dittovcs/pkg/storage"
)

// URLScheme prefixes the public URL announced to hooks.
const URLScheme = "dvcs"

// Medium serves the protocol on one accepted connection.
type Medium interface {
	// Serve blocks until the connection is done.
	Serve(ctx context.Context) error

	// StopGracefully lets the current request finish, then ends Serve.
	StopGracefully()

	// Close releases the connection. It may be called while Serve runs.
	Close() error
}

// MediumFactory builds the Medium for an accepted connection.
type MediumFactory interface {
	NewMedium(conn net.Conn, connID string) Medium
}

// MediumFactoryFunc adapts a function to MediumFactory.
type MediumFactoryFunc func(conn net.Conn, connID string) Medium

func (f MediumFactoryFunc) NewMedium(conn net.Conn, connID string) Medium {
	return f(conn, connID)
}

// Config holds listener settings.
//
// Default values (applied by New if zero):
//   - Host: 127.0.0.1
//   - AcceptPollInterval: 1s
//   - GracefulLogInterval: 5s
//
// Port 0 binds an ephemeral port; Port() reports the one chosen.
// GracefulDeadline 0 waits for in-flight requests without bound.
type Config struct {
	// Host is the interface to bind.
	Host string `mapstructure:"host"`

	// Port is the TCP port to bind.
	Port int `mapstructure:"port" validate:"min=0,max=65535"`

	// MaxConnections limits concurrent connections. 0 means unlimited.
	// When reached, accepting pauses until a connection closes.
	MaxConnections int `mapstructure:"max_connections" validate:"min=0"`

	// AcceptPollInterval bounds how long one accept call blocks, so stop
	// requests are noticed promptly.
	AcceptPollInterval time.Duration `mapstructure:"accept_poll_interval" validate:"min=0"`

	// GracefulLogInterval is how often a graceful stop reports the clients
	// it is still waiting for.
	GracefulLogInterval time.Duration `mapstructure:"graceful_log_interval" validate:"min=0"`

	// GracefulDeadline force-closes connections still active this long
	// after a graceful stop began. 0 disables the deadline.
	GracefulDeadline time.Duration `mapstructure:"graceful_deadline" validate:"min=0"`

	// MetricsLogInterval is the interval at which the active connection
	// count is logged. 0 disables it.
	MetricsLogInterval time.Duration `mapstructure:"metrics_log_interval" validate:"min=0"`
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.AcceptPollInterval == 0 {
		c.AcceptPollInterval = time.Second
	}
	if c.GracefulLogInterval == 0 {
		c.GracefulLogInterval = 5 * time.Second
	}
}

func (c *Config) validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be 0-65535", c.Port)
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("invalid MaxConnections %d: must be >= 0", c.MaxConnections)
	}
	if c.GracefulDeadline < 0 {
		return fmt.Errorf("invalid GracefulDeadline %v: must be >= 0", c.GracefulDeadline)
	}
	return nil
}

// Option configures a Server.
type Option func(*Server)

// WithHooks installs lifecycle hooks.
func WithHooks(h *Hooks) Option {
	return func(s *Server) {
		if h != nil {
			s.hooks = h
		}
	}
}

// WithMetrics records connection metrics into m.
func WithMetrics(m metrics.ServerMetrics) Option {
	return func(s *Server) {
		if m != nil {
			s.metrics = m
		}
	}
}

// connection is one accepted client, tracked from spawn until its
// goroutine exits.
type connection struct {
	id     string
	remote string
	medium Medium
	done   chan struct{}
}

// Server is the smart protocol listener.
//
// Thread safety:
// Listen and Serve are called once, in that order. Stop, StopGracefully,
// State, Port and ActiveConnections are safe from any goroutine.
type Server struct {
	config  Config
	backing storage.Transport
	factory MediumFactory
	hooks   *Hooks
	metrics metrics.ServerMetrics

	state    atomic.Int32
	listener *net.TCPListener

	// terminate requests a hard stop, stopAccepting a graceful one.
	terminate     atomic.Bool
	stopAccepting atomic.Bool
	stopOnce      sync.Once
	stopCh        chan struct{}
	hardOnce      sync.Once
	hardCh        chan struct{}

	serveStarted chan struct{}
	serveDone    chan struct{}

	// active is touched only by the serve goroutine. connCount mirrors its
	// size for other observers.
	active        map[*connection]struct{}
	connCount     atomic.Int32
	connSemaphore chan struct{}
	connClosed    chan struct{}
}

// New creates a server in the Created state.
//
// Panics if cfg is invalid (programmer error).
func New(cfg Config, backing storage.Transport, factory MediumFactory, opts ...Option) *Server {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		panic(fmt.Sprintf("invalid server config: %v", err))
	}

	s := &Server{
		config:       cfg,
		backing:      backing,
		factory:      factory,
		hooks:        NewHooks(),
		metrics:      metrics.NewNoopServerMetrics(),
		stopCh:       make(chan struct{}),
		hardCh:       make(chan struct{}),
		serveStarted: make(chan struct{}),
		serveDone:    make(chan struct{}),
		active:       make(map[*connection]struct{}),
		connClosed:   make(chan struct{}, 1),
	}
	if cfg.MaxConnections > 0 {
		s.connSemaphore = make(chan struct{}, cfg.MaxConnections)
		logger.Debug("Connection limit: %d", cfg.MaxConnections)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Hooks returns the server's hook set.
func (s *Server) Hooks() *Hooks { return s.hooks }

// State returns the current lifecycle state.
func (s *Server) State() State { return State(s.state.Load()) }

// BindError reports a failed Listen. Handled is set when an exception hook
// took care of it.
type BindError struct {
	Addr    string
	Err     error
	Handled bool
}

func (e *BindError) Error() string {
	return fmt.Sprintf("failed to listen on %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// Listen binds the configured address. A bind failure is offered to the
// exception hooks and returned as a *BindError.
func (s *Server) Listen(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateCreated), int32(StateListening)) {
		return fmt.Errorf("listen: server is %s", s.State())
	}

	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		s.state.Store(int32(StateFullyStopped))
		bindErr := &BindError{Addr: addr, Err: err}
		bindErr.Handled = s.hooks.HandleException(bindErr)
		return bindErr
	}

	s.listener = l.(*net.TCPListener)
	logger.Info("Smart server listening on %s", s.listener.Addr())
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Port returns the bound port, or the configured one before Listen.
func (s *Server) Port() int {
	if addr, ok := s.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return s.config.Port
}

// PublicURL is the URL clients use to reach the server.
func (s *Server) PublicURL() string {
	if s.Addr() == nil {
		return ""
	}
	return URLScheme + "://" + s.Addr().String() + "/"
}

// ActiveConnections returns the number of connections whose goroutine is
// still running.
func (s *Server) ActiveConnections() int32 {
	return s.connCount.Load()
}

func (s *Server) backingURLs() []string {
	if s.backing == nil {
		return nil
	}
	return []string{s.backing.Base()}
}

// Serve accepts connections until a stop is requested, ctx is cancelled or
// an accept error is not handled by an exception hook.
//
// Cancelling ctx is a hard stop. Connections receive a context that is
// not tied to ctx, so they are never interrupted mid-request by it.
//
// Returns nil after a requested stop, or the unhandled accept error.
func (s *Server) Serve(ctx context.Context) (err error) {
	if !s.state.CompareAndSwap(int32(StateListening), int32(StateServing)) {
		return fmt.Errorf("serve: server is %s", s.State())
	}
	close(s.serveStarted)

	defer func() {
		s.closeListener()
		s.state.Store(int32(StateFullyStopped))
		logger.Info("Smart server stopped")
		s.hooks.fireStopped(s.backingURLs(), s.PublicURL())
		close(s.serveDone)
	}()

	go func() {
		select {
		case <-ctx.Done():
			logger.Info("Smart server shutdown signal received: %v", ctx.Err())
			s.requestStop(true)
		case <-s.serveDone:
		}
	}()
	if s.config.MetricsLogInterval > 0 {
		go s.logMetrics()
	}

	s.hooks.fireStarted(s.backingURLs(), s.PublicURL(), s)

	connCtx := context.WithoutCancel(ctx)
	err = s.acceptLoop(connCtx)

	s.state.Store(int32(StateStopping))
	s.closeListener()

	if err == nil && !s.terminate.Load() {
		s.drain()
	}
	s.state.Store(int32(StateStopped))
	return err
}

func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		s.prune()
		if s.terminate.Load() || s.stopAccepting.Load() {
			return nil
		}

		if s.connSemaphore != nil {
			select {
			case s.connSemaphore <- struct{}{}:
			case <-s.stopCh:
				continue
			case <-time.After(s.config.AcceptPollInterval):
				continue
			}
		}

		_ = s.listener.SetDeadline(time.Now().Add(s.config.AcceptPollInterval))
		conn, err := s.listener.AcceptTCP()
		if err != nil {
			s.releaseSlot()

			var netErr net.Error
			switch {
			case errors.As(err, &netErr) && netErr.Timeout():
				continue
			case errors.Is(err, syscall.EINTR):
				continue
			case errors.Is(err, net.ErrClosed), errors.Is(err, syscall.EBADF):
				if s.terminate.Load() || s.stopAccepting.Load() {
					return nil
				}
				logger.Debug("Listener closed without a stop request")
				return nil
			}

			s.metrics.RecordAcceptError()
			logger.Error("Error accepting connection: %v", err)
			if s.hooks.HandleException(err) {
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}

		s.spawn(ctx, conn)
	}
}

func (s *Server) spawn(ctx context.Context, conn *net.TCPConn) {
	if err := conn.SetNoDelay(true); err != nil {
		logger.Debug("Failed to set TCP_NODELAY for %s: %v", conn.RemoteAddr(), err)
	}

	c := &connection{
		id:     uuid.NewString(),
		remote: conn.RemoteAddr().String(),
		done:   make(chan struct{}),
	}
	c.medium = s.factory.NewMedium(conn, c.id)

	s.active[c] = struct{}{}
	count := s.connCount.Add(1)
	s.metrics.RecordConnectionAccepted()
	s.metrics.SetActiveConnections(count)
	logger.Debug("[conn %s] accepted from %s (active: %d)", c.id, c.remote, count)

	go s.runConnection(ctx, c)
}

func (s *Server) runConnection(ctx context.Context, c *connection) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("[conn %s] panic in connection handler from %s: %v", c.id, c.remote, r)
		}
		if err := c.medium.Close(); err != nil {
			logger.Debug("[conn %s] error closing: %v", c.id, err)
		}

		count := s.connCount.Add(-1)
		s.releaseSlot()
		s.metrics.RecordConnectionClosed()
		s.metrics.SetActiveConnections(count)
		logger.Debug("[conn %s] closed (active: %d)", c.id, count)

		close(c.done)
		select {
		case s.connClosed <- struct{}{}:
		default:
		}
	}()

	if err := c.medium.Serve(ctx); err != nil {
		logger.Debug("[conn %s] ended with error: %v", c.id, err)
	}
}

func (s *Server) releaseSlot() {
	if s.connSemaphore != nil {
		<-s.connSemaphore
	}
}

// prune drops finished connections from the active set without blocking.
func (s *Server) prune() {
	for c := range s.active {
		select {
		case <-c.done:
			delete(s.active, c)
		default:
		}
	}
}

// drain asks every active connection to stop after its current request and
// waits for them, force-closing stragglers once GracefulDeadline passes.
func (s *Server) drain() {
	s.prune()
	if len(s.active) == 0 {
		return
	}

	logger.Info("Graceful shutdown: waiting for %d client(s)", len(s.active))
	for c := range s.active {
		c.medium.StopGracefully()
	}

	ticker := time.NewTicker(s.config.GracefulLogInterval)
	defer ticker.Stop()

	var deadline <-chan time.Time
	if s.config.GracefulDeadline > 0 {
		timer := time.NewTimer(s.config.GracefulDeadline)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		s.prune()
		if len(s.active) == 0 {
			logger.Info("Graceful shutdown complete: all connections closed")
			return
		}

		select {
		case <-s.connClosed:
		case <-ticker.C:
			logger.Info("Graceful shutdown: still waiting for %d client(s)", len(s.active))
		case <-deadline:
			logger.Warn("Graceful shutdown deadline of %v exceeded: %d connection(s) still active, forcing closure",
				s.config.GracefulDeadline, len(s.active))
			s.forceCloseConnections()
			deadline = nil
		case <-s.hardCh:
			logger.Info("Hard stop requested during graceful shutdown: %d connection(s) left running", len(s.active))
			return
		}
	}
}

// forceCloseConnections closes every active connection so blocked reads and
// writes fail and their goroutines exit.
func (s *Server) forceCloseConnections() {
	closed := 0
	for c := range s.active {
		if err := c.medium.Close(); err != nil {
			logger.Debug("[conn %s] error force-closing: %v", c.id, err)
			continue
		}
		closed++
		s.metrics.RecordConnectionForceClosed()
	}
	logger.Info("Force-closed %d connection(s)", closed)
}

// Stop performs a hard stop: the accept loop ends and Stop returns once
// Serve has. Running connections are not interrupted.
func (s *Server) Stop() {
	if !s.requestStop(true) {
		return
	}
	s.waitServe()
}

// StopGracefully refuses new connections and returns once every active
// connection has finished its current request and closed.
func (s *Server) StopGracefully() {
	if !s.requestStop(false) {
		return
	}
	s.waitServe()
}

// requestStop records a stop request and unblocks the accept loop. It
// returns false if the server never started serving.
func (s *Server) requestStop(hard bool) bool {
	if hard {
		s.terminate.Store(true)
		s.hardOnce.Do(func() { close(s.hardCh) })
	} else {
		s.stopAccepting.Store(true)
	}
	s.stopOnce.Do(func() { close(s.stopCh) })

	switch s.State() {
	case StateCreated, StateListening:
		s.closeListener()
		s.state.Store(int32(StateFullyStopped))
		return false
	case StateFullyStopped:
		return false
	}

	s.state.CompareAndSwap(int32(StateServing), int32(StateStopping))
	s.closeListener()
	if hard {
		s.pokeListener()
	}
	return true
}

// pokeListener dials the listening address once so an accept blocked in
// the kernel returns. Failures are expected once the socket is closed.
func (s *Server) pokeListener() {
	addr := s.Addr()
	if addr == nil {
		return
	}
	conn, err := net.DialTimeout("tcp", addr.String(), 100*time.Millisecond)
	if err == nil {
		_ = conn.Close()
	}
}

func (s *Server) waitServe() {
	select {
	case <-s.serveStarted:
	default:
		return
	}
	<-s.serveDone
}

func (s *Server) closeListener() {
	if s.listener == nil {
		return
	}
	if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		logger.Debug("Error closing listener: %v", err)
	}
}

func (s *Server) logMetrics() {
	ticker := time.NewTicker(s.config.MetricsLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.serveDone:
			return
		case <-ticker.C:
			logger.Info("Server metrics: active_connections=%d", s.connCount.Load())
		}
	}
}
