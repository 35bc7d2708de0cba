package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/dittovcs/internal/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthFunc reports whether the smart server accepts requests, and names
// its lifecycle state.
type HealthFunc func() (serving bool, state string)

// HTTPConfig configures the metrics endpoint. Port 0 picks a free port.
type HTTPConfig struct {
	Host string
	Port int
}

// HTTPServer exposes the registry at /metrics for scraping and the state of
// the attached smart server at /healthz. /healthz answers 503 until a
// HealthFunc is attached and whenever it reports the server is not serving,
// so a load balancer stops routing to a draining instance.
type HTTPServer struct {
	cfg    HTTPConfig
	srv    *http.Server
	health atomic.Pointer[HealthFunc]

	mu       sync.Mutex
	listener net.Listener
	stopOnce sync.Once
	stopErr  error
}

// NewHTTPServer builds a stopped endpoint; Start serves it.
func NewHTTPServer(cfg HTTPConfig) *HTTPServer {
	s := &HTTPServer{cfg: cfg}

	mux := http.NewServeMux()
	mux.Handle("/metrics", registryHandler())
	mux.HandleFunc("/healthz", s.serveHealth)

	s.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func registryHandler() http.Handler {
	reg := GetRegistry()
	if reg == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics collection is disabled", http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// SetHealth attaches the check served at /healthz.
func (s *HTTPServer) SetHealth(fn HealthFunc) {
	s.health.Store(&fn)
}

func (s *HTTPServer) serveHealth(w http.ResponseWriter, _ *http.Request) {
	fn := s.health.Load()
	if fn == nil {
		http.Error(w, "starting", http.StatusServiceUnavailable)
		return
	}
	serving, state := (*fn)()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if !serving {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_, _ = fmt.Fprintln(w, state)
}

// Start binds the endpoint and serves it until ctx is done, then shuts it
// down, allowing scrapes in progress five seconds to finish.
func (s *HTTPServer) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics endpoint: listen on %s: %w", addr, err)
	}
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
	logger.Info("Metrics endpoint listening on http://%s/metrics", l.Addr())

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(l) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics endpoint: %w", err)
	}
}

// Stop shuts the endpoint down. Only the first call has an effect.
func (s *HTTPServer) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		if err := s.srv.Shutdown(ctx); err != nil {
			s.stopErr = fmt.Errorf("metrics endpoint shutdown: %w", err)
			return
		}
		logger.Debug("Metrics endpoint stopped")
	})
	return s.stopErr
}

// Addr returns the bound address, or nil before Start has bound it.
func (s *HTTPServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}
