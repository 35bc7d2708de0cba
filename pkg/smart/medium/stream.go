// Package medium carries smart protocol requests over a byte stream.
//
// A Stream owns one connection. It reads frames, feeds them into a
// protocol.Machine, writes the response and loops until the peer goes away,
// the idle timeout expires or a graceful stop is requested. Requests on a
// Stream are served strictly one after the other.
package medium

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/marmos91/dittovcs/internal/logger"
	"github.com/marmos91/dittovcs/internal/protocol/wire"
	"github.com/marmos91/dittovcs/internal/ratelimiter"
	"github.com/marmos91/dittovcs/pkg/metrics"
	"github.com/marmos91/dittovcs/pkg/smart"
	"github.com/marmos91/dittovcs/pkg/smart/protocol"
)

// Config controls connection timeouts and throttling.
type Config struct {
	// IdleTimeout bounds every read. Zero means reads never time out.
	IdleTimeout time.Duration

	// WriteTimeout bounds writing one response. Zero disables it.
	WriteTimeout time.Duration

	// RateLimit throttles requests on this connection.
	RateLimit ratelimiter.Config
}

// Option configures a Stream.
type Option func(*Stream)

// WithMetrics records request and byte metrics into m.
func WithMetrics(m metrics.ServerMetrics) Option {
	return func(s *Stream) {
		if m != nil {
			s.metrics = m
		}
	}
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Stream serves smart requests over one reader/writer pair.
type Stream struct {
	r       *bufio.Reader
	w       *bufio.Writer
	rawR    io.Reader
	rawW    io.Writer
	closers []io.Closer

	machine *protocol.Machine
	env     *smart.Env
	cfg     Config
	metrics metrics.ServerMetrics
	limiter *ratelimiter.Limiter

	// mu guards idle and stopping against StopGracefully.
	mu       sync.Mutex
	idle     bool
	stopping bool

	closeOnce sync.Once
	closeErr  error
}

// NewSocket returns a Stream serving conn.
func NewSocket(conn net.Conn, registry *smart.Registry, env *smart.Env, cfg Config, opts ...Option) *Stream {
	return newStream(conn, conn, []io.Closer{conn}, registry, env, cfg, opts)
}

// NewPipe returns a Stream reading requests from r and writing responses to
// w, as used when the server runs under inetd or over ssh. r and w are
// closed by Close when they implement io.Closer.
func NewPipe(r io.Reader, w io.Writer, registry *smart.Registry, env *smart.Env, cfg Config, opts ...Option) *Stream {
	var closers []io.Closer
	if c, ok := r.(io.Closer); ok {
		closers = append(closers, c)
	}
	if c, ok := w.(io.Closer); ok && any(w) != any(r) {
		closers = append(closers, c)
	}
	return newStream(r, w, closers, registry, env, cfg, opts)
}

func newStream(r io.Reader, w io.Writer, closers []io.Closer, registry *smart.Registry, env *smart.Env, cfg Config, opts []Option) *Stream {
	s := &Stream{
		r:       bufio.NewReader(r),
		w:       bufio.NewWriter(w),
		rawR:    r,
		rawW:    w,
		closers: closers,
		env:     env,
		cfg:     cfg,
		metrics: metrics.NewNoopServerMetrics(),
		limiter: ratelimiter.New(cfg.RateLimit),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.machine = protocol.New(registry, env, protocol.WithMetrics(s.metrics))
	return s
}

// Serve handles requests until the peer disconnects, the idle timeout
// expires, ctx is cancelled or a graceful stop completes. A clean end
// returns nil; framing and I/O errors are returned.
func (s *Stream) Serve(ctx context.Context) error {
	id := s.env.ConnID
	logger.Debug("[conn %s] serving", id)

	for {
		select {
		case <-ctx.Done():
			logger.Debug("[conn %s] closed due to context cancellation", id)
			return nil
		default:
		}

		if !s.enterIdle() {
			logger.Debug("[conn %s] stopped gracefully", id)
			return nil
		}

		first, err := wire.ReadFrame(s.r)
		stopping := s.leaveIdle()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				logger.Debug("[conn %s] closed by client", id)
				return nil
			case isTimeout(err) && stopping:
				logger.Debug("[conn %s] stopped gracefully while idle", id)
				return nil
			case isTimeout(err):
				logger.Debug("[conn %s] idle timeout after %v", id, s.cfg.IdleTimeout)
				return nil
			default:
				return fmt.Errorf("read request: %w", err)
			}
		}

		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}

		if err := s.serveRequest(ctx, first); err != nil {
			return err
		}
		s.machine.Reset()
	}
}

// StopGracefully lets the request in progress finish and then ends Serve.
// An idle Stream is woken up immediately when its reader supports read
// deadlines.
func (s *Stream) StopGracefully() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return
	}
	s.stopping = true
	if !s.idle {
		return
	}
	if d, ok := s.rawR.(readDeadliner); ok {
		if err := d.SetReadDeadline(time.Now()); err != nil {
			logger.Debug("[conn %s] failed to interrupt idle read: %v", s.env.ConnID, err)
		}
	}
}

// Close closes the underlying connection. It is safe to call more than once.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		for _, c := range s.closers {
			if err := c.Close(); err != nil && s.closeErr == nil {
				s.closeErr = err
			}
		}
	})
	return s.closeErr
}

// enterIdle marks the stream idle and arms the idle read deadline. It
// returns false once a stop was requested. Holding mu while arming keeps
// StopGracefully's wake-up deadline from being overwritten.
func (s *Stream) enterIdle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return false
	}
	s.idle = true
	s.armReadDeadline()
	return true
}

// leaveIdle clears the idle mark and reports whether a stop was requested.
func (s *Stream) leaveIdle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idle = false
	return s.stopping
}

func (s *Stream) serveRequest(ctx context.Context, f *wire.Frame) error {
	m := s.machine
	for {
		switch f.FrameKind() {
		case wire.KindHeaders:
			headers, err := wire.DecodeHeaders(f.Args)
			if err != nil {
				return fmt.Errorf("decode headers: %w", err)
			}
			m.HeadersReceived(headers)
		case wire.KindArgs:
			m.ArgsReceived(ctx, f.Args)
		case wire.KindBody, wire.KindChunk:
			m.AcceptBody(ctx, f.Data)
		case wire.KindEnd:
			m.EndReceived(ctx)
			return s.writeResponse(m.Response())
		case wire.KindError:
			logger.Debug("[conn %s] client aborted %s request: %v", s.env.ConnID, m.Verb(), f.Args)
			return nil
		}

		var err error
		if f, err = s.readFrame(); err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("request truncated: %w", io.ErrUnexpectedEOF)
			}
			return fmt.Errorf("read request: %w", err)
		}
	}
}

func (s *Stream) writeResponse(resp *smart.Response) error {
	if resp == nil {
		resp = smart.TranslateError(errors.New("request completed without a response"))
	}
	if resp.Stream != nil {
		defer func() {
			if err := resp.Stream.Close(); err != nil {
				logger.Debug("[conn %s] closing response stream: %v", s.env.ConnID, err)
			}
		}()
	}
	if d, ok := s.rawW.(writeDeadliner); ok && s.cfg.WriteTimeout > 0 {
		if err := d.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
			logger.Warn("[conn %s] failed to set write deadline: %v", s.env.ConnID, err)
		}
	}

	var sent int64
	if err := s.writeFrame(&wire.Frame{Kind: uint32(wire.KindArgs), Success: resp.Success, Args: resp.Args}); err != nil {
		return err
	}
	if resp.Body != nil {
		if err := s.writeFrame(&wire.Frame{Kind: uint32(wire.KindBody), Data: resp.Body}); err != nil {
			return err
		}
		sent += int64(len(resp.Body))
	}

	terminal := &wire.Frame{Kind: uint32(wire.KindEnd)}
	if resp.Stream != nil {
		n, streamErr, err := s.writeStream(resp.Stream)
		sent += n
		if err != nil {
			return err
		}
		if streamErr != nil {
			terminal = &wire.Frame{Kind: uint32(wire.KindError), Args: smart.TranslateError(streamErr).Args}
		}
	}
	if err := s.writeFrame(terminal); err != nil {
		return err
	}
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("flush response: %w", err)
	}

	if sent > 0 {
		s.metrics.RecordBytesTransferred("out", sent)
	}
	return nil
}

// writeStream copies a streamed body as chunk frames. The second result is
// a failure of the stream itself, the third a failure to write.
func (s *Stream) writeStream(stream smart.BodyStream) (int64, error, error) {
	var sent int64
	for {
		chunk, err := stream.Next()
		if errors.Is(err, io.EOF) {
			return sent, nil, nil
		}
		if err != nil {
			logger.Warn("[conn %s] response stream for %s failed: %v", s.env.ConnID, s.machine.Verb(), err)
			return sent, err, nil
		}
		if err := s.writeFrame(&wire.Frame{Kind: uint32(wire.KindChunk), Data: chunk}); err != nil {
			return sent, nil, err
		}
		sent += int64(len(chunk))
	}
}

func (s *Stream) readFrame() (*wire.Frame, error) {
	s.armReadDeadline()
	return wire.ReadFrame(s.r)
}

func (s *Stream) armReadDeadline() {
	d, ok := s.rawR.(readDeadliner)
	if !ok {
		return
	}
	var deadline time.Time
	if s.cfg.IdleTimeout > 0 {
		deadline = time.Now().Add(s.cfg.IdleTimeout)
	}
	if err := d.SetReadDeadline(deadline); err != nil && !errors.Is(err, os.ErrNoDeadline) {
		logger.Debug("[conn %s] failed to set read deadline: %v", s.env.ConnID, err)
	}
}

func (s *Stream) writeFrame(f *wire.Frame) error {
	return wire.WriteFrame(s.w, f)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout() || errors.Is(err, os.ErrDeadlineExceeded)
}
