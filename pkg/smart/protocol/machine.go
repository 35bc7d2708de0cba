// Package protocol implements the per-request state machine of the smart
// server.
//
// A Medium feeds decoded events into a Machine:
//
//	HeadersReceived -> ArgsReceived -> AcceptBody* -> EndOfBody -> EndReceived
//
// and collects the Response once ResponseReady. The machine never returns
// an error: unknown verbs, malformed arguments, handler errors and handler
// panics all become failure responses so the connection can keep serving.
package protocol

import (
	"context"
	"time"

	"github.com/marmos91/dittovcs/internal/logger"
	"github.com/marmos91/dittovcs/pkg/metrics"
	"github.com/marmos91/dittovcs/pkg/smart"
	"github.com/marmos91/dittovcs/pkg/storage"
)

// State is the position of a Machine within one request.
type State int

const (
	StateIdle State = iota
	StateHeaderReceived
	StateArgsReceived
	StateBody
	StateEnded
	StateResponseReady
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateHeaderReceived:
		return "HeaderReceived"
	case StateArgsReceived:
		return "ArgsReceived"
	case StateBody:
		return "BodyChunk"
	case StateEnded:
		return "Ended"
	case StateResponseReady:
		return "ResponseReady"
	default:
		return "Unknown"
	}
}

// SoftwareVersionHeader is the request header naming the client software.
const SoftwareVersionHeader = "Software version"

// Machine decodes one request at a time for a single connection.
// It is not safe for concurrent use; a connection owns its machine.
type Machine struct {
	registry *smart.Registry
	env      *smart.Env
	metrics  metrics.ServerMetrics

	state      State
	headers    map[string]string
	verb       string
	retry      string
	invocation *smart.Invocation
	response   *smart.Response
	started    time.Time
	bytesIn    int64
}

// Option configures a Machine.
type Option func(*Machine)

// WithMetrics records request metrics into m.
func WithMetrics(m metrics.ServerMetrics) Option {
	return func(mc *Machine) {
		if m != nil {
			mc.metrics = m
		}
	}
}

// New returns an idle machine dispatching into registry with handlers bound
// to env.
func New(registry *smart.Registry, env *smart.Env, opts ...Option) *Machine {
	m := &Machine{
		registry: registry,
		env:      env,
		metrics:  metrics.NewNoopServerMetrics(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Machine) State() State { return m.state }

// Verb returns the verb of the current request, or "".
func (m *Machine) Verb() string { return m.verb }

// Headers returns the headers of the current request.
func (m *Machine) Headers() map[string]string { return m.headers }

// Response returns the response once ready, or nil.
func (m *Machine) Response() *smart.Response { return m.response }

// ReadingComplete reports whether the request needs no further input.
func (m *Machine) ReadingComplete() bool {
	return m.state == StateResponseReady
}

// HeadersReceived records the request headers. They are informational.
func (m *Machine) HeadersReceived(headers map[string]string) {
	if m.state != StateIdle {
		return
	}
	m.headers = headers
	m.state = StateHeaderReceived
	if v, ok := headers[SoftwareVersionHeader]; ok {
		logger.Debug("[conn %s] client software version %s", m.env.ConnID, v)
	}
}

// ArgsReceived binds the verb named by args[0] and runs the handler's entry
// call with the remaining arguments.
func (m *Machine) ArgsReceived(ctx context.Context, args []string) {
	if m.state != StateIdle && m.state != StateHeaderReceived {
		logger.Debug("[conn %s] arguments received in state %s, ignored", m.env.ConnID, m.state)
		return
	}
	m.state = StateArgsReceived
	m.started = time.Now()

	if len(args) == 0 {
		m.verb = "unknown"
		m.setResponse(smart.TranslateError(storage.Errorf(storage.ErrBadRequest, "", "empty request")))
		return
	}

	m.verb = args[0]
	info, err := m.registry.Lookup(args[0])
	if err != nil {
		logger.Debug("[conn %s] unknown verb %q", m.env.ConnID, args[0])
		m.verb = "unknown"
		m.setResponse(smart.TranslateError(err))
		return
	}

	m.retry = info.Retry.String()
	m.metrics.RecordRequestStart(m.verb)
	logger.Debug("[conn %s] %s %v", m.env.ConnID, m.verb, args[1:])

	inv, failure := smart.Construct(m.env, m.verb, info.Constructor)
	if failure != nil {
		m.setResponse(failure)
		return
	}
	m.invocation = inv
	if resp := m.invocation.Start(ctx, args[1:]); resp != nil {
		m.setResponse(resp)
	}
}

// AcceptBody forwards a body chunk to the active handler. Without an active
// handler, or once a response exists, it does nothing.
func (m *Machine) AcceptBody(ctx context.Context, chunk []byte) {
	if m.invocation == nil || m.response != nil {
		return
	}
	m.state = StateBody
	m.bytesIn += int64(len(chunk))
	if resp := m.invocation.Chunk(ctx, chunk); resp != nil {
		m.setResponse(resp)
	}
}

// EndOfBody runs the handler's finalize call.
func (m *Machine) EndOfBody(ctx context.Context) {
	if m.invocation == nil || m.response != nil {
		return
	}
	m.state = StateEnded
	m.setResponse(m.invocation.End(ctx))
}

// EndReceived marks the end of the request message. A handler still waiting
// for a body is finalized with whatever it received.
func (m *Machine) EndReceived(ctx context.Context) {
	if m.response != nil {
		return
	}
	if m.invocation == nil {
		m.verb = "unknown"
		m.setResponse(smart.TranslateError(storage.Errorf(storage.ErrBadRequest, "", "request ended before arguments")))
		return
	}
	m.EndOfBody(ctx)
}

// Reset returns the machine to Idle for the next request.
func (m *Machine) Reset() {
	m.state = StateIdle
	m.headers = nil
	m.verb = ""
	m.retry = ""
	m.invocation = nil
	m.response = nil
	m.bytesIn = 0
}

func (m *Machine) setResponse(resp *smart.Response) {
	if resp == nil || m.response != nil {
		return
	}
	m.response = resp
	m.state = StateResponseReady

	outcome := "success"
	if !resp.Success && len(resp.Args) > 0 {
		outcome = resp.Args[0]
	}
	retry := m.retry
	if retry == "" {
		retry = "none"
	}
	m.metrics.RecordRequest(m.verb, retry, time.Since(m.started), outcome)
	if m.invocation != nil {
		m.metrics.RecordRequestEnd(m.verb)
	}
	if m.bytesIn > 0 {
		m.metrics.RecordBytesTransferred("in", m.bytesIn)
	}
}
