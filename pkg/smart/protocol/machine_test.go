package protocol

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/marmos91/dittovcs/pkg/smart"
	"github.com/marmos91/dittovcs/pkg/smart/jail"
	"github.com/marmos91/dittovcs/pkg/storage/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type helloHandler struct{ smart.BaseHandler }

func (helloHandler) Do(context.Context, []string) (*smart.Response, error) {
	return smart.Success("ok", "2"), nil
}

type echoHandler struct{ chunks []string }

func (h *echoHandler) Do(context.Context, []string) (*smart.Response, error) { return nil, nil }

func (h *echoHandler) DoChunk(_ context.Context, b []byte) error {
	h.chunks = append(h.chunks, string(b))
	return nil
}

func (h *echoHandler) DoEnd(context.Context) (*smart.Response, error) {
	return smart.Success().WithBody([]byte(strings.Join(h.chunks, ""))), nil
}

type failingHandler struct {
	smart.BaseHandler
	err error
}

func (h failingHandler) Do(context.Context, []string) (*smart.Response, error) {
	if h.err == nil {
		panic("handler bug")
	}
	return nil, h.err
}

type readHandler struct {
	smart.BaseHandler
	env *smart.Env
}

func (h readHandler) Do(ctx context.Context, args []string) (*smart.Response, error) {
	p, err := h.env.Resolve(args[0])
	if err != nil {
		return nil, err
	}
	data, err := h.env.Transport.Get(ctx, p)
	if err != nil {
		return nil, err
	}
	return smart.Success("ok").WithBody(data), nil
}

type recordingMetrics struct {
	mu       sync.Mutex
	outcomes []string
	inFlight int
}

func (r *recordingMetrics) RecordRequest(verb, retry string, _ time.Duration, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, verb+"/"+retry+"/"+outcome)
}
func (r *recordingMetrics) RecordRequestStart(string)            { r.inFlight++ }
func (r *recordingMetrics) RecordRequestEnd(string)              { r.inFlight-- }
func (r *recordingMetrics) RecordBytesTransferred(string, int64) {}
func (r *recordingMetrics) SetActiveConnections(int32)           {}
func (r *recordingMetrics) RecordConnectionAccepted()            {}
func (r *recordingMetrics) RecordConnectionClosed()              {}
func (r *recordingMetrics) RecordConnectionForceClosed()         {}
func (r *recordingMetrics) RecordAcceptError()                   {}

func newTestMachine(t *testing.T, opts ...Option) *Machine {
	t.Helper()
	ctx := context.Background()

	mem := vfs.NewMemory()
	require.NoError(t, mem.Mkdir(ctx, "/srv", 0))
	require.NoError(t, mem.Mkdir(ctx, "/srv/repo", 0))
	require.NoError(t, mem.Put(ctx, "/srv/repo/file", []byte("content"), 0))
	require.NoError(t, mem.Mkdir(ctx, "/etc", 0))
	require.NoError(t, mem.Put(ctx, "/etc/passwd", []byte("root:x:0:0"), 0))

	reg := smart.NewRegistry()
	reg.MustRegister("hello", func(*smart.Env) smart.Handler { return helloHandler{} }, smart.RetryRead)
	reg.MustRegister("echo", func(*smart.Env) smart.Handler { return &echoHandler{} }, smart.RetryRead)
	reg.MustRegister("boom", func(*smart.Env) smart.Handler { return failingHandler{} }, smart.RetryRead)
	reg.MustRegister("fail", func(*smart.Env) smart.Handler {
		return failingHandler{err: errors.New("database password is hunter2")}
	}, smart.RetryRead)
	reg.MustRegister("get", func(env *smart.Env) smart.Handler { return readHandler{env: env} }, smart.RetryRead)
	reg.MustRegister("broken", func(*smart.Env) smart.Handler { panic("constructor bug") }, smart.RetryRead)
	reg.Freeze()

	env := &smart.Env{
		Transport:      jail.Guard(mem),
		RootClientPath: "/",
		JailRoot:       "/srv/repo",
		ConnID:         "t",
	}
	return New(reg, env, opts...)
}

func TestHelloImmediateResponse(t *testing.T) {
	ctx := context.Background()
	m := newTestMachine(t)

	m.HeadersReceived(map[string]string{SoftwareVersionHeader: "2.9"})
	assert.Equal(t, StateHeaderReceived, m.State())

	m.ArgsReceived(ctx, []string{"hello"})
	require.True(t, m.ReadingComplete())
	resp := m.Response()
	require.NotNil(t, resp)
	assert.True(t, resp.Success)
	assert.Equal(t, []string{"ok", "2"}, resp.Args)
	assert.Nil(t, resp.Body)
}

func TestEchoChunkedBody(t *testing.T) {
	ctx := context.Background()
	m := newTestMachine(t)

	m.ArgsReceived(ctx, []string{"echo"})
	assert.Nil(t, m.Response())
	assert.Equal(t, StateArgsReceived, m.State())

	m.AcceptBody(ctx, []byte("ab"))
	m.AcceptBody(ctx, []byte("cd"))
	assert.Equal(t, StateBody, m.State())
	m.EndOfBody(ctx)
	m.EndReceived(ctx)

	resp := m.Response()
	require.NotNil(t, resp)
	assert.True(t, resp.Success)
	assert.Empty(t, resp.Args)
	assert.Equal(t, "abcd", string(resp.Body))
	assert.Equal(t, StateResponseReady, m.State())
}

func TestEndReceivedFinalizesBodyHandler(t *testing.T) {
	ctx := context.Background()
	m := newTestMachine(t)
	m.ArgsReceived(ctx, []string{"echo"})
	m.AcceptBody(ctx, []byte("x"))
	m.EndReceived(ctx)
	require.NotNil(t, m.Response())
	assert.Equal(t, "x", string(m.Response().Body))
}

func TestUnknownVerb(t *testing.T) {
	ctx := context.Background()
	m := newTestMachine(t)
	m.ArgsReceived(ctx, []string{"frobnicate", "x"})

	resp := m.Response()
	require.NotNil(t, resp)
	assert.False(t, resp.Success)
	assert.Equal(t, []string{"UnknownMethod", "frobnicate"}, resp.Args)
}

func TestEmptyArgs(t *testing.T) {
	m := newTestMachine(t)
	m.ArgsReceived(context.Background(), nil)
	require.NotNil(t, m.Response())
	assert.Equal(t, "BadRequest", m.Response().Args[0])
}

func TestBodyAfterResponseIgnored(t *testing.T) {
	ctx := context.Background()
	m := newTestMachine(t)
	m.ArgsReceived(ctx, []string{"hello"})
	first := m.Response()

	m.AcceptBody(ctx, []byte("stray"))
	m.EndOfBody(ctx)
	m.EndReceived(ctx)
	assert.Same(t, first, m.Response())

	m.ArgsReceived(ctx, []string{"echo"})
	assert.Same(t, first, m.Response(), "arguments before Reset are ignored")
}

func TestBodyWithoutHandlerIgnored(t *testing.T) {
	m := newTestMachine(t)
	m.AcceptBody(context.Background(), []byte("x"))
	assert.Equal(t, StateIdle, m.State())
	assert.Nil(t, m.Response())
}

func TestHandlerPanicBecomesFailure(t *testing.T) {
	ctx := context.Background()
	m := newTestMachine(t)

	m.ArgsReceived(ctx, []string{"boom"})
	resp := m.Response()
	require.NotNil(t, resp)
	assert.False(t, resp.Success)
	assert.Equal(t, "error", resp.Args[0])

	m.Reset()
	m.ArgsReceived(ctx, []string{"hello"})
	require.NotNil(t, m.Response())
	assert.True(t, m.Response().Success, "machine keeps serving after a handler panic")
}

func TestConstructorPanicBecomesFailure(t *testing.T) {
	ctx := context.Background()
	m := newTestMachine(t)

	require.NotPanics(t, func() { m.ArgsReceived(ctx, []string{"broken"}) })
	resp := m.Response()
	require.NotNil(t, resp)
	assert.False(t, resp.Success)
	assert.Equal(t, []string{"error", "*smart.PanicError", smart.GenericErrorMessage}, resp.Args)
	assert.Equal(t, StateResponseReady, m.State())

	// The body and end of the failed request are dropped quietly.
	m.AcceptBody(ctx, []byte("ignored"))
	m.EndReceived(ctx)
	assert.Same(t, resp, m.Response())

	m.Reset()
	m.ArgsReceived(ctx, []string{"hello"})
	require.NotNil(t, m.Response())
	assert.True(t, m.Response().Success)
}

func TestHandlerErrorDoesNotLeak(t *testing.T) {
	m := newTestMachine(t)
	m.ArgsReceived(context.Background(), []string{"fail"})
	resp := m.Response()
	require.NotNil(t, resp)
	assert.Equal(t, []string{"error", "*errors.errorString", smart.GenericErrorMessage}, resp.Args)
}

func TestPathEscapeRejected(t *testing.T) {
	m := newTestMachine(t)
	m.ArgsReceived(context.Background(), []string{"get", "../../etc/passwd"})
	resp := m.Response()
	require.NotNil(t, resp)
	assert.False(t, resp.Success)
	assert.Equal(t, "PathNotChild", resp.Args[0])
	assert.Nil(t, resp.Body)
}

func TestGetInsideJail(t *testing.T) {
	m := newTestMachine(t)
	m.ArgsReceived(context.Background(), []string{"get", "file"})
	resp := m.Response()
	require.NotNil(t, resp)
	assert.True(t, resp.Success)
	assert.Equal(t, "content", string(resp.Body))
}

func TestResetAndMetrics(t *testing.T) {
	ctx := context.Background()
	rec := &recordingMetrics{}
	m := newTestMachine(t, WithMetrics(rec))

	m.ArgsReceived(ctx, []string{"hello"})
	m.Reset()
	assert.Equal(t, StateIdle, m.State())
	assert.Nil(t, m.Response())
	assert.Empty(t, m.Verb())

	m.ArgsReceived(ctx, []string{"nope"})
	m.Reset()
	m.ArgsReceived(ctx, []string{"get", "missing"})

	assert.Equal(t, []string{
		"hello/read/success",
		"unknown/none/UnknownMethod",
		"get/read/NoSuchFile",
	}, rec.outcomes)
	assert.Equal(t, 0, rec.inFlight)
}
