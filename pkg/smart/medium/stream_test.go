package medium

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/marmos91/dittovcs/internal/protocol/wire"
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

type echoHandler struct{ smart.BodyHandler }

func (*echoHandler) Do(context.Context, []string) (*smart.Response, error) { return nil, nil }

func (h *echoHandler) DoEnd(context.Context) (*smart.Response, error) {
	return smart.Success("echo").WithBody(h.Body()), nil
}

type streamHandler struct{ smart.BaseHandler }

func (streamHandler) Do(_ context.Context, args []string) (*smart.Response, error) {
	return smart.Success("ok").WithStream(smart.NewReaderStream(strings.NewReader(args[0]), 2)), nil
}

type brokenStream struct{ sent bool }

func (b *brokenStream) Next() ([]byte, error) {
	if !b.sent {
		b.sent = true
		return []byte("partial"), nil
	}
	return nil, errors.New("disk on fire")
}

func (*brokenStream) Close() error { return nil }

type brokenHandler struct{ smart.BaseHandler }

func (brokenHandler) Do(context.Context, []string) (*smart.Response, error) {
	return smart.Success("ok").WithStream(&brokenStream{}), nil
}

type panicHandler struct{ smart.BaseHandler }

func (panicHandler) Do(context.Context, []string) (*smart.Response, error) { panic("bug") }

type blockingHandler struct {
	smart.BaseHandler
	entered chan struct{}
	release chan struct{}
}

func (h blockingHandler) Do(context.Context, []string) (*smart.Response, error) {
	close(h.entered)
	<-h.release
	return smart.Success("done"), nil
}

type fixture struct {
	client  *Client
	stream  *Stream
	done    chan error
	entered chan struct{}
	release chan struct{}
}

func newRegistry(entered, release chan struct{}) *smart.Registry {
	reg := smart.NewRegistry()
	reg.MustRegister("hello", func(*smart.Env) smart.Handler { return helloHandler{} }, smart.RetryRead)
	reg.MustRegister("echo", func(*smart.Env) smart.Handler { return &echoHandler{} }, smart.RetryIdem)
	reg.MustRegister("stream", func(*smart.Env) smart.Handler { return streamHandler{} }, smart.RetryStream)
	reg.MustRegister("broken", func(*smart.Env) smart.Handler { return brokenHandler{} }, smart.RetryStream)
	reg.MustRegister("panic", func(*smart.Env) smart.Handler { return panicHandler{} }, smart.RetryRead)
	reg.MustRegister("block", func(*smart.Env) smart.Handler {
		return blockingHandler{entered: entered, release: release}
	}, smart.RetryRead)
	reg.Freeze()
	return reg
}

func newEnv(t *testing.T) *smart.Env {
	mem := vfs.NewMemory()
	require.NoError(t, mem.Mkdir(context.Background(), "/repo", 0))
	return &smart.Env{Transport: jail.Guard(mem), RootClientPath: "/", JailRoot: "/repo", ConnID: "test"}
}

func newSocketFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	serverConn, clientConn := net.Pipe()

	f := &fixture{
		done:    make(chan error, 1),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	f.stream = NewSocket(serverConn, newRegistry(f.entered, f.release), newEnv(t), cfg)
	f.client = NewClient(clientConn)

	go func() { f.done <- f.stream.Serve(context.Background()) }()
	t.Cleanup(func() {
		_ = f.client.Close()
		_ = f.stream.Close()
	})
	return f
}

func (f *fixture) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-f.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop")
		return nil
	}
}

func TestRequestsInOrder(t *testing.T) {
	ctx := context.Background()
	f := newSocketFixture(t, Config{})

	resp, err := f.client.Call(ctx, "hello")
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, []string{"ok", "2"}, resp.Args)

	resp, err = f.client.CallWithBody(ctx, []byte("block body"), "echo")
	require.NoError(t, err)
	assert.Equal(t, "block body", string(resp.Body))

	resp, err = f.client.CallWithChunks(ctx, [][]byte{[]byte("ab"), []byte("cd")}, "echo")
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(resp.Body))

	resp, err = f.client.Call(ctx, "stream", "abcde")
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "abcde", string(resp.Body))
}

func TestFailuresKeepConnectionOpen(t *testing.T) {
	ctx := context.Background()
	f := newSocketFixture(t, Config{})

	resp, err := f.client.Call(ctx, "nope", "x")
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, []string{"UnknownMethod", "nope"}, resp.Args)

	resp, err = f.client.Call(ctx, "panic")
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "error", resp.Args[0])

	resp, err = f.client.Call(ctx, "broken")
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, []string{"error", "*errors.errorString", smart.GenericErrorMessage}, resp.Args)

	resp, err = f.client.Call(ctx, "hello")
	require.NoError(t, err)
	assert.True(t, resp.Success)
}

func TestClientDisconnectEndsServe(t *testing.T) {
	f := newSocketFixture(t, Config{})
	_, err := f.client.Call(context.Background(), "hello")
	require.NoError(t, err)

	require.NoError(t, f.client.Close())
	assert.NoError(t, f.wait(t))
}

func TestIdleTimeout(t *testing.T) {
	f := newSocketFixture(t, Config{IdleTimeout: 50 * time.Millisecond})
	assert.NoError(t, f.wait(t))
}

func TestStopGracefullyWhileIdle(t *testing.T) {
	f := newSocketFixture(t, Config{})
	_, err := f.client.Call(context.Background(), "hello")
	require.NoError(t, err)

	f.stream.StopGracefully()
	assert.NoError(t, f.wait(t))
}

func TestStopGracefullyFinishesInFlightRequest(t *testing.T) {
	f := newSocketFixture(t, Config{})

	type result struct {
		resp *smart.Response
		err  error
	}
	results := make(chan result, 1)
	go func() {
		resp, err := f.client.Call(context.Background(), "block")
		results <- result{resp, err}
	}()

	<-f.entered
	f.stream.StopGracefully()

	select {
	case <-f.done:
		t.Fatal("stream stopped before the in-flight request finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(f.release)
	r := <-results
	require.NoError(t, r.err)
	assert.Equal(t, []string{"done"}, r.resp.Args)
	assert.NoError(t, f.wait(t))
}

func TestPipeMode(t *testing.T) {
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()

	stream := NewPipe(reqR, respW, newRegistry(nil, nil), newEnv(t), Config{})
	done := make(chan error, 1)
	go func() { done <- stream.Serve(context.Background()) }()

	client := NewClient(struct {
		io.Reader
		io.Writer
	}{respR, reqW})

	resp, err := client.Call(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []string{"ok", "2"}, resp.Args)

	require.NoError(t, reqW.Close())
	assert.NoError(t, <-done)
	assert.NoError(t, stream.Close())
}

func TestMalformedFrameEndsConnection(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	stream := NewSocket(serverConn, newRegistry(nil, nil), newEnv(t), Config{})
	done := make(chan error, 1)
	go func() { done <- stream.Serve(context.Background()) }()

	_, err := clientConn.Write([]byte{0x80, 0x00, 0x00, 0x04, 0x00, 0x00, 0x00, 0x63})
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("stream kept serving after a malformed frame")
	}
	_ = clientConn.Close()
	_ = stream.Close()
}

type trackedStream struct{ closed bool }

func (*trackedStream) Next() ([]byte, error) { return nil, io.EOF }

func (s *trackedStream) Close() error {
	s.closed = true
	return nil
}

type resetWriter struct{}

func (resetWriter) Write([]byte) (int, error) { return 0, errors.New("connection reset by peer") }

func TestResponseStreamClosedWhenWriteFails(t *testing.T) {
	tracked := &trackedStream{}
	reg := smart.NewRegistry()
	reg.MustRegister("big", func(*smart.Env) smart.Handler {
		return largeStreamHandler{stream: tracked}
	}, smart.RetryStream)
	reg.Freeze()

	var req bytes.Buffer
	require.NoError(t, wire.WriteFrame(&req, &wire.Frame{Kind: uint32(wire.KindArgs), Args: []string{"big"}}))
	require.NoError(t, wire.WriteFrame(&req, &wire.Frame{Kind: uint32(wire.KindEnd)}))

	stream := NewPipe(&req, resetWriter{}, reg, newEnv(t), Config{})
	err := stream.Serve(context.Background())
	require.Error(t, err)
	assert.True(t, tracked.closed, "stream left open after a failed write")
}

// largeStreamHandler answers with arguments too large for the write buffer,
// so the first frame already reaches the connection.
type largeStreamHandler struct {
	smart.BaseHandler
	stream *trackedStream
}

func (h largeStreamHandler) Do(context.Context, []string) (*smart.Response, error) {
	return smart.Success("ok", strings.Repeat("x", 16<<10)).WithStream(h.stream), nil
}
