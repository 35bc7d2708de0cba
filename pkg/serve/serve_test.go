package serve

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/marmos91/dittovcs/internal/ui"
	"github.com/marmos91/dittovcs/pkg/server"
	"github.com/marmos91/dittovcs/pkg/smart"
	"github.com/marmos91/dittovcs/pkg/smart/medium"
	"github.com/marmos91/dittovcs/pkg/smart/verbs"
	"github.com/marmos91/dittovcs/pkg/storage"
	"github.com/marmos91/dittovcs/pkg/storage/chroot"
	"github.com/marmos91/dittovcs/pkg/storage/lock"
	"github.com/marmos91/dittovcs/pkg/storage/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBacking(t *testing.T) storage.Transport {
	t.Helper()
	ctx := context.Background()
	mem := vfs.NewMemory()
	for _, dir := range []string{"/srv", "/srv/repo", "/srv/home", "/srv/home/alice", "/etc"} {
		require.NoError(t, mem.Mkdir(ctx, dir, 0o755))
	}
	require.NoError(t, mem.Put(ctx, "/srv/repo/README", []byte("hello"), 0o644))
	require.NoError(t, mem.Put(ctx, "/srv/home/alice/notes", []byte("alice"), 0o644))
	require.NoError(t, mem.Put(ctx, "/etc/passwd", []byte("root:x:0:0"), 0o644))
	return mem
}

func call(t *testing.T, tr storage.Transport, args ...string) *smart.Response {
	t.Helper()
	reg, err := verbs.NewRegistry()
	require.NoError(t, err)
	info, err := reg.Lookup(args[0])
	require.NoError(t, err)

	env := &smart.Env{
		Transport:      tr,
		RootClientPath: "/",
		JailRoot:       "/",
		Locks:          lock.New(lock.NewMemoryBackend()),
		ConnID:         "test",
	}
	resp := smart.NewInvocation(env, args[0], info.Constructor(env)).Start(context.Background(), args[1:])
	require.NotNil(t, resp)
	return resp
}

func TestBuildTransportReadOnlyByDefault(t *testing.T) {
	tr := BuildTransport(newBacking(t), TransportOptions{Root: "/srv/repo"})
	assert.True(t, tr.IsReadOnly())

	resp := call(t, tr, "get", "README")
	require.True(t, resp.Success)
	assert.Equal(t, "hello", string(resp.Body))

	resp = call(t, tr, "mkdir", "NEW")
	assert.False(t, resp.Success)
	assert.Equal(t, []string{"ReadOnlyError"}, resp.Args)
}

func TestBuildTransportAllowWrites(t *testing.T) {
	backing := newBacking(t)
	tr := BuildTransport(backing, TransportOptions{Root: "/srv/repo", AllowWrites: true})
	assert.False(t, tr.IsReadOnly())

	reg, err := verbs.NewRegistry()
	require.NoError(t, err)
	info, err := reg.Lookup("put")
	require.NoError(t, err)
	env := &smart.Env{Transport: tr, RootClientPath: "/", JailRoot: "/", ConnID: "test"}
	inv := smart.NewInvocation(env, "put", info.Constructor(env))
	ctx := context.Background()
	require.Nil(t, inv.Start(ctx, []string{"NEW"}))
	require.Nil(t, inv.Chunk(ctx, []byte("data")))
	resp := inv.End(ctx)
	require.True(t, resp.Success, "%v", resp.Args)

	data, err := backing.Get(ctx, "/srv/repo/NEW")
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))
}

func TestBuildTransportConfines(t *testing.T) {
	tr := BuildTransport(newBacking(t), TransportOptions{Root: "/srv/repo"})

	for _, p := range []string{"../../etc/passwd", "/../etc/passwd"} {
		resp := call(t, tr, "get", p)
		assert.False(t, resp.Success, p)
		assert.NotContains(t, string(resp.Body), "root:x", p)
	}
}

func TestBuildTransportRefusesLinksOutOfTree(t *testing.T) {
	dir := t.TempDir()
	repo := filepath.Join(dir, "repo")
	require.NoError(t, os.MkdirAll(repo, 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "outside"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "outside", "secret"), []byte("TOPSECRET"), 0o644))
	require.NoError(t, os.Symlink("../outside", filepath.Join(repo, "link")))

	local, err := vfs.NewLocal(vfs.Config{Path: repo})
	require.NoError(t, err)
	tr := BuildTransport(local, TransportOptions{Root: "/"})

	resp := call(t, tr, "get", "link/secret")
	assert.False(t, resp.Success)
	require.NotEmpty(t, resp.Args)
	assert.Equal(t, "PathNotChild", resp.Args[0])
	assert.NotContains(t, string(resp.Body), "TOPSECRET")
}

func TestBuildTransportExpandsHomes(t *testing.T) {
	tr := BuildTransport(newBacking(t), TransportOptions{
		Root:       "/srv",
		ExpandUser: true,
		Resolver:   chroot.MapResolver{"alice": "/srv/home/alice", "mallory": "/etc"},
		HomeRoot:   "/srv",
	})

	resp := call(t, tr, "get", "~alice/notes")
	require.True(t, resp.Success, "%v", resp.Args)
	assert.Equal(t, "alice", string(resp.Body))

	resp = call(t, tr, "get", "~mallory/passwd")
	assert.False(t, resp.Success)
	assert.Equal(t, "PathNotChild", resp.Args[0])

	resp = call(t, tr, "get", "~nobody/x")
	assert.False(t, resp.Success)
	assert.Equal(t, "NoSuchFile", resp.Args[0])
}

// stateHandler reports the process-wide settings seen during a request.
type stateHandler struct{ smart.BaseHandler }

func (stateHandler) Do(context.Context, []string) (*smart.Response, error) {
	return smart.Success(yes(ui.IsSilent()), lock.AcquireTimeout().String()), nil
}

func yes(b bool) string {
	if b {
		return "silent"
	}
	return "loud"
}

func testRegistry(t *testing.T) *smart.Registry {
	t.Helper()
	reg := smart.NewRegistry()
	require.NoError(t, verbs.RegisterAll(reg))
	reg.MustRegister("state", func(*smart.Env) smart.Handler { return stateHandler{} }, smart.RetryRead)
	return reg
}

type pipeEnds struct {
	io.Reader
	io.Writer
}

func TestRunPipeMode(t *testing.T) {
	wasSilent := ui.IsSilent()
	timeout := lock.AcquireTimeout()

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	done := make(chan error, 1)
	go func() {
		done <- Run(context.Background(), Options{
			Mode:      ModePipe,
			Transport: newBacking(t),
			TransportOptions: TransportOptions{
				Root: "/srv/repo",
			},
			Registry: testRegistry(t),
			Stdin:    stdinR,
			Stdout:   stdoutW,
		})
	}()

	client := medium.NewClient(pipeEnds{Reader: stdoutR, Writer: stdinW})
	ctx := context.Background()

	resp, err := client.Call(ctx, "state")
	require.NoError(t, err)
	assert.Equal(t, []string{"silent", "0s"}, resp.Args)

	resp, err = client.Call(ctx, "get", "README")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(resp.Body))

	resp, err = client.Call(ctx, "get", "../../etc/passwd")
	require.NoError(t, err)
	assert.False(t, resp.Success)

	require.NoError(t, stdinW.Close())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after the client hung up")
	}

	assert.Equal(t, wasSilent, ui.IsSilent())
	assert.Equal(t, timeout, lock.AcquireTimeout())
}

func TestRunSocketMode(t *testing.T) {
	hooks := server.NewHooks()
	started := make(chan *server.Server, 1)
	hooks.OnServerStartedEx(func(_ []string, srv *server.Server) { started <- srv })

	done := make(chan error, 1)
	go func() {
		done <- Run(context.Background(), Options{
			Mode:      ModeSocket,
			Transport: newBacking(t),
			TransportOptions: TransportOptions{
				Root: "/srv/repo",
			},
			Server: server.Config{Host: "127.0.0.1", Port: 0, AcceptPollInterval: 50 * time.Millisecond},
			Hooks:  hooks,
		})
	}()

	var srv *server.Server
	select {
	case srv = <-started:
	case err := <-done:
		t.Fatalf("Run returned early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
	}

	ctx := context.Background()
	client, err := medium.Dial(ctx, srv.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	resp, err := client.Call(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, []string{"ok", verbs.ProtocolVersion}, resp.Args)

	resp, err = client.Call(ctx, "Transport.is_readonly")
	require.NoError(t, err)
	assert.Equal(t, []string{"yes"}, resp.Args)

	srv.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after stop")
	}
}

// gateHandler holds its request until release is closed.
type gateHandler struct {
	smart.BaseHandler
	entered chan struct{}
	release chan struct{}
}

func (h gateHandler) Do(context.Context, []string) (*smart.Response, error) {
	close(h.entered)
	<-h.release
	return smart.Success("done"), nil
}

func TestRunStopsGracefullyOnSIGTERM(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	reg := testRegistry(t)
	reg.MustRegister("gate", func(*smart.Env) smart.Handler {
		return gateHandler{entered: entered, release: release}
	}, smart.RetryRead)

	hooks := server.NewHooks()
	started := make(chan *server.Server, 1)
	hooks.OnServerStartedEx(func(_ []string, srv *server.Server) { started <- srv })

	done := make(chan error, 1)
	go func() {
		done <- Run(context.Background(), Options{
			Mode:          ModeSocket,
			Transport:     newBacking(t),
			Registry:      reg,
			Server:        server.Config{Host: "127.0.0.1", Port: 0, AcceptPollInterval: 50 * time.Millisecond},
			Hooks:         hooks,
			HandleSignals: true,
		})
	}()

	var srv *server.Server
	select {
	case srv = <-started:
	case err := <-done:
		t.Fatalf("Run returned early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
	}
	addr := srv.Addr().String()

	ctx := context.Background()
	client, err := medium.Dial(ctx, addr)
	require.NoError(t, err)
	defer client.Close()

	type result struct {
		resp *smart.Response
		err  error
	}
	results := make(chan result, 1)
	go func() {
		resp, err := client.Call(ctx, "gate")
		results <- result{resp, err}
	}()
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("request never reached its handler")
	}

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGTERM))

	assert.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err != nil {
			return true
		}
		_ = conn.Close()
		return false
	}, 5*time.Second, 50*time.Millisecond, "listener still accepting after SIGTERM")

	select {
	case err := <-done:
		t.Fatalf("Run returned with a request in flight: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	r := <-results
	require.NoError(t, r.err)
	assert.Equal(t, []string{"done"}, r.resp.Args)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after the request finished")
	}
}

func TestRunSilencesInteractiveOutput(t *testing.T) {
	var out bytes.Buffer
	defer ui.SetOutput(&out)()

	hooks := server.NewHooks()
	hooks.OnServerStartedEx(func(_ []string, srv *server.Server) {
		ui.Printf("progress: started\n")
		go srv.Stop()
	})

	ui.Printf("before\n")
	err := Run(context.Background(), Options{
		Mode:      ModeSocket,
		Transport: newBacking(t),
		Server:    server.Config{Host: "127.0.0.1", Port: 0, AcceptPollInterval: 50 * time.Millisecond},
		Hooks:     hooks,
	})
	require.NoError(t, err)
	ui.Printf("after\n")

	assert.Equal(t, "before\nafter\n", out.String())
}

func TestRunSetupErrors(t *testing.T) {
	t.Run("Unhandled", func(t *testing.T) {
		err := Run(context.Background(), Options{Mode: ModePipe})
		assert.Error(t, err)
	})

	t.Run("HandledByHook", func(t *testing.T) {
		hooks := server.NewHooks()
		var offered error
		hooks.OnServerException(func(err error) bool {
			offered = err
			return true
		})
		err := Run(context.Background(), Options{Mode: Mode(9), Transport: newBacking(t), Hooks: hooks})
		assert.NoError(t, err)
		require.Error(t, offered)
		assert.Contains(t, offered.Error(), "mode(9)")
	})

	t.Run("BindFailure", func(t *testing.T) {
		busy, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer busy.Close()
		port := busy.Addr().(*net.TCPAddr).Port

		err = Run(context.Background(), Options{
			Mode:      ModeSocket,
			Transport: newBacking(t),
			Server:    server.Config{Host: "127.0.0.1", Port: port},
		})
		var bindErr *server.BindError
		require.ErrorAs(t, err, &bindErr)
		assert.False(t, bindErr.Handled)
	})

	t.Run("BindFailureHandledByHook", func(t *testing.T) {
		busy, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer busy.Close()
		port := busy.Addr().(*net.TCPAddr).Port

		hooks := server.NewHooks()
		calls := 0
		hooks.OnServerException(func(err error) bool {
			calls++
			return true
		})
		err = Run(context.Background(), Options{
			Mode:      ModeSocket,
			Transport: newBacking(t),
			Server:    server.Config{Host: "127.0.0.1", Port: port},
			Hooks:     hooks,
		})
		assert.NoError(t, err)
		assert.Equal(t, 1, calls)
	})
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "socket", ModeSocket.String())
	assert.Equal(t, "pipe", ModePipe.String())
}
