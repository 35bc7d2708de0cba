package smart

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/marmos91/dittovcs/pkg/smart/jail"
	"github.com/marmos91/dittovcs/pkg/storage"
	"github.com/marmos91/dittovcs/pkg/storage/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Registry
// ============================================================================

type nopHandler struct{ BaseHandler }

func (nopHandler) Do(context.Context, []string) (*Response, error) { return Success(), nil }

func newNop(*Env) Handler { return nopHandler{} }

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("hello", newNop, RetryRead))

	t.Run("DuplicateRejected", func(t *testing.T) {
		assert.Error(t, r.Register("hello", newNop, RetryIdem))
	})

	t.Run("InvalidRejected", func(t *testing.T) {
		assert.Error(t, r.Register("", newNop, RetryRead))
		assert.Error(t, r.Register("x", nil, RetryRead))
		assert.Error(t, r.Register("x", newNop, RetryClass(42)))
	})

	t.Run("Lookup", func(t *testing.T) {
		info, err := r.Lookup("hello")
		require.NoError(t, err)
		assert.Equal(t, RetryRead, info.Retry)

		_, err = r.Lookup("nope")
		assert.True(t, storage.IsCode(err, storage.ErrUnknownMethod))

		class, err := r.RetryClassOf("hello")
		require.NoError(t, err)
		assert.Equal(t, RetryRead, class)
		_, err = r.RetryClassOf("nope")
		assert.True(t, storage.IsCode(err, storage.ErrUnknownMethod))
	})

	t.Run("Frozen", func(t *testing.T) {
		r.Freeze()
		assert.True(t, r.Frozen())
		assert.Error(t, r.Register("late", newNop, RetryRead))
		assert.Equal(t, []string{"hello"}, r.Names())
	})

	t.Run("MustRegisterPanics", func(t *testing.T) {
		assert.Panics(t, func() { r.MustRegister("other", newNop, RetryRead) })
	})
}

func TestRetryClassNames(t *testing.T) {
	for _, name := range []string{"read", "idem", "semi", "semivfs", "stream", "mutate"} {
		c, err := ParseRetryClass(name)
		require.NoError(t, err)
		assert.Equal(t, name, c.String())
	}
	_, err := ParseRetryClass("sometimes")
	assert.Error(t, err)
}

// ============================================================================
// Error translation
// ============================================================================

func TestTranslateErrorCoversEveryCode(t *testing.T) {
	for _, code := range storage.ErrorCodes() {
		resp := TranslateError(&storage.Error{Code: code, Path: "/p", Extra: []string{"a", "b", "c"}})
		require.NotEmpty(t, resp.Args, "code %s", code)
		assert.False(t, resp.Success)
		assert.NotEqual(t, "error", resp.Args[0], "code %s fell through to the generic arm", code)
	}
}

func TestTranslateErrorTuples(t *testing.T) {
	cases := []struct {
		err  error
		want []string
	}{
		{storage.NewError(storage.ErrNoSuchFile, "/f"), []string{"NoSuchFile", "/f"}},
		{storage.NewError(storage.ErrFileExists, "/f"), []string{"FileExists", "/f"}},
		{storage.NewError(storage.ErrDirectoryNotEmpty, "/d"), []string{"DirectoryNotEmpty", "/d"}},
		{storage.NewError(storage.ErrPermissionDenied, "/f", "is a directory"), []string{"PermissionDenied", "/f", "is a directory"}},
		{storage.NewError(storage.ErrLockContention, "/b"), []string{"LockContention"}},
		{storage.NewError(storage.ErrReadOnly, "/f"), []string{"ReadOnlyError"}},
		{storage.NewError(storage.ErrNotStacked, "/b"), []string{"NotStacked"}},
		{storage.NewError(storage.ErrTokenMismatch, "/b", "given", "held"), []string{"TokenMismatch", "given", "held"}},
		{storage.NewError(storage.ErrPathNotChild, "../x", "/"), []string{"PathNotChild", "../x", "/"}},
		{storage.NewError(storage.ErrUnknownMethod, "", "frob"), []string{"UnknownMethod", "frob"}},
		{storage.Errorf(storage.ErrBadRequest, "", "missing path"), []string{"BadRequest", "missing path"}},
		{fmt.Errorf("wrapped: %w", storage.NewError(storage.ErrNotBranch, "/x")), []string{"nobranch", "/x"}},
	}

	for _, tc := range cases {
		resp := TranslateError(tc.err)
		assert.False(t, resp.Success)
		assert.Equal(t, tc.want, resp.Args)
	}
}

func TestTranslateErrorDoesNotLeak(t *testing.T) {
	resp := TranslateError(errors.New("password=hunter2 at /etc/shadow"))
	require.Len(t, resp.Args, 3)
	assert.Equal(t, "error", resp.Args[0])
	assert.Equal(t, "*errors.errorString", resp.Args[1])
	assert.Equal(t, GenericErrorMessage, resp.Args[2])
	for _, a := range resp.Args {
		assert.NotContains(t, a, "hunter2")
	}
}

// ============================================================================
// Invocation
// ============================================================================

type recordingHandler struct {
	env    *Env
	chunks []string
	doErr  error
	panics bool
	ctx    context.Context
}

func (h *recordingHandler) Do(ctx context.Context, args []string) (*Response, error) {
	h.ctx = ctx
	if h.panics {
		panic("boom")
	}
	if h.doErr != nil {
		return nil, h.doErr
	}
	if len(args) > 0 && args[0] == "immediate" {
		return Success("done"), nil
	}
	return nil, nil
}

func (h *recordingHandler) DoChunk(_ context.Context, chunk []byte) error {
	h.chunks = append(h.chunks, string(chunk))
	return nil
}

func (h *recordingHandler) DoEnd(context.Context) (*Response, error) {
	return Success().WithBody([]byte(strings.Join(h.chunks, ""))), nil
}

func testEnv(t *testing.T) *Env {
	mem := vfs.NewMemory()
	require.NoError(t, mem.Mkdir(context.Background(), "/repo", 0))
	return &Env{Transport: jail.Guard(mem), RootClientPath: "/", JailRoot: "/repo", ConnID: "test"}
}

func TestInvocationBody(t *testing.T) {
	ctx := context.Background()
	h := &recordingHandler{}
	inv := NewInvocation(testEnv(t), "echo", h)

	assert.Nil(t, inv.Start(ctx, nil))
	assert.Nil(t, inv.Chunk(ctx, []byte("ab")))
	assert.Nil(t, inv.Chunk(ctx, []byte("cd")))
	resp := inv.End(ctx)
	require.NotNil(t, resp)
	assert.True(t, resp.Success)
	assert.Equal(t, "abcd", string(resp.Body))

	assert.Nil(t, inv.Chunk(ctx, []byte("late")), "chunks after end are ignored")
	assert.Nil(t, inv.End(ctx), "finalize runs once")
	assert.Equal(t, []string{"ab", "cd"}, h.chunks)
}

func TestInvocationImmediateResponse(t *testing.T) {
	ctx := context.Background()
	inv := NewInvocation(testEnv(t), "x", &recordingHandler{})
	resp := inv.Start(ctx, []string{"immediate"})
	require.NotNil(t, resp)
	assert.Equal(t, []string{"done"}, resp.Args)
	assert.True(t, inv.Finished())
	assert.Nil(t, inv.Start(ctx, []string{"immediate"}))
	assert.Nil(t, inv.End(ctx))
}

func TestInvocationRecoversPanic(t *testing.T) {
	inv := NewInvocation(testEnv(t), "x", &recordingHandler{panics: true})
	resp := inv.Start(context.Background(), nil)
	require.NotNil(t, resp)
	assert.False(t, resp.Success)
	assert.Equal(t, []string{"error", "*smart.PanicError", GenericErrorMessage}, resp.Args)
}

func TestInvocationTranslatesErrors(t *testing.T) {
	inv := NewInvocation(testEnv(t), "x", &recordingHandler{doErr: storage.NewError(storage.ErrNoSuchFile, "/f")})
	resp := inv.Start(context.Background(), nil)
	require.NotNil(t, resp)
	assert.Equal(t, []string{"NoSuchFile", "/f"}, resp.Args)
}

func TestInvocationScopesJail(t *testing.T) {
	h := &recordingHandler{}
	env := testEnv(t)
	inv := NewInvocation(env, "x", h)
	inv.Start(context.Background(), nil)

	scope := jail.FromContext(h.ctx)
	require.NotNil(t, scope)
	assert.False(t, scope.Active(), "scope must be exited once the call returns")

	_, err := env.Transport.Has(h.ctx, "/repo")
	assert.True(t, storage.IsCode(err, storage.ErrJailBreak))
}

func TestReaderStream(t *testing.T) {
	s := NewReaderStream(strings.NewReader("abcde"), 2)
	var got []string
	for {
		chunk, err := s.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, string(chunk))
	}
	assert.Equal(t, []string{"ab", "cd", "e"}, got)
	assert.NoError(t, s.Close())
}
