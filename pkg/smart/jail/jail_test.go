package jail

import (
	"context"
	"testing"

	"github.com/marmos91/dittovcs/pkg/storage"
	"github.com/marmos91/dittovcs/pkg/storage/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranslate(t *testing.T) {
	cases := []struct {
		name       string
		clientRoot string
		jailRoot   string
		client     string
		want       string
		wantErr    storage.ErrorCode
		fail       bool
	}{
		{name: "Relative", clientRoot: "/", jailRoot: "/srv/repo", client: "branch/x", want: "/srv/repo/branch/x"},
		{name: "AbsoluteUnderDefaultRoot", clientRoot: "/", jailRoot: "/srv/repo", client: "/branch", want: "/srv/repo/branch"},
		{name: "ClientRootStripped", clientRoot: "/home/repo", jailRoot: "/srv/repo", client: "/home/repo/trunk", want: "/srv/repo/trunk"},
		{name: "ClientRootItself", clientRoot: "/home/repo", jailRoot: "/srv/repo", client: "/home/repo", want: "/srv/repo"},
		{name: "Dot", clientRoot: "/", jailRoot: "/srv/repo", client: ".", want: "/srv/repo"},
		{name: "InnerDotDot", clientRoot: "/", jailRoot: "/srv/repo", client: "a/../b", want: "/srv/repo/b"},
		{name: "EscapeRelative", clientRoot: "/", jailRoot: "/srv/repo", client: "../../etc/passwd", fail: true, wantErr: storage.ErrPathNotChild},
		{name: "EscapeAbsolute", clientRoot: "/", jailRoot: "/srv/repo", client: "/../etc", fail: true, wantErr: storage.ErrPathNotChild},
		{name: "OutsideClientRoot", clientRoot: "/home/repo", jailRoot: "/srv/repo", client: "/home/other", fail: true, wantErr: storage.ErrPathNotChild},
		{name: "PrefixNotChild", clientRoot: "/home/repo", jailRoot: "/srv/repo", client: "/home/repository", fail: true, wantErr: storage.ErrPathNotChild},
		{name: "EscapeAfterClientRoot", clientRoot: "/home/repo", jailRoot: "/srv/repo", client: "/home/repo/../../x", fail: true, wantErr: storage.ErrPathNotChild},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Translate(tc.clientRoot, tc.jailRoot, tc.client)
			if tc.fail {
				assert.True(t, storage.IsCode(err, tc.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestTranslateErrorCarriesBase(t *testing.T) {
	_, err := Translate("/", "/srv/repo", "../x")
	var se *storage.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "../x", se.Path)
	assert.Equal(t, []string{"/"}, se.Extra)
}

func TestScope(t *testing.T) {
	s := NewScope("/srv/repo")
	assert.True(t, s.Allows("/srv/repo"))
	assert.True(t, s.Allows("/srv/repo/a/b"))
	assert.False(t, s.Allows("/srv/repository"))
	assert.False(t, s.Allows("/etc"))

	s.Exit()
	assert.False(t, s.Allows("/srv/repo"))

	assert.True(t, NewScope("/").Allows("/anything"))
}

func TestGuard(t *testing.T) {
	ctx := context.Background()
	mem := vfs.NewMemory()
	require.NoError(t, mem.Mkdir(ctx, "/srv", 0))
	require.NoError(t, mem.Mkdir(ctx, "/srv/repo", 0))
	require.NoError(t, mem.Put(ctx, "/srv/repo/f", []byte("ok"), 0))
	require.NoError(t, mem.Put(ctx, "/passwd", []byte("root"), 0))

	guarded := Guard(mem)

	t.Run("NoScopeDenied", func(t *testing.T) {
		_, err := guarded.Get(ctx, "/srv/repo/f")
		assert.True(t, storage.IsCode(err, storage.ErrJailBreak))
	})

	t.Run("InsideAllowed", func(t *testing.T) {
		sctx, exit := Enter(ctx, "/srv/repo")
		defer exit()
		data, err := guarded.Get(sctx, "/srv/repo/f")
		require.NoError(t, err)
		assert.Equal(t, "ok", string(data))
	})

	t.Run("OutsideDenied", func(t *testing.T) {
		sctx, exit := Enter(ctx, "/srv/repo")
		defer exit()
		_, err := guarded.Get(sctx, "/passwd")
		assert.True(t, storage.IsCode(err, storage.ErrJailBreak))
		_, err = guarded.Get(sctx, "/srv/repo/../../passwd")
		assert.True(t, storage.IsCode(err, storage.ErrJailBreak))
	})

	t.Run("RenameTargetChecked", func(t *testing.T) {
		sctx, exit := Enter(ctx, "/srv/repo")
		defer exit()
		err := guarded.Rename(sctx, "/srv/repo/f", "/stolen")
		assert.True(t, storage.IsCode(err, storage.ErrJailBreak))
		ok, err := mem.Has(ctx, "/stolen")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("ExitedScopeDenied", func(t *testing.T) {
		sctx, exit := Enter(ctx, "/srv/repo")
		exit()
		_, err := guarded.Get(sctx, "/srv/repo/f")
		assert.True(t, storage.IsCode(err, storage.ErrJailBreak))
	})
}
