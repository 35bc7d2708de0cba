package lock

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/marmos91/dittovcs/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]func() Backend {
	return map[string]func() Backend{
		"Memory": func() Backend { return NewMemoryBackend() },
		"Badger": func() Backend {
			b, err := NewBadgerBackend(BadgerConfig{DBPath: filepath.Join(t.TempDir(), "locks")})
			require.NoError(t, err)
			return b
		},
	}
}

func TestStore(t *testing.T) {
	restore := SetAcquireTimeout(0)
	defer restore()

	for name, newBackend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := New(newBackend())
			defer func() { require.NoError(t, s.Close()) }()

			token, err := s.Acquire(ctx, "/branch", "")
			require.NoError(t, err)
			require.NotEmpty(t, token)

			_, err = s.Acquire(ctx, "/branch", "")
			assert.True(t, storage.IsCode(err, storage.ErrLockContention))

			again, err := s.Acquire(ctx, "/branch", token)
			require.NoError(t, err)
			assert.Equal(t, token, again)

			_, err = s.Acquire(ctx, "/branch", "bogus")
			assert.True(t, storage.IsCode(err, storage.ErrTokenMismatch))

			err = s.Release(ctx, "/branch", "bogus")
			var se *storage.Error
			require.ErrorAs(t, err, &se)
			assert.Equal(t, storage.ErrTokenMismatch, se.Code)
			assert.Equal(t, []string{"bogus", token}, se.Extra)

			require.NoError(t, s.Release(ctx, "/branch", token))
			assert.True(t, storage.IsCode(s.Release(ctx, "/branch", token), storage.ErrLockFailed))

			holder, err := s.Holder(ctx, "/branch")
			require.NoError(t, err)
			assert.Empty(t, holder)

			_, err = s.Acquire(ctx, "/other", "")
			require.NoError(t, err)
			require.NoError(t, s.Break(ctx, "/other"))
			_, err = s.Acquire(ctx, "/other", "")
			require.NoError(t, err)
		})
	}
}

func TestAcquireWaitsForRelease(t *testing.T) {
	restore := SetAcquireTimeout(2 * time.Second)
	defer restore()

	ctx := context.Background()
	s := New(NewMemoryBackend())
	token, err := s.Acquire(ctx, "/b", "")
	require.NoError(t, err)

	go func() {
		time.Sleep(150 * time.Millisecond)
		_ = s.Release(ctx, "/b", token)
	}()

	next, err := s.Acquire(ctx, "/b", "")
	require.NoError(t, err)
	assert.NotEqual(t, token, next)
}

func TestSetAcquireTimeoutRestores(t *testing.T) {
	before := AcquireTimeout()
	restore := SetAcquireTimeout(0)
	assert.Equal(t, time.Duration(0), AcquireTimeout())
	restore()
	assert.Equal(t, before, AcquireTimeout())
}

func TestBadgerLocksSurviveReopen(t *testing.T) {
	restore := SetAcquireTimeout(0)
	defer restore()

	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "locks")

	b, err := NewBadgerBackend(BadgerConfig{DBPath: dir})
	require.NoError(t, err)
	token, err := New(b).Acquire(ctx, "/branch", "")
	require.NoError(t, err)
	require.NoError(t, b.Close())

	b, err = NewBadgerBackend(BadgerConfig{DBPath: dir})
	require.NoError(t, err)
	defer b.Close()
	s := New(b)

	require.NoError(t, s.Validate(ctx, "/branch", token))
	_, err = s.Acquire(ctx, "/branch", "")
	assert.True(t, storage.IsCode(err, storage.ErrLockContention))
}
