//go:build integration

package locks_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/marmos91/dittovcs/pkg/storage"
	"github.com/marmos91/dittovcs/pkg/storage/lock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestBadgerLockStore_Integration verifies that branch locks kept in
// BadgerDB behave like the in-memory store and survive a reopen.
//
// Prerequisites:
//   - None (BadgerDB is embedded, no external services needed)
//   - Run with: go test -tags=integration ./test/integration/locks/...
func TestBadgerLockStore_Integration(t *testing.T) {
	ctx := context.Background()
	restore := lock.SetAcquireTimeout(0)
	defer restore()

	dbPath := filepath.Join(t.TempDir(), "locks")
	open := func(t *testing.T) *lock.Store {
		t.Helper()
		backend, err := lock.NewBadgerBackend(lock.BadgerConfig{DBPath: dbPath})
		require.NoError(t, err)
		return lock.New(backend)
	}

	const name = "/repos/trunk/.dvcs/branch"
	var token string

	t.Run("AcquireAndPersist", func(t *testing.T) {
		store := open(t)
		defer store.Close()

		var err error
		token, err = store.Acquire(ctx, name, "")
		require.NoError(t, err)
		require.NotEmpty(t, token)

		_, err = store.Acquire(ctx, name, "")
		assert.True(t, storage.IsCode(err, storage.ErrLockContention))
	})

	t.Run("HeldAfterReopen", func(t *testing.T) {
		store := open(t)
		defer store.Close()

		holder, err := store.Holder(ctx, name)
		require.NoError(t, err)
		assert.Equal(t, token, holder)

		got, err := store.Acquire(ctx, name, token)
		require.NoError(t, err)
		assert.Equal(t, token, got)

		err = store.Release(ctx, name, "wrong")
		assert.True(t, storage.IsCode(err, storage.ErrTokenMismatch))

		require.NoError(t, store.Release(ctx, name, token))
	})

	t.Run("ReleasedAfterReopen", func(t *testing.T) {
		store := open(t)
		defer store.Close()

		holder, err := store.Holder(ctx, name)
		require.NoError(t, err)
		assert.Empty(t, holder)
	})

	t.Run("ConcurrentAcquireHasOneWinner", func(t *testing.T) {
		store := open(t)
		defer store.Close()

		const contenders = 16
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners int
		)
		for i := 0; i < contenders; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := store.Acquire(ctx, "/repos/race/.dvcs/branch", ""); err == nil {
					mu.Lock()
					winners++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, winners)
	})
}
