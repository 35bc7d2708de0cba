// Package lock provides the named write locks used by branch verbs.
//
// A lock is identified by a name (the branch path) and held under an opaque
// token handed to the client. Backends only implement a non-blocking
// TryAcquire; waiting for a contended lock is handled here and bounded by a
// process-wide acquisition timeout that a server sets to zero so it fails
// fast instead of blocking a connection on another client's lock.
package lock

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/marmos91/dittovcs/pkg/storage"
)

// DefaultAcquireTimeout bounds how long Acquire waits for a contended lock.
const DefaultAcquireTimeout = 30 * time.Second

const pollInterval = 100 * time.Millisecond

var acquireTimeout atomic.Int64

func init() {
	acquireTimeout.Store(int64(DefaultAcquireTimeout))
}

// AcquireTimeout returns the current process-wide acquisition timeout.
func AcquireTimeout() time.Duration {
	return time.Duration(acquireTimeout.Load())
}

// SetAcquireTimeout changes the process-wide acquisition timeout and returns
// a function restoring the previous value.
func SetAcquireTimeout(d time.Duration) (restore func()) {
	prev := acquireTimeout.Swap(int64(d))
	return func() { acquireTimeout.Store(prev) }
}

// Backend is the storage side of a lock store.
type Backend interface {
	// TryAcquire stores token for name if the lock is free. When the lock
	// is held it returns the holder's token and false.
	TryAcquire(ctx context.Context, name, token string) (held string, ok bool, err error)

	// Peek returns the current holder's token, or "" when free.
	Peek(ctx context.Context, name string) (string, error)

	// Remove drops the lock only if it is held with token; an empty token
	// removes it unconditionally. It reports whether a lock was removed.
	Remove(ctx context.Context, name, token string) (bool, error)

	Close() error
}

// Store implements lock semantics on top of a Backend.
type Store struct {
	backend Backend
}

// New returns a Store over b.
func New(b Backend) *Store {
	return &Store{backend: b}
}

// Acquire takes the lock on name and returns its token.
//
// With a non-empty token the call re-attaches to an existing lock: it
// succeeds only if the lock is currently held under that same token.
// A lock held by someone else yields ErrLockContention once the
// process-wide timeout expires.
func (s *Store) Acquire(ctx context.Context, name, token string) (string, error) {
	if token != "" {
		held, err := s.backend.Peek(ctx, name)
		if err != nil {
			return "", err
		}
		if held != token {
			return "", storage.NewError(storage.ErrTokenMismatch, name, token, held)
		}
		return held, nil
	}

	fresh := uuid.NewString()
	deadline := time.Now().Add(AcquireTimeout())
	for {
		_, ok, err := s.backend.TryAcquire(ctx, name, fresh)
		if err != nil {
			return "", err
		}
		if ok {
			return fresh, nil
		}
		if !time.Now().Before(deadline) {
			return "", storage.NewError(storage.ErrLockContention, name)
		}

		timer := time.NewTimer(pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}
}

// Validate checks that name is held under token.
func (s *Store) Validate(ctx context.Context, name, token string) error {
	held, err := s.backend.Peek(ctx, name)
	if err != nil {
		return err
	}
	if held == "" {
		return storage.Errorf(storage.ErrLockFailed, name, "not locked")
	}
	if held != token {
		return storage.NewError(storage.ErrTokenMismatch, name, token, held)
	}
	return nil
}

// Release drops the lock on name held under token.
func (s *Store) Release(ctx context.Context, name, token string) error {
	if err := s.Validate(ctx, name, token); err != nil {
		return err
	}
	removed, err := s.backend.Remove(ctx, name, token)
	if err != nil {
		return err
	}
	if !removed {
		return storage.Errorf(storage.ErrLockFailed, name, "lock released concurrently")
	}
	return nil
}

// Break removes the lock on name whoever holds it.
func (s *Store) Break(ctx context.Context, name string) error {
	_, err := s.backend.Remove(ctx, name, "")
	return err
}

// Holder returns the token currently holding name, or "".
func (s *Store) Holder(ctx context.Context, name string) (string, error) {
	return s.backend.Peek(ctx, name)
}

func (s *Store) Close() error {
	return s.backend.Close()
}
