package storage

import (
	"context"
	"io/fs"
)

// readOnly rejects every mutation of the wrapped transport.
type readOnly struct {
	Transport
}

// ReadOnly wraps t so that every mutating call fails with ErrReadOnly.
// Reads pass through unchanged.
func ReadOnly(t Transport) Transport {
	if t.IsReadOnly() {
		return t
	}
	return &readOnly{Transport: t}
}

func (r *readOnly) Base() string { return "readonly+" + r.Transport.Base() }

func (r *readOnly) IsReadOnly() bool { return true }

func (r *readOnly) Put(_ context.Context, p string, _ []byte, _ fs.FileMode) error {
	return NewError(ErrReadOnly, p)
}

func (r *readOnly) Append(_ context.Context, p string, _ []byte, _ fs.FileMode) (int64, error) {
	return 0, NewError(ErrReadOnly, p)
}

func (r *readOnly) Mkdir(_ context.Context, p string, _ fs.FileMode) error {
	return NewError(ErrReadOnly, p)
}

func (r *readOnly) Rmdir(_ context.Context, p string) error {
	return NewError(ErrReadOnly, p)
}

func (r *readOnly) Delete(_ context.Context, p string) error {
	return NewError(ErrReadOnly, p)
}

func (r *readOnly) Rename(_ context.Context, from, _ string) error {
	return NewError(ErrReadOnly, from)
}
