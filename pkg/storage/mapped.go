package storage

import (
	"context"
	"io"
	"io/fs"
)

// PathFunc rewrites or vets a path before it reaches an inner transport.
// Returning an error aborts the call without touching the inner transport.
type PathFunc func(ctx context.Context, p string) (string, error)

// Mapped is a Transport that passes every path through a PathFunc.
// Storage errors about a mapped path are reported under the caller's path.
// Chroot confinement, home-directory expansion and the request jail are
// all expressed as Mapped transports.
type Mapped struct {
	inner Transport
	fn    PathFunc
	base  string
}

// NewMapped wraps inner. base overrides Base() when non-empty.
func NewMapped(inner Transport, fn PathFunc, base string) *Mapped {
	return &Mapped{inner: inner, fn: fn, base: base}
}

// Inner returns the wrapped transport.
func (m *Mapped) Inner() Transport { return m.inner }

func (m *Mapped) Base() string {
	if m.base != "" {
		return m.base
	}
	return m.inner.Base()
}

func (m *Mapped) IsReadOnly() bool { return m.inner.IsReadOnly() }

func (m *Mapped) Close() error { return m.inner.Close() }

func (m *Mapped) Get(ctx context.Context, p string) ([]byte, error) {
	rp, err := m.fn(ctx, p)
	if err != nil {
		return nil, err
	}
	data, err := m.inner.Get(ctx, rp)
	return data, Rebase(err, rp, p)
}

func (m *Mapped) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	rp, err := m.fn(ctx, p)
	if err != nil {
		return nil, err
	}
	rc, err := m.inner.Open(ctx, rp)
	return rc, Rebase(err, rp, p)
}

func (m *Mapped) Put(ctx context.Context, p string, data []byte, mode fs.FileMode) error {
	rp, err := m.fn(ctx, p)
	if err != nil {
		return err
	}
	return Rebase(m.inner.Put(ctx, rp, data, mode), rp, p)
}

func (m *Mapped) Append(ctx context.Context, p string, data []byte, mode fs.FileMode) (int64, error) {
	rp, err := m.fn(ctx, p)
	if err != nil {
		return 0, err
	}
	n, err := m.inner.Append(ctx, rp, data, mode)
	return n, Rebase(err, rp, p)
}

func (m *Mapped) Stat(ctx context.Context, p string) (*FileInfo, error) {
	rp, err := m.fn(ctx, p)
	if err != nil {
		return nil, err
	}
	info, err := m.inner.Stat(ctx, rp)
	return info, Rebase(err, rp, p)
}

func (m *Mapped) Has(ctx context.Context, p string) (bool, error) {
	rp, err := m.fn(ctx, p)
	if err != nil {
		return false, err
	}
	ok, err := m.inner.Has(ctx, rp)
	return ok, Rebase(err, rp, p)
}

func (m *Mapped) Mkdir(ctx context.Context, p string, mode fs.FileMode) error {
	rp, err := m.fn(ctx, p)
	if err != nil {
		return err
	}
	return Rebase(m.inner.Mkdir(ctx, rp, mode), rp, p)
}

func (m *Mapped) Rmdir(ctx context.Context, p string) error {
	rp, err := m.fn(ctx, p)
	if err != nil {
		return err
	}
	return Rebase(m.inner.Rmdir(ctx, rp), rp, p)
}

func (m *Mapped) Delete(ctx context.Context, p string) error {
	rp, err := m.fn(ctx, p)
	if err != nil {
		return err
	}
	return Rebase(m.inner.Delete(ctx, rp), rp, p)
}

// Rename maps both ends; either one failing aborts the rename.
func (m *Mapped) Rename(ctx context.Context, from, to string) error {
	rf, err := m.fn(ctx, from)
	if err != nil {
		return err
	}
	rt, err := m.fn(ctx, to)
	if err != nil {
		return err
	}
	err = m.inner.Rename(ctx, rf, rt)
	return Rebase(Rebase(err, rf, from), rt, to)
}

func (m *Mapped) ListDir(ctx context.Context, p string) ([]string, error) {
	rp, err := m.fn(ctx, p)
	if err != nil {
		return nil, err
	}
	names, err := m.inner.ListDir(ctx, rp)
	return names, Rebase(err, rp, p)
}
