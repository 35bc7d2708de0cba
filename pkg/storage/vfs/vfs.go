// Package vfs implements storage.Transport on top of an afero filesystem.
//
// NewLocal serves a host directory through afero.BasePathFs and resolves
// symlinks on every access, so neither ".." nor a link can leave it.
// NewMemory serves an in-memory tree and is what tests use.
package vfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/marmos91/dittovcs/pkg/storage"
	"github.com/spf13/afero"
)

// Transport is an afero-backed storage.Transport.
type Transport struct {
	fs   afero.Fs
	base string

	// root is the resolved host directory of a local transport. Empty for
	// filesystems without symlinks.
	root string
}

// Config is the decoded configuration of a local transport.
type Config struct {
	// Path is the host directory served as the transport root.
	Path string `mapstructure:"path" validate:"required"`

	// CreateDir creates Path when it does not exist.
	CreateDir bool `mapstructure:"create_dir"`
}

// NewLocal serves the host directory root.
func NewLocal(cfg Config) (*Transport, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("local transport: path is required")
	}
	info, err := os.Stat(cfg.Path)
	switch {
	case errors.Is(err, fs.ErrNotExist) && cfg.CreateDir:
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, fmt.Errorf("create transport root %s: %w", cfg.Path, err)
		}
	case err != nil:
		return nil, fmt.Errorf("stat transport root %s: %w", cfg.Path, err)
	case !info.IsDir():
		return nil, fmt.Errorf("transport root %s is not a directory", cfg.Path)
	}

	root, err := filepath.Abs(cfg.Path)
	if err == nil {
		root, err = filepath.EvalSymlinks(root)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve transport root %s: %w", cfg.Path, err)
	}

	return &Transport{
		fs:   afero.NewBasePathFs(afero.NewOsFs(), root),
		base: "file://" + cfg.Path,
		root: root,
	}, nil
}

// NewMemory returns an empty in-memory transport.
func NewMemory() *Transport {
	return &Transport{fs: afero.NewMemMapFs(), base: "memory:///"}
}

// New wraps an arbitrary afero filesystem.
func New(afs afero.Fs, base string) *Transport {
	return &Transport{fs: afs, base: base}
}

func (t *Transport) Base() string { return t.base }

func (t *Transport) IsReadOnly() bool { return false }

func (t *Transport) Close() error { return nil }

func (t *Transport) Get(ctx context.Context, p string) ([]byte, error) {
	p = storage.Clean(p)
	if err := t.confine(p); err != nil {
		return nil, err
	}
	info, err := t.fs.Stat(p)
	if err != nil {
		return nil, storage.FromOS(err, p)
	}
	if info.IsDir() {
		return nil, storage.Errorf(storage.ErrPermissionDenied, p, "is a directory")
	}
	data, err := afero.ReadFile(t.fs, p)
	if err != nil {
		return nil, storage.FromOS(err, p)
	}
	return data, nil
}

func (t *Transport) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	p = storage.Clean(p)
	if err := t.confine(p); err != nil {
		return nil, err
	}
	f, err := t.fs.Open(p)
	if err != nil {
		return nil, storage.FromOS(err, p)
	}
	return f, nil
}

// Put writes to a temporary sibling and renames it into place.
func (t *Transport) Put(ctx context.Context, p string, data []byte, mode fs.FileMode) error {
	p = storage.Clean(p)
	if err := t.confine(p); err != nil {
		return err
	}
	if err := t.requireDir(path.Dir(p)); err != nil {
		return err
	}
	if mode == 0 {
		mode = 0o644
	}

	tmp := path.Join(path.Dir(p), "."+path.Base(p)+".tmp-"+uuid.NewString())
	if err := afero.WriteFile(t.fs, tmp, data, mode); err != nil {
		return storage.FromOS(err, p)
	}
	if err := t.fs.Rename(tmp, p); err != nil {
		_ = t.fs.Remove(tmp)
		return storage.FromOS(err, p)
	}
	return nil
}

func (t *Transport) Append(ctx context.Context, p string, data []byte, mode fs.FileMode) (int64, error) {
	p = storage.Clean(p)
	if err := t.confine(p); err != nil {
		return 0, err
	}
	if err := t.requireDir(path.Dir(p)); err != nil {
		return 0, err
	}
	if mode == 0 {
		mode = 0o644
	}

	var offset int64
	if info, err := t.fs.Stat(p); err == nil {
		if info.IsDir() {
			return 0, storage.Errorf(storage.ErrPermissionDenied, p, "is a directory")
		}
		offset = info.Size()
	}

	f, err := t.fs.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_APPEND, mode)
	if err != nil {
		return 0, storage.FromOS(err, p)
	}
	if _, err := io.Copy(f, bytes.NewReader(data)); err != nil {
		_ = f.Close()
		return 0, storage.FromOS(err, p)
	}
	if err := f.Close(); err != nil {
		return 0, storage.FromOS(err, p)
	}
	return offset, nil
}

func (t *Transport) Stat(ctx context.Context, p string) (*storage.FileInfo, error) {
	p = storage.Clean(p)
	if err := t.confine(p); err != nil {
		return nil, err
	}
	info, err := t.fs.Stat(p)
	if err != nil {
		return nil, storage.FromOS(err, p)
	}
	return &storage.FileInfo{
		Name:    info.Name(),
		Size:    info.Size(),
		Mode:    info.Mode().Perm(),
		IsDir:   info.IsDir(),
		ModTime: info.ModTime(),
	}, nil
}

func (t *Transport) Has(ctx context.Context, p string) (bool, error) {
	p = storage.Clean(p)
	if err := t.confine(p); err != nil {
		return false, err
	}
	ok, err := afero.Exists(t.fs, p)
	if err != nil {
		return false, storage.FromOS(err, p)
	}
	return ok, nil
}

func (t *Transport) Mkdir(ctx context.Context, p string, mode fs.FileMode) error {
	p = storage.Clean(p)
	if err := t.confine(p); err != nil {
		return err
	}
	if ok, _ := afero.Exists(t.fs, p); ok {
		return storage.NewError(storage.ErrFileExists, p)
	}
	if err := t.requireDir(path.Dir(p)); err != nil {
		return err
	}
	if mode == 0 {
		mode = 0o755
	}
	return storage.FromOS(t.fs.Mkdir(p, mode), p)
}

func (t *Transport) Rmdir(ctx context.Context, p string) error {
	p = storage.Clean(p)
	if err := t.confine(p); err != nil {
		return err
	}
	if p == "/" {
		return storage.Errorf(storage.ErrPermissionDenied, p, "cannot remove the root")
	}
	if err := t.requireDir(p); err != nil {
		return err
	}
	empty, err := afero.IsEmpty(t.fs, p)
	if err != nil {
		return storage.FromOS(err, p)
	}
	if !empty {
		return storage.NewError(storage.ErrDirectoryNotEmpty, p)
	}
	return storage.FromOS(t.fs.Remove(p), p)
}

func (t *Transport) Delete(ctx context.Context, p string) error {
	p = storage.Clean(p)
	if err := t.confine(p); err != nil {
		return err
	}
	info, err := t.fs.Stat(p)
	if err != nil {
		return storage.FromOS(err, p)
	}
	if info.IsDir() {
		return &storage.Error{Code: storage.ErrPermissionDenied, Path: p, Extra: []string{"is a directory"}}
	}
	return storage.FromOS(t.fs.Remove(p), p)
}

func (t *Transport) Rename(ctx context.Context, from, to string) error {
	from, to = storage.Clean(from), storage.Clean(to)
	if err := t.confine(from); err != nil {
		return err
	}
	if err := t.confine(to); err != nil {
		return err
	}
	if _, err := t.fs.Stat(from); err != nil {
		return storage.FromOS(err, from)
	}
	if err := t.requireDir(path.Dir(to)); err != nil {
		return err
	}
	return storage.FromOS(t.fs.Rename(from, to), from)
}

func (t *Transport) ListDir(ctx context.Context, p string) ([]string, error) {
	p = storage.Clean(p)
	if err := t.confine(p); err != nil {
		return nil, err
	}
	if err := t.requireDir(p); err != nil {
		return nil, err
	}
	entries, err := afero.ReadDir(t.fs, p)
	if err != nil {
		return nil, storage.FromOS(err, p)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

func (t *Transport) requireDir(p string) error {
	info, err := t.fs.Stat(p)
	if err != nil {
		return storage.FromOS(err, p)
	}
	if !info.IsDir() {
		return storage.NewError(storage.ErrNotADirectory, p)
	}
	return nil
}

// confine fails with ErrPathNotChild when p, after resolving symlinks,
// lies outside the served directory. For a path that does not exist yet
// the deepest existing ancestor is checked; a dangling link is refused.
func (t *Transport) confine(p string) error {
	if t.root == "" {
		return nil
	}
	host := filepath.Join(t.root, filepath.FromSlash(p))
	for {
		resolved, err := filepath.EvalSymlinks(host)
		if err == nil {
			if !within(t.root, resolved) {
				return storage.NewError(storage.ErrPathNotChild, p, "/")
			}
			return nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return storage.FromOS(err, p)
		}
		if _, lerr := os.Lstat(host); lerr == nil {
			return storage.NewError(storage.ErrPathNotChild, p, "/")
		}
		parent := filepath.Dir(host)
		if parent == host || !within(t.root, parent) {
			return nil
		}
		host = parent
	}
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
