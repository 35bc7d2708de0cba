// Package storage defines the backing transport a smart server exposes to
// its verbs, the domain error taxonomy, and generic decorators.
//
// Paths handed to a Transport are slash-separated and absolute within the
// transport's own namespace ("/" is the transport root). Implementations
// must never resolve a path outside that namespace.
package storage

import (
	"context"
	"io"
	"io/fs"
	"path"
	"sort"
	"time"
)

// FileInfo describes one entry of a transport.
type FileInfo struct {
	Name    string
	Size    int64
	Mode    fs.FileMode
	IsDir   bool
	ModTime time.Time
}

// Transport is the byte-level storage a verb operates on.
//
// Implementations are shared across connections and must be safe for
// concurrent use. Domain failures are reported as *Error values.
type Transport interface {
	// Base returns a URL describing the transport root, used for logs and hooks.
	Base() string

	// Get returns the full contents of a file.
	Get(ctx context.Context, p string) ([]byte, error)

	// Open returns a reader over a file for streamed responses.
	Open(ctx context.Context, p string) (io.ReadCloser, error)

	// Put replaces a file atomically with data.
	Put(ctx context.Context, p string, data []byte, mode fs.FileMode) error

	// Append adds data to the end of a file, creating it if needed, and
	// returns the size of the file before the append.
	Append(ctx context.Context, p string, data []byte, mode fs.FileMode) (int64, error)

	// Stat returns information about a file or directory.
	Stat(ctx context.Context, p string) (*FileInfo, error)

	// Has reports whether p exists.
	Has(ctx context.Context, p string) (bool, error)

	// Mkdir creates a single directory. The parent must exist.
	Mkdir(ctx context.Context, p string, mode fs.FileMode) error

	// Rmdir removes an empty directory.
	Rmdir(ctx context.Context, p string) error

	// Delete removes a file.
	Delete(ctx context.Context, p string) error

	// Rename moves from onto to, replacing a file at to.
	Rename(ctx context.Context, from, to string) error

	// ListDir returns the names of the entries of a directory, sorted.
	ListDir(ctx context.Context, p string) ([]string, error)

	// IsReadOnly reports whether mutations are rejected.
	IsReadOnly() bool

	// Close releases resources held by the transport.
	Close() error
}

// Clean normalises a transport path: slash separated, rooted, no trailing
// slash. It does not check for escapes; callers that accept client input
// go through the jail first.
func Clean(p string) string {
	if p == "" {
		return "/"
	}
	return path.Clean("/" + p)
}

// Walk lists every file below root, depth first, as paths relative to root.
// Directories are descended but not reported.
func Walk(ctx context.Context, t Transport, root string) ([]string, error) {
	var files []string
	var visit func(dir, rel string) error
	visit = func(dir, rel string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		names, err := t.ListDir(ctx, dir)
		if err != nil {
			return err
		}
		for _, name := range names {
			full := path.Join(dir, name)
			relName := name
			if rel != "" {
				relName = rel + "/" + name
			}
			info, err := t.Stat(ctx, full)
			if err != nil {
				return err
			}
			if info.IsDir {
				if err := visit(full, relName); err != nil {
					return err
				}
				continue
			}
			files = append(files, relName)
		}
		return nil
	}

	if err := visit(Clean(root), ""); err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}
