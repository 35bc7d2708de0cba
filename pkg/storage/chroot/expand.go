package chroot

import (
	"context"
	"fmt"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/marmos91/dittovcs/pkg/storage"
)

// HomeResolver maps a user name to its home directory. The empty name
// stands for the user running the server.
type HomeResolver interface {
	HomeDir(name string) (string, error)
}

// MapResolver resolves homes from a fixed table, typically from configuration.
type MapResolver map[string]string

func (m MapResolver) HomeDir(name string) (string, error) {
	dir, ok := m[name]
	if !ok {
		return "", fmt.Errorf("no home directory configured for %q", name)
	}
	return dir, nil
}

// OSResolver resolves homes through the host user database.
type OSResolver struct{}

func (OSResolver) HomeDir(name string) (string, error) {
	var u *user.User
	var err error
	if name == "" {
		u, err = user.Current()
	} else {
		u, err = user.Lookup(name)
	}
	if err != nil {
		return "", err
	}
	return u.HomeDir, nil
}

// ExpandUser rewrites a leading "~" or "~name" segment to that user's home
// directory. Homes are interpreted in the namespace whose directory
// chrootDir is the transport root; an expansion landing outside chrootDir
// is denied with ErrPathNotChild. Paths without a tilde pass through.
func ExpandUser(t storage.Transport, resolver HomeResolver, chrootDir string) *storage.Mapped {
	chrootDir = filepath.Clean(chrootDir)
	return storage.NewMapped(t, func(_ context.Context, p string) (string, error) {
		return expand(resolver, chrootDir, p)
	}, "")
}

func expand(resolver HomeResolver, chrootDir, p string) (string, error) {
	trimmed := strings.TrimLeft(p, "/")
	if !strings.HasPrefix(trimmed, "~") {
		return p, nil
	}

	first, rest, _ := strings.Cut(trimmed, "/")
	home, err := resolver.HomeDir(first[1:])
	if err != nil {
		return "", &storage.Error{Code: storage.ErrNoSuchFile, Path: p, Err: err}
	}

	rel, err := filepath.Rel(chrootDir, filepath.Clean(home))
	if err != nil || rel == ".." || strings.HasPrefix(rel, "../") || filepath.IsAbs(rel) {
		return "", storage.NewError(storage.ErrPathNotChild, p, chrootDir)
	}

	expanded := "/" + filepath.ToSlash(rel)
	if rel == "." {
		expanded = "/"
	}
	contained, err := Contain(expanded + "/" + rest)
	if err != nil {
		return "", storage.NewError(storage.ErrPathNotChild, p, chrootDir)
	}
	return contained, nil
}
