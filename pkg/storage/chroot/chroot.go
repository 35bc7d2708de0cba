// Package chroot confines a storage.Transport to a subtree and optionally
// expands home-directory shorthands inside that subtree.
package chroot

import (
	"context"
	"path"
	"strings"

	"github.com/marmos91/dittovcs/pkg/storage"
)

// New confines t to root: the subtree root of t is presented as "/".
// Every path is joined under root and a path that would climb above it
// fails with ErrPathNotChild.
func New(t storage.Transport, root string) *storage.Mapped {
	root = storage.Clean(root)
	base := t.Base()
	if root != "/" {
		base = strings.TrimSuffix(base, "/") + root
	}
	return storage.NewMapped(t, func(_ context.Context, p string) (string, error) {
		rel, err := Contain(p)
		if err != nil {
			return "", err
		}
		return path.Join(root, rel), nil
	}, base)
}

// Contain cleans p as a path below "/" and returns it in rooted form.
// Any ".." that would climb above the root fails with ErrPathNotChild.
func Contain(p string) (string, error) {
	if strings.ContainsRune(p, 0) {
		return "", storage.Errorf(storage.ErrBadRequest, "", "path contains NUL byte")
	}
	var segs []string
	for _, seg := range strings.Split(p, "/") {
		switch seg {
		case "", ".":
		case "..":
			if len(segs) == 0 {
				return "", storage.NewError(storage.ErrPathNotChild, p, "/")
			}
			segs = segs[:len(segs)-1]
		default:
			segs = append(segs, seg)
		}
	}
	return "/" + strings.Join(segs, "/"), nil
}
