// Package jail keeps every storage access of a request inside the request's
// jail root.
//
// Two independent layers cooperate:
//
//   - Translate maps a client-visible path onto a backing path under the jail
//     root and rejects anything that climbs out (ErrPathNotChild). Handlers
//     use it for every path they receive.
//   - Guard wraps the backing transport and vets every path of every call
//     against the Scope carried by the call's context (ErrJailBreak). It
//     catches accesses a handler makes without going through Translate.
//
// A Scope is entered when a handler method starts and exited when it
// returns, so storage calls made with a stale context are refused.
package jail

import (
	"context"
	"path"
	"strings"
	"sync/atomic"

	"github.com/marmos91/dittovcs/pkg/storage"
	"github.com/marmos91/dittovcs/pkg/storage/chroot"
)

// Translate maps clientPath onto the backing namespace.
//
// Absolute client paths must lie under rootClientPath and are taken
// relative to it; relative client paths are relative to it already. The
// result is joined under jailRoot. No I/O is performed.
func Translate(rootClientPath, jailRoot, clientPath string) (string, error) {
	root := storage.Clean(rootClientPath)
	rel := clientPath

	if strings.HasPrefix(clientPath, "/") && root != "/" {
		switch {
		case clientPath == root:
			rel = ""
		case strings.HasPrefix(clientPath, root+"/"):
			rel = clientPath[len(root):]
		default:
			return "", storage.NewError(storage.ErrPathNotChild, clientPath, root)
		}
	}

	contained, err := chroot.Contain(rel)
	if err != nil {
		if storage.IsCode(err, storage.ErrPathNotChild) {
			return "", storage.NewError(storage.ErrPathNotChild, clientPath, root)
		}
		return "", err
	}
	return path.Join(storage.Clean(jailRoot), contained), nil
}

// Scope is the allow-list of backing roots for one handler call.
type Scope struct {
	roots  []string
	active atomic.Bool
}

// NewScope returns an active scope allowing the given roots and everything
// below them.
func NewScope(roots ...string) *Scope {
	s := &Scope{roots: make([]string, 0, len(roots))}
	for _, r := range roots {
		s.roots = append(s.roots, storage.Clean(r))
	}
	s.active.Store(true)
	return s
}

// Exit deactivates the scope. Further checks against it fail.
func (s *Scope) Exit() {
	s.active.Store(false)
}

// Active reports whether the scope has not been exited.
func (s *Scope) Active() bool {
	return s.active.Load()
}

// Allows reports whether p lies under one of the scope's roots.
func (s *Scope) Allows(p string) bool {
	if !s.Active() {
		return false
	}
	p = storage.Clean(p)
	for _, root := range s.roots {
		if root == "/" || p == root || strings.HasPrefix(p, root+"/") {
			return true
		}
	}
	return false
}

type scopeKey struct{}

// WithScope returns a context carrying s.
func WithScope(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// FromContext returns the scope carried by ctx, or nil.
func FromContext(ctx context.Context) *Scope {
	s, _ := ctx.Value(scopeKey{}).(*Scope)
	return s
}

// Enter installs a fresh scope for roots in ctx. The returned function exits
// it and must be called when the guarded work ends, including on failure.
func Enter(ctx context.Context, roots ...string) (context.Context, func()) {
	s := NewScope(roots...)
	return WithScope(ctx, s), s.Exit
}

// Guard wraps t so that every path is checked against the scope of the
// call's context. A call without an active scope is refused.
func Guard(t storage.Transport) *storage.Mapped {
	return storage.NewMapped(t, check, "")
}

func check(ctx context.Context, p string) (string, error) {
	cleaned, err := chroot.Contain(p)
	if err != nil {
		return "", storage.NewError(storage.ErrJailBreak, p)
	}
	s := FromContext(ctx)
	if s == nil || !s.Allows(cleaned) {
		return "", storage.NewError(storage.ErrJailBreak, p)
	}
	return cleaned, nil
}
