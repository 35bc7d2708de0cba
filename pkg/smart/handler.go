package smart

import (
	"context"

	"github.com/marmos91/dittovcs/pkg/smart/jail"
	"github.com/marmos91/dittovcs/pkg/storage"
	"github.com/marmos91/dittovcs/pkg/storage/lock"
)

// Handler implements one verb for one request.
//
// Do receives the request arguments (without the verb name). Returning a
// non-nil Response completes the request; returning nil asks for a body,
// which arrives through DoChunk calls (in order) followed by DoEnd.
type Handler interface {
	Do(ctx context.Context, args []string) (*Response, error)
	DoChunk(ctx context.Context, chunk []byte) error
	DoEnd(ctx context.Context) (*Response, error)
}

// Constructor creates a handler bound to env. It is called once per request.
type Constructor func(env *Env) Handler

// Env is what a handler may touch while serving a request.
type Env struct {
	// Transport is the shared backing transport, jail-guarded.
	Transport storage.Transport

	// RootClientPath is the client-visible path of the served root.
	RootClientPath string

	// JailRoot is the backing path no access may escape.
	JailRoot string

	// Locks is the branch lock store.
	Locks *lock.Store

	// ConnID identifies the connection in logs.
	ConnID string
}

// Resolve maps a client path to a backing path inside the jail.
func (e *Env) Resolve(clientPath string) (string, error) {
	return jail.Translate(e.RootClientPath, e.JailRoot, clientPath)
}

// BaseHandler provides the body half of Handler for verbs that take no body.
type BaseHandler struct{}

func (BaseHandler) DoChunk(context.Context, []byte) error {
	return storage.Errorf(storage.ErrBadRequest, "", "verb takes no body")
}

func (BaseHandler) DoEnd(context.Context) (*Response, error) {
	return nil, storage.Errorf(storage.ErrBadRequest, "", "verb takes no body")
}

// BodyHandler buffers the request body and hands it to a function on end.
// Verbs that need the whole body before acting embed it.
type BodyHandler struct {
	body []byte
}

func (b *BodyHandler) DoChunk(_ context.Context, chunk []byte) error {
	b.body = append(b.body, chunk...)
	return nil
}

// Body returns the bytes received so far.
func (b *BodyHandler) Body() []byte {
	return b.body
}
