package smart

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/marmos91/dittovcs/internal/logger"
	"github.com/marmos91/dittovcs/pkg/smart/jail"
	"github.com/marmos91/dittovcs/pkg/storage"
)

// PanicError is what a recovered handler panic is reported as.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.Value)
}

// Invocation drives one handler through its entry, chunk and finalize calls.
//
// Every call runs inside a fresh jail scope that is exited when the call
// returns, and every error or panic becomes a failure response. At most one
// entry and one finalize call run; chunks are only delivered between them.
type Invocation struct {
	env     *Env
	verb    string
	handler Handler

	started  bool
	finished bool
}

func NewInvocation(env *Env, verb string, h Handler) *Invocation {
	return &Invocation{env: env, verb: verb, handler: h}
}

// Start runs the entry call. A nil result means a body is expected.
func (inv *Invocation) Start(ctx context.Context, args []string) *Response {
	if inv.started {
		return nil
	}
	inv.started = true
	resp := inv.run(ctx, func(ctx context.Context) (*Response, error) {
		return inv.handler.Do(ctx, args)
	})
	if resp != nil {
		inv.finished = true
	}
	return resp
}

// Chunk delivers one body chunk. A non-nil result is a failure that ends
// the request.
func (inv *Invocation) Chunk(ctx context.Context, chunk []byte) *Response {
	if !inv.started || inv.finished {
		return nil
	}
	resp := inv.run(ctx, func(ctx context.Context) (*Response, error) {
		return nil, inv.handler.DoChunk(ctx, chunk)
	})
	if resp != nil {
		inv.finished = true
	}
	return resp
}

// End runs the finalize call and returns its response.
func (inv *Invocation) End(ctx context.Context) *Response {
	if !inv.started || inv.finished {
		return nil
	}
	inv.finished = true
	resp := inv.run(ctx, func(ctx context.Context) (*Response, error) {
		return inv.handler.DoEnd(ctx)
	})
	if resp == nil {
		logger.Error("Verb %s produced no response at end of body", inv.verb)
		resp = TranslateError(fmt.Errorf("verb %s produced no response", inv.verb))
	}
	return resp
}

// Construct builds the handler for verb and wraps it in an Invocation. A
// constructor panic yields a failure response and no invocation.
func Construct(env *Env, verb string, ctor Constructor) (inv *Invocation, failure *Response) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic constructing verb %s [conn %s]: %v\n%s", verb, env.ConnID, r, debug.Stack())
			inv, failure = nil, TranslateError(&PanicError{Value: r})
		}
	}()
	return NewInvocation(env, verb, ctor(env)), nil
}

// Finished reports whether the invocation has produced its response.
func (inv *Invocation) Finished() bool {
	return inv.finished
}

func (inv *Invocation) run(ctx context.Context, fn func(context.Context) (*Response, error)) (resp *Response) {
	ctx, exit := jail.Enter(ctx, inv.env.JailRoot)
	defer exit()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic in verb %s [conn %s]: %v\n%s", inv.verb, inv.env.ConnID, r, debug.Stack())
			resp = TranslateError(&PanicError{Value: r})
		}
	}()

	r, err := fn(ctx)
	if err != nil {
		if storage.IsCode(err, storage.ErrJailBreak) {
			logger.Warn("Verb %s [conn %s] attempted access outside its jail: %v", inv.verb, inv.env.ConnID, err)
		}
		return TranslateError(err)
	}
	return r
}
