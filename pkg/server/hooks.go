package server

import (
	"sync"
)

// StartedHook is called when the server starts serving.
//
// backingURLs lists the transports the server exposes; publicURL is the
// address clients should use.
type StartedHook func(backingURLs []string, publicURL string)

// StartedExHook is called when the server starts serving, with the server
// itself so the hook can inspect or stop it.
type StartedExHook func(backingURLs []string, srv *Server)

// StoppedHook is called once the server and all its connections are done.
type StoppedHook func(backingURLs []string, publicURL string)

// ExceptionHook is offered every fatal server error. Returning true marks the
// error as handled.
type ExceptionHook func(err error) bool

// Hooks holds lifecycle callbacks. Callbacks run in registration order on
// the goroutine that triggers them.
//
// Thread safety:
// Registration and firing are safe for concurrent use.
type Hooks struct {
	mu        sync.RWMutex
	started   []StartedHook
	startedEx []StartedExHook
	stopped   []StoppedHook
	exception []ExceptionHook
}

// NewHooks returns an empty hook set.
func NewHooks() *Hooks {
	return &Hooks{}
}

func (h *Hooks) OnServerStarted(fn StartedHook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started = append(h.started, fn)
}

func (h *Hooks) OnServerStartedEx(fn StartedExHook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.startedEx = append(h.startedEx, fn)
}

func (h *Hooks) OnServerStopped(fn StoppedHook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = append(h.stopped, fn)
}

func (h *Hooks) OnServerException(fn ExceptionHook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.exception = append(h.exception, fn)
}

func (h *Hooks) fireStarted(backingURLs []string, publicURL string, srv *Server) {
	h.mu.RLock()
	started := append([]StartedHook(nil), h.started...)
	startedEx := append([]StartedExHook(nil), h.startedEx...)
	h.mu.RUnlock()

	for _, fn := range started {
		fn(backingURLs, publicURL)
	}
	for _, fn := range startedEx {
		fn(backingURLs, srv)
	}
}

func (h *Hooks) fireStopped(backingURLs []string, publicURL string) {
	h.mu.RLock()
	stopped := append([]StoppedHook(nil), h.stopped...)
	h.mu.RUnlock()

	for _, fn := range stopped {
		fn(backingURLs, publicURL)
	}
}

// HandleException offers err to every exception hook and reports whether
// any of them handled it. All hooks run even after one handles the error.
func (h *Hooks) HandleException(err error) bool {
	h.mu.RLock()
	hooks := append([]ExceptionHook(nil), h.exception...)
	h.mu.RUnlock()

	handled := false
	for _, fn := range hooks {
		if fn(err) {
			handled = true
		}
	}
	return handled
}
