// Package ui is the process-wide sink for interactive, human-oriented output
// such as startup banners. A serving process silences it so nothing but
// protocol bytes reach a pipe-mode client.
package ui

import (
	"fmt"
	"io"
	"os"
	"sync"
)

var (
	mu     sync.Mutex
	out    io.Writer = os.Stderr
	silent bool
)

// Printf writes to the interactive sink unless it is silenced.
func Printf(format string, v ...any) {
	mu.Lock()
	defer mu.Unlock()
	if silent {
		return
	}
	_, _ = fmt.Fprintf(out, format, v...)
}

// SetOutput changes the sink and returns a function restoring the previous one.
func SetOutput(w io.Writer) (restore func()) {
	mu.Lock()
	defer mu.Unlock()
	prev := out
	out = w
	return func() {
		mu.Lock()
		defer mu.Unlock()
		out = prev
	}
}

// Silence suppresses interactive output and returns a function restoring
// the previous state.
func Silence() (restore func()) {
	mu.Lock()
	defer mu.Unlock()
	prev := silent
	silent = true
	return func() {
		mu.Lock()
		defer mu.Unlock()
		silent = prev
	}
}

// IsSilent reports whether interactive output is currently suppressed.
func IsSilent() bool {
	mu.Lock()
	defer mu.Unlock()
	return silent
}
