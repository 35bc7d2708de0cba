package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"syscall"
)

// Error represents a domain error raised while serving a verb.
//
// These are the errors a client can branch on (missing file, lock held by
// someone else, sandbox violation) as opposed to infrastructure failures.
// The smart server translates each Code into exactly one wire tuple.
type Error struct {
	// Code is the error category
	Code ErrorCode

	// Path is the path the error refers to (if applicable)
	Path string

	// Extra carries code-specific details, e.g. the given and held tokens
	// of a TokenMismatch or the offset/length/actual of a short read
	Extra []string

	// Message is a human-readable description
	Message string

	// Err is the underlying cause, if any
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code.String()
	}
	if e.Path != "" {
		msg += ": " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrorCode represents the category of a domain error.
//
// The set is closed. Adding a code requires adding its wire mapping,
// otherwise the exhaustiveness test of the translator fails.
type ErrorCode int

const (
	// ErrNoSuchFile indicates the requested file or directory doesn't exist
	ErrNoSuchFile ErrorCode = iota

	// ErrFileExists indicates the target already exists
	ErrFileExists

	// ErrDirectoryNotEmpty indicates a directory cannot be removed
	ErrDirectoryNotEmpty

	// ErrNotADirectory indicates a directory operation on a file
	ErrNotADirectory

	// ErrPermissionDenied indicates the backing store refused access
	ErrPermissionDenied

	// ErrReadOnly indicates a mutation against a read-only transport
	ErrReadOnly

	// ErrLockContention indicates a lock is held by another client
	ErrLockContention

	// ErrLockFailed indicates a lock operation could not be performed,
	// e.g. releasing a lock that is not held
	ErrLockFailed

	// ErrTokenMismatch indicates the supplied lock token is not the held one
	ErrTokenMismatch

	// ErrNotStacked indicates a stacking operation on a non-stacked branch
	ErrNotStacked

	// ErrNotBranch indicates the path holds no branch
	ErrNotBranch

	// ErrShortRead indicates a ranged read ran past the end of a file
	ErrShortRead

	// ErrPathNotChild indicates a client path resolves outside its root
	ErrPathNotChild

	// ErrJailBreak indicates an access outside the request's jail
	ErrJailBreak

	// ErrUnknownMethod indicates the verb is not registered
	ErrUnknownMethod

	// ErrBadRequest indicates malformed arguments or an out-of-order event
	ErrBadRequest

	errorCodeCount
)

var codeNames = [...]string{
	ErrNoSuchFile:        "NoSuchFile",
	ErrFileExists:        "FileExists",
	ErrDirectoryNotEmpty: "DirectoryNotEmpty",
	ErrNotADirectory:     "NotADirectory",
	ErrPermissionDenied:  "PermissionDenied",
	ErrReadOnly:          "ReadOnly",
	ErrLockContention:    "LockContention",
	ErrLockFailed:        "LockFailed",
	ErrTokenMismatch:     "TokenMismatch",
	ErrNotStacked:        "NotStacked",
	ErrNotBranch:         "NotBranch",
	ErrShortRead:         "ShortRead",
	ErrPathNotChild:      "PathNotChild",
	ErrJailBreak:         "JailBreak",
	ErrUnknownMethod:     "UnknownMethod",
	ErrBadRequest:        "BadRequest",
}

func (c ErrorCode) String() string {
	if c < 0 || c >= errorCodeCount {
		return fmt.Sprintf("ErrorCode(%d)", int(c))
	}
	return codeNames[c]
}

// ErrorCodes returns every defined code in declaration order.
func ErrorCodes() []ErrorCode {
	codes := make([]ErrorCode, 0, errorCodeCount)
	for c := ErrorCode(0); c < errorCodeCount; c++ {
		codes = append(codes, c)
	}
	return codes
}

// NewError creates an Error for path with optional extra details.
func NewError(code ErrorCode, path string, extra ...string) *Error {
	return &Error{Code: code, Path: path, Extra: extra}
}

// Errorf creates an Error carrying a formatted message.
func Errorf(code ErrorCode, path string, format string, args ...any) *Error {
	return &Error{Code: code, Path: path, Message: fmt.Sprintf(format, args...)}
}

// IsCode reports whether err wraps an *Error with the given code.
func IsCode(err error, code ErrorCode) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// FromOS converts an error returned by a filesystem-like backend into an
// *Error when it has a domain meaning. Other errors are returned unchanged.
func FromOS(err error, path string) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}

	switch {
	case errors.Is(err, fs.ErrNotExist):
		return &Error{Code: ErrNoSuchFile, Path: path, Err: err}
	case errors.Is(err, fs.ErrExist):
		return &Error{Code: ErrFileExists, Path: path, Err: err}
	case errors.Is(err, syscall.ENOTEMPTY):
		return &Error{Code: ErrDirectoryNotEmpty, Path: path, Err: err}
	case errors.Is(err, syscall.ENOTDIR):
		return &Error{Code: ErrNotADirectory, Path: path, Err: err}
	case errors.Is(err, fs.ErrPermission):
		return &Error{Code: ErrPermissionDenied, Path: path, Err: err}
	}
	return err
}

// Rebase rewrites the path of a storage error from one spelling to another.
// Errors about other paths, and errors that are not *Error, are returned
// unchanged. Decorators use it so callers see paths in their own namespace.
func Rebase(err error, from, to string) error {
	var se *Error
	if err == nil || !errors.As(err, &se) || se.Path != from || from == to {
		return err
	}
	cp := *se
	cp.Path = to
	return &cp
}
