package smart

import (
	"errors"
	"fmt"

	"github.com/marmos91/dittovcs/internal/logger"
	"github.com/marmos91/dittovcs/pkg/storage"
)

// GenericErrorMessage is the only text an unrecognised error puts on the wire.
const GenericErrorMessage = "internal server error"

// TranslateError converts a handler error into a failure response.
//
// This is the single place where domain errors become wire tuples. Every
// storage.ErrorCode has exactly one rule. Errors that are not a
// *storage.Error are logged in full locally and only their Go type name
// crosses the wire.
func TranslateError(err error) *Response {
	var se *storage.Error
	if !errors.As(err, &se) {
		logger.Error("Unexpected error while serving request: %v", err)
		return Failure("error", fmt.Sprintf("%T", err), GenericErrorMessage)
	}

	logCodeError(se)
	args, ok := wireArgs(se)
	if !ok {
		logger.Error("No wire mapping for error code %s: %v", se.Code, se)
		return Failure("error", fmt.Sprintf("%T", err), GenericErrorMessage)
	}
	return Failure(args...)
}

// wireArgs returns the tuple for se. The boolean is false only for a code
// outside the closed set.
func wireArgs(se *storage.Error) ([]string, bool) {
	switch se.Code {
	case storage.ErrNoSuchFile:
		return []string{"NoSuchFile", se.Path}, true
	case storage.ErrFileExists:
		return []string{"FileExists", se.Path}, true
	case storage.ErrDirectoryNotEmpty:
		return []string{"DirectoryNotEmpty", se.Path}, true
	case storage.ErrNotADirectory:
		return []string{"NotADirectory", se.Path}, true
	case storage.ErrPermissionDenied:
		return []string{"PermissionDenied", se.Path, extra(se, 0)}, true
	case storage.ErrReadOnly:
		return []string{"ReadOnlyError"}, true
	case storage.ErrLockContention:
		return []string{"LockContention"}, true
	case storage.ErrLockFailed:
		return []string{"LockFailed", se.Path, reason(se)}, true
	case storage.ErrTokenMismatch:
		return []string{"TokenMismatch", extra(se, 0), extra(se, 1)}, true
	case storage.ErrNotStacked:
		return []string{"NotStacked"}, true
	case storage.ErrNotBranch:
		return []string{"nobranch", se.Path}, true
	case storage.ErrShortRead:
		return []string{"ShortReadvError", se.Path, extra(se, 0), extra(se, 1), extra(se, 2)}, true
	case storage.ErrPathNotChild:
		return []string{"PathNotChild", se.Path, extra(se, 0)}, true
	case storage.ErrJailBreak:
		return []string{"JailBreak", se.Path}, true
	case storage.ErrUnknownMethod:
		return []string{"UnknownMethod", extra(se, 0)}, true
	case storage.ErrBadRequest:
		return []string{"BadRequest", reason(se)}, true
	default:
		return nil, false
	}
}

func extra(se *storage.Error, i int) string {
	if i < len(se.Extra) {
		return se.Extra[i]
	}
	return ""
}

func reason(se *storage.Error) string {
	if se.Message != "" {
		return se.Message
	}
	return extra(se, 0)
}

// logCodeError logs client-caused failures at debug and everything that
// points at the server or an attack at warn.
func logCodeError(se *storage.Error) {
	switch se.Code {
	case storage.ErrJailBreak, storage.ErrPermissionDenied:
		logger.Warn("Request refused: %v", se)
	default:
		logger.Debug("Request failed: %v", se)
	}
}
