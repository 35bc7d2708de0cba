// Package verbs contains the built-in smart server verbs.
//
// Handlers touch storage only through their Env: paths from the client go
// through Env.Resolve, data through Env.Transport and branch locks through
// Env.Locks.
package verbs

import (
	"context"
	"fmt"
	"io/fs"
	"strconv"

	"github.com/marmos91/dittovcs/pkg/smart"
	"github.com/marmos91/dittovcs/pkg/storage"
)

// ProtocolVersion is the version announced by hello.
const ProtocolVersion = "2"

const (
	defaultFileMode fs.FileMode = 0o644
	defaultDirMode  fs.FileMode = 0o755
)

var builtins = []struct {
	name  string
	ctor  smart.Constructor
	retry smart.RetryClass
}{
	{"hello", newHello, smart.RetryRead},

	{"get", newGet, smart.RetryRead},
	{"get_stream", newGetStream, smart.RetryStream},
	{"has", newHas, smart.RetryRead},
	{"stat", newStat, smart.RetryRead},
	{"readv", newReadv, smart.RetryRead},
	{"list_dir", newListDir, smart.RetryRead},
	{"iter_files_recursive", newIterFiles, smart.RetryRead},
	{"Transport.is_readonly", newIsReadOnly, smart.RetryRead},

	{"put", newPut, smart.RetryIdem},
	{"append", newAppend, smart.RetryMutate},
	{"insert_stream", newInsertStream, smart.RetryStream},
	{"mkdir", newMkdir, smart.RetrySemiVFS},
	{"rmdir", newRmdir, smart.RetrySemiVFS},
	{"delete", newDelete, smart.RetrySemiVFS},
	{"rename", newRename, smart.RetrySemiVFS},

	{"Branch.create", newBranchCreate, smart.RetrySemi},
	{"Branch.open", newBranchOpen, smart.RetryRead},
	{"Branch.last_revision_info", newLastRevisionInfo, smart.RetryRead},
	{"Branch.set_last_revision_info", newSetLastRevisionInfo, smart.RetryIdem},
	{"Branch.lock_write", newLockWrite, smart.RetrySemi},
	{"Branch.unlock", newUnlock, smart.RetrySemi},
	{"Branch.break_lock", newBreakLock, smart.RetryIdem},
}

// RegisterAll adds every built-in verb to reg.
func RegisterAll(reg *smart.Registry) error {
	for _, b := range builtins {
		if err := reg.Register(b.name, b.ctor, b.retry); err != nil {
			return fmt.Errorf("register %s: %w", b.name, err)
		}
	}
	return nil
}

// NewRegistry returns a frozen registry holding the built-in verbs.
func NewRegistry() (*smart.Registry, error) {
	reg := smart.NewRegistry()
	if err := RegisterAll(reg); err != nil {
		return nil, err
	}
	reg.Freeze()
	return reg, nil
}

func expectArgs(verb string, args []string, min, max int) error {
	if len(args) < min || len(args) > max {
		if min == max {
			return storage.Errorf(storage.ErrBadRequest, "", "%s expects %d argument(s), got %d", verb, min, len(args))
		}
		return storage.Errorf(storage.ErrBadRequest, "", "%s expects %d to %d arguments, got %d", verb, min, max, len(args))
	}
	return nil
}

// parseMode reads an octal permission string. An empty string selects def.
func parseMode(s string, def fs.FileMode) (fs.FileMode, error) {
	if s == "" {
		return def, nil
	}
	m, err := strconv.ParseUint(s, 8, 32)
	if err != nil || m > 0o7777 {
		return 0, storage.Errorf(storage.ErrBadRequest, "", "invalid mode %q", s)
	}
	return fs.FileMode(m), nil
}

func yesNo(b bool) *smart.Response {
	if b {
		return smart.Success("yes")
	}
	return smart.Success("no")
}

type hello struct{ smart.BaseHandler }

func newHello(*smart.Env) smart.Handler { return hello{} }

func (hello) Do(context.Context, []string) (*smart.Response, error) {
	return smart.Success("ok", ProtocolVersion), nil
}
