package verbs

import (
	"context"
	"path"
	"strconv"
	"strings"

	"github.com/marmos91/dittovcs/pkg/smart"
	"github.com/marmos91/dittovcs/pkg/storage"
)

// Branch metadata lives under <branch>/.dvcs/branch. The last-revision file
// holds "revno revid".
const (
	controlDir       = ".dvcs"
	branchDir        = ".dvcs/branch"
	lastRevisionFile = ".dvcs/branch/last-revision"

	// NullRevision is the revision id of an empty branch.
	NullRevision = "null:"
)

type branchHandler struct {
	smart.BaseHandler
	pathHandler
}

func (h *branchHandler) revisionPath() string {
	return path.Join(h.path, lastRevisionFile)
}

// lockName identifies the branch in the lock store.
func (h *branchHandler) lockName() string {
	return path.Join(h.path, branchDir)
}

func (h *branchHandler) lockFail(err error) error {
	return storage.Rebase(err, h.lockName(), h.client)
}

func (h *branchHandler) readRevision(ctx context.Context) (int64, string, error) {
	data, err := h.env.Transport.Get(ctx, h.revisionPath())
	if storage.IsCode(err, storage.ErrNoSuchFile) {
		return 0, "", storage.NewError(storage.ErrNotBranch, h.client)
	}
	if err != nil {
		return 0, "", h.fail(err)
	}

	revno, revid, ok := strings.Cut(strings.TrimSpace(string(data)), " ")
	n, err := strconv.ParseInt(revno, 10, 64)
	if !ok || err != nil {
		return 0, "", storage.Errorf(storage.ErrNotBranch, h.client, "corrupt last-revision file")
	}
	return n, revid, nil
}

func (h *branchHandler) writeRevision(ctx context.Context, revno int64, revid string) error {
	line := strconv.FormatInt(revno, 10) + " " + revid + "\n"
	return h.env.Transport.Put(ctx, h.revisionPath(), []byte(line), defaultFileMode)
}

func (h *branchHandler) requireBranch(ctx context.Context) error {
	ok, err := h.env.Transport.Has(ctx, h.revisionPath())
	if err != nil {
		return h.fail(err)
	}
	if !ok {
		return storage.NewError(storage.ErrNotBranch, h.client)
	}
	return nil
}

func (h *branchHandler) requireLocks() error {
	if h.env.Locks == nil {
		return storage.Errorf(storage.ErrLockFailed, h.client, "locking is not available")
	}
	return nil
}

func newBranchHandler(env *smart.Env) branchHandler {
	return branchHandler{pathHandler: pathHandler{env: env}}
}

// ----------------------------------------------------------------------------

type branchCreate struct{ branchHandler }

func newBranchCreate(env *smart.Env) smart.Handler {
	return &branchCreate{newBranchHandler(env)}
}

func (h *branchCreate) Do(ctx context.Context, args []string) (*smart.Response, error) {
	if err := h.resolve("Branch.create", args, 1, 1); err != nil {
		return nil, err
	}
	t := h.env.Transport

	exists, err := t.Has(ctx, h.revisionPath())
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, storage.NewError(storage.ErrFileExists, h.client)
	}

	for _, dir := range []string{h.path, path.Join(h.path, controlDir), path.Join(h.path, branchDir)} {
		if err := t.Mkdir(ctx, dir, defaultDirMode); err != nil && !storage.IsCode(err, storage.ErrFileExists) {
			return nil, h.fail(err)
		}
	}
	if err := h.writeRevision(ctx, 0, NullRevision); err != nil {
		return nil, err
	}
	return smart.Success("ok"), nil
}

type branchOpen struct{ branchHandler }

func newBranchOpen(env *smart.Env) smart.Handler { return &branchOpen{newBranchHandler(env)} }

func (h *branchOpen) Do(ctx context.Context, args []string) (*smart.Response, error) {
	if err := h.resolve("Branch.open", args, 1, 1); err != nil {
		return nil, err
	}
	if err := h.requireBranch(ctx); err != nil {
		return nil, err
	}
	return smart.Success("branch", h.client), nil
}

type lastRevisionInfo struct{ branchHandler }

func newLastRevisionInfo(env *smart.Env) smart.Handler {
	return &lastRevisionInfo{newBranchHandler(env)}
}

func (h *lastRevisionInfo) Do(ctx context.Context, args []string) (*smart.Response, error) {
	if err := h.resolve("Branch.last_revision_info", args, 1, 1); err != nil {
		return nil, err
	}
	revno, revid, err := h.readRevision(ctx)
	if err != nil {
		return nil, err
	}
	return smart.Success("ok", strconv.FormatInt(revno, 10), revid), nil
}

// setLastRevisionInfo requires the caller to hold the branch write lock.
type setLastRevisionInfo struct{ branchHandler }

func newSetLastRevisionInfo(env *smart.Env) smart.Handler {
	return &setLastRevisionInfo{newBranchHandler(env)}
}

func (h *setLastRevisionInfo) Do(ctx context.Context, args []string) (*smart.Response, error) {
	if err := h.resolve("Branch.set_last_revision_info", args, 4, 4); err != nil {
		return nil, err
	}
	token, revnoArg, revid := args[1], args[2], args[3]

	revno, err := strconv.ParseInt(revnoArg, 10, 64)
	if err != nil || revno < 0 {
		return nil, storage.Errorf(storage.ErrBadRequest, "", "invalid revno %q", revnoArg)
	}
	if revid == "" || strings.ContainsAny(revid, " \n") {
		return nil, storage.Errorf(storage.ErrBadRequest, "", "invalid revision id %q", revid)
	}
	if err := h.requireBranch(ctx); err != nil {
		return nil, err
	}
	if err := h.requireLocks(); err != nil {
		return nil, err
	}
	if err := h.env.Locks.Validate(ctx, h.lockName(), token); err != nil {
		return nil, h.lockFail(err)
	}
	if err := h.writeRevision(ctx, revno, revid); err != nil {
		return nil, err
	}
	return smart.Success("ok"), nil
}

type lockWrite struct{ branchHandler }

func newLockWrite(env *smart.Env) smart.Handler { return &lockWrite{newBranchHandler(env)} }

func (h *lockWrite) Do(ctx context.Context, args []string) (*smart.Response, error) {
	if err := h.resolve("Branch.lock_write", args, 1, 2); err != nil {
		return nil, err
	}
	if err := h.requireBranch(ctx); err != nil {
		return nil, err
	}
	if err := h.requireLocks(); err != nil {
		return nil, err
	}
	if h.env.Transport.IsReadOnly() {
		return nil, storage.NewError(storage.ErrReadOnly, h.client)
	}
	token, err := h.env.Locks.Acquire(ctx, h.lockName(), optional(args, 1))
	if err != nil {
		return nil, h.lockFail(err)
	}
	return smart.Success("ok", token), nil
}

type unlock struct{ branchHandler }

func newUnlock(env *smart.Env) smart.Handler { return &unlock{newBranchHandler(env)} }

func (h *unlock) Do(ctx context.Context, args []string) (*smart.Response, error) {
	if err := h.resolve("Branch.unlock", args, 2, 2); err != nil {
		return nil, err
	}
	if err := h.requireLocks(); err != nil {
		return nil, err
	}
	if err := h.env.Locks.Release(ctx, h.lockName(), args[1]); err != nil {
		return nil, h.lockFail(err)
	}
	return smart.Success("ok"), nil
}

type breakLock struct{ branchHandler }

func newBreakLock(env *smart.Env) smart.Handler { return &breakLock{newBranchHandler(env)} }

func (h *breakLock) Do(ctx context.Context, args []string) (*smart.Response, error) {
	if err := h.resolve("Branch.break_lock", args, 1, 1); err != nil {
		return nil, err
	}
	if err := h.requireLocks(); err != nil {
		return nil, err
	}
	if err := h.env.Locks.Break(ctx, h.lockName()); err != nil {
		return nil, h.lockFail(err)
	}
	return smart.Success("ok"), nil
}
