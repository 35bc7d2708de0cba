package verbs

import (
	"bufio"
	"bytes"
	"context"
	"io/fs"
	"strconv"
	"strings"

	"github.com/marmos91/dittovcs/pkg/smart"
	"github.com/marmos91/dittovcs/pkg/storage"
)

// pathHandler is embedded by verbs whose first argument is a client path.
type pathHandler struct {
	env    *smart.Env
	path   string
	client string
}

func (h *pathHandler) resolve(verb string, args []string, min, max int) error {
	if err := expectArgs(verb, args, min, max); err != nil {
		return err
	}
	p, err := h.env.Resolve(args[0])
	if err != nil {
		return err
	}
	h.path = p
	h.client = args[0]
	return nil
}

// fail reports storage errors about the resolved path under the client's
// spelling of it.
func (h *pathHandler) fail(err error) error {
	return storage.Rebase(err, h.path, h.client)
}

// ----------------------------------------------------------------------------
// Reads
// ----------------------------------------------------------------------------

type get struct {
	smart.BaseHandler
	pathHandler
}

func newGet(env *smart.Env) smart.Handler { return &get{pathHandler: pathHandler{env: env}} }

func (h *get) Do(ctx context.Context, args []string) (*smart.Response, error) {
	if err := h.resolve("get", args, 1, 1); err != nil {
		return nil, err
	}
	data, err := h.env.Transport.Get(ctx, h.path)
	if err != nil {
		return nil, h.fail(err)
	}
	return smart.Success("ok").WithBody(data), nil
}

type getStream struct {
	smart.BaseHandler
	pathHandler
}

func newGetStream(env *smart.Env) smart.Handler { return &getStream{pathHandler: pathHandler{env: env}} }

func (h *getStream) Do(ctx context.Context, args []string) (*smart.Response, error) {
	if err := h.resolve("get_stream", args, 1, 1); err != nil {
		return nil, err
	}
	rc, err := h.env.Transport.Open(ctx, h.path)
	if err != nil {
		return nil, h.fail(err)
	}
	return smart.Success("ok").WithStream(smart.NewReaderStream(rc, 0)), nil
}

type has struct {
	smart.BaseHandler
	pathHandler
}

func newHas(env *smart.Env) smart.Handler { return &has{pathHandler: pathHandler{env: env}} }

func (h *has) Do(ctx context.Context, args []string) (*smart.Response, error) {
	if err := h.resolve("has", args, 1, 1); err != nil {
		return nil, err
	}
	ok, err := h.env.Transport.Has(ctx, h.path)
	if err != nil {
		return nil, h.fail(err)
	}
	return yesNo(ok), nil
}

const (
	modeTypeDir  = 0o040000
	modeTypeFile = 0o100000
)

type stat struct {
	smart.BaseHandler
	pathHandler
}

func newStat(env *smart.Env) smart.Handler { return &stat{pathHandler: pathHandler{env: env}} }

func (h *stat) Do(ctx context.Context, args []string) (*smart.Response, error) {
	if err := h.resolve("stat", args, 1, 1); err != nil {
		return nil, err
	}
	info, err := h.env.Transport.Stat(ctx, h.path)
	if err != nil {
		return nil, h.fail(err)
	}
	mode := uint64(info.Mode.Perm())
	if info.IsDir {
		mode |= modeTypeDir
	} else {
		mode |= modeTypeFile
	}
	return smart.Success("stat", strconv.FormatInt(info.Size, 10), strconv.FormatUint(mode, 8)), nil
}

// readv reads several ranges of one file. The body lists the ranges, one
// "offset,length" pair per line.
type readv struct {
	smart.BodyHandler
	pathHandler
}

func newReadv(env *smart.Env) smart.Handler { return &readv{pathHandler: pathHandler{env: env}} }

func (h *readv) Do(_ context.Context, args []string) (*smart.Response, error) {
	return nil, h.resolve("readv", args, 1, 1)
}

type readRange struct {
	offset, length int64
}

func parseRanges(body []byte) ([]readRange, error) {
	var ranges []readRange
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		off, length, ok := strings.Cut(line, ",")
		if !ok {
			return nil, storage.Errorf(storage.ErrBadRequest, "", "malformed range %q", line)
		}
		o, err1 := strconv.ParseInt(off, 10, 64)
		l, err2 := strconv.ParseInt(length, 10, 64)
		if err1 != nil || err2 != nil || o < 0 || l < 0 {
			return nil, storage.Errorf(storage.ErrBadRequest, "", "malformed range %q", line)
		}
		ranges = append(ranges, readRange{o, l})
	}
	if err := sc.Err(); err != nil {
		return nil, storage.Errorf(storage.ErrBadRequest, "", "reading ranges: %v", err)
	}
	return ranges, nil
}

func (h *readv) DoEnd(ctx context.Context) (*smart.Response, error) {
	ranges, err := parseRanges(h.Body())
	if err != nil {
		return nil, err
	}
	data, err := h.env.Transport.Get(ctx, h.path)
	if err != nil {
		return nil, h.fail(err)
	}

	var out []byte
	size := int64(len(data))
	for _, r := range ranges {
		if r.offset > size || r.length > size-r.offset {
			actual := size - r.offset
			if actual < 0 {
				actual = 0
			}
			return nil, storage.NewError(storage.ErrShortRead, h.client,
				strconv.FormatInt(r.offset, 10), strconv.FormatInt(r.length, 10), strconv.FormatInt(actual, 10))
		}
		out = append(out, data[r.offset:r.offset+r.length]...)
	}
	return smart.Success("readv").WithBody(out), nil
}

type listDir struct {
	smart.BaseHandler
	pathHandler
}

func newListDir(env *smart.Env) smart.Handler { return &listDir{pathHandler: pathHandler{env: env}} }

func (h *listDir) Do(ctx context.Context, args []string) (*smart.Response, error) {
	if err := h.resolve("list_dir", args, 1, 1); err != nil {
		return nil, err
	}
	names, err := h.env.Transport.ListDir(ctx, h.path)
	if err != nil {
		return nil, h.fail(err)
	}
	return smart.Success(append([]string{"names"}, names...)...), nil
}

type iterFiles struct {
	smart.BaseHandler
	pathHandler
}

func newIterFiles(env *smart.Env) smart.Handler { return &iterFiles{pathHandler: pathHandler{env: env}} }

func (h *iterFiles) Do(ctx context.Context, args []string) (*smart.Response, error) {
	if err := h.resolve("iter_files_recursive", args, 1, 1); err != nil {
		return nil, err
	}
	files, err := storage.Walk(ctx, h.env.Transport, h.path)
	if err != nil {
		return nil, h.fail(err)
	}
	return smart.Success(append([]string{"names"}, files...)...), nil
}

type isReadOnly struct {
	smart.BaseHandler
	env *smart.Env
}

func newIsReadOnly(env *smart.Env) smart.Handler { return &isReadOnly{env: env} }

func (h *isReadOnly) Do(_ context.Context, args []string) (*smart.Response, error) {
	if err := expectArgs("Transport.is_readonly", args, 0, 0); err != nil {
		return nil, err
	}
	return yesNo(h.env.Transport.IsReadOnly()), nil
}

// ----------------------------------------------------------------------------
// Writes
// ----------------------------------------------------------------------------

type put struct {
	smart.BodyHandler
	pathHandler
	mode fs.FileMode
}

func newPut(env *smart.Env) smart.Handler { return &put{pathHandler: pathHandler{env: env}} }

func (h *put) Do(_ context.Context, args []string) (*smart.Response, error) {
	if err := h.resolve("put", args, 1, 2); err != nil {
		return nil, err
	}
	mode, err := parseMode(optional(args, 1), defaultFileMode)
	if err != nil {
		return nil, err
	}
	h.mode = mode
	return nil, nil
}

func (h *put) DoEnd(ctx context.Context) (*smart.Response, error) {
	if err := h.env.Transport.Put(ctx, h.path, h.Body(), h.mode); err != nil {
		return nil, h.fail(err)
	}
	return smart.Success("ok"), nil
}

type appendVerb struct {
	smart.BodyHandler
	pathHandler
	mode fs.FileMode
}

func newAppend(env *smart.Env) smart.Handler { return &appendVerb{pathHandler: pathHandler{env: env}} }

func (h *appendVerb) Do(_ context.Context, args []string) (*smart.Response, error) {
	if err := h.resolve("append", args, 1, 2); err != nil {
		return nil, err
	}
	mode, err := parseMode(optional(args, 1), defaultFileMode)
	if err != nil {
		return nil, err
	}
	h.mode = mode
	return nil, nil
}

func (h *appendVerb) DoEnd(ctx context.Context) (*smart.Response, error) {
	offset, err := h.env.Transport.Append(ctx, h.path, h.Body(), h.mode)
	if err != nil {
		return nil, h.fail(err)
	}
	return smart.Success("appended", strconv.FormatInt(offset, 10)), nil
}

// insertStream writes each chunk as it arrives. The file is truncated when
// the request starts.
type insertStream struct {
	pathHandler
	written int64
}

func newInsertStream(env *smart.Env) smart.Handler {
	return &insertStream{pathHandler: pathHandler{env: env}}
}

func (h *insertStream) Do(ctx context.Context, args []string) (*smart.Response, error) {
	if err := h.resolve("insert_stream", args, 1, 1); err != nil {
		return nil, err
	}
	return nil, h.fail(h.env.Transport.Put(ctx, h.path, nil, defaultFileMode))
}

func (h *insertStream) DoChunk(ctx context.Context, chunk []byte) error {
	if _, err := h.env.Transport.Append(ctx, h.path, chunk, defaultFileMode); err != nil {
		return h.fail(err)
	}
	h.written += int64(len(chunk))
	return nil
}

func (h *insertStream) DoEnd(context.Context) (*smart.Response, error) {
	return smart.Success("ok", strconv.FormatInt(h.written, 10)), nil
}

type mkdir struct {
	smart.BaseHandler
	pathHandler
}

func newMkdir(env *smart.Env) smart.Handler { return &mkdir{pathHandler: pathHandler{env: env}} }

func (h *mkdir) Do(ctx context.Context, args []string) (*smart.Response, error) {
	if err := h.resolve("mkdir", args, 1, 2); err != nil {
		return nil, err
	}
	mode, err := parseMode(optional(args, 1), defaultDirMode)
	if err != nil {
		return nil, err
	}
	if err := h.env.Transport.Mkdir(ctx, h.path, mode); err != nil {
		return nil, h.fail(err)
	}
	return smart.Success("ok"), nil
}

type rmdir struct {
	smart.BaseHandler
	pathHandler
}

func newRmdir(env *smart.Env) smart.Handler { return &rmdir{pathHandler: pathHandler{env: env}} }

func (h *rmdir) Do(ctx context.Context, args []string) (*smart.Response, error) {
	if err := h.resolve("rmdir", args, 1, 1); err != nil {
		return nil, err
	}
	if err := h.env.Transport.Rmdir(ctx, h.path); err != nil {
		return nil, h.fail(err)
	}
	return smart.Success("ok"), nil
}

type deleteVerb struct {
	smart.BaseHandler
	pathHandler
}

func newDelete(env *smart.Env) smart.Handler { return &deleteVerb{pathHandler: pathHandler{env: env}} }

func (h *deleteVerb) Do(ctx context.Context, args []string) (*smart.Response, error) {
	if err := h.resolve("delete", args, 1, 1); err != nil {
		return nil, err
	}
	if err := h.env.Transport.Delete(ctx, h.path); err != nil {
		return nil, h.fail(err)
	}
	return smart.Success("ok"), nil
}

type rename struct {
	smart.BaseHandler
	pathHandler
}

func newRename(env *smart.Env) smart.Handler { return &rename{pathHandler: pathHandler{env: env}} }

func (h *rename) Do(ctx context.Context, args []string) (*smart.Response, error) {
	if err := h.resolve("rename", args, 2, 2); err != nil {
		return nil, err
	}
	to, err := h.env.Resolve(args[1])
	if err != nil {
		return nil, err
	}
	if err := h.env.Transport.Rename(ctx, h.path, to); err != nil {
		return nil, storage.Rebase(h.fail(err), to, args[1])
	}
	return smart.Success("ok"), nil
}

func optional(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}
