// Package s3 implements storage.Transport on Amazon S3 or an S3-compatible
// service.
//
// Path-Based Key Design:
//   - A transport path maps to the object key KeyPrefix + path without the
//     leading "/" (e.g. "/repo/.dvcs/branch/last-revision" with prefix
//     "dvcs/" is stored as "dvcs/repo/.dvcs/branch/last-revision")
//   - A directory is an empty marker object whose key ends in "/"
//   - The transport root always exists and has no marker
//
// S3 has no append, no rename and no atomic directory operations:
//   - Append is read-modify-write under a process-local lock
//   - Rename copies every object under the source, then deletes the source
//   - Concurrent writers in other processes see last-write-wins
//
// Thread Safety:
// A Transport is safe for concurrent use by multiple goroutines.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/marmos91/dittovcs/pkg/metrics"
	"github.com/marmos91/dittovcs/pkg/storage"
)

// API is the subset of the S3 client the transport uses. *s3.Client
// satisfies it.
type API interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, opts ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Transport is an S3-backed storage.Transport.
type Transport struct {
	client    API
	bucket    string
	keyPrefix string
	metrics   metrics.StorageMetrics

	// appendMu serializes read-modify-write appends within this process.
	appendMu sync.Mutex
}

// Option configures a Transport.
type Option func(*Transport)

// WithMetrics records every S3 call into m.
func WithMetrics(m metrics.StorageMetrics) Option {
	return func(t *Transport) {
		if m != nil {
			t.metrics = m
		}
	}
}

// New returns a transport over bucket. The bucket must already exist; New
// verifies it can be reached.
func New(ctx context.Context, client API, bucket, keyPrefix string, opts ...Option) (*Transport, error) {
	if client == nil {
		return nil, fmt.Errorf("S3 client is required")
	}
	if bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}

	t := &Transport{
		client:    client,
		bucket:    bucket,
		keyPrefix: normalizePrefix(keyPrefix),
		metrics:   metrics.NewNoopStorageMetrics(),
	}
	for _, opt := range opts {
		opt(t)
	}

	start := time.Now()
	_, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	t.observe("head_bucket", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to access bucket %q: %w", bucket, err)
	}
	return t, nil
}

func normalizePrefix(prefix string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return ""
	}
	return prefix + "/"
}

func (t *Transport) Base() string {
	return "s3://" + t.bucket + "/" + t.keyPrefix
}

func (t *Transport) IsReadOnly() bool { return false }

func (t *Transport) Close() error { return nil }

// objectKey returns the key of the file at p.
func (t *Transport) objectKey(p string) string {
	return t.keyPrefix + strings.TrimPrefix(storage.Clean(p), "/")
}

// dirKey returns the key of the directory marker at p. The root has the
// bare prefix as its key and no marker object.
func (t *Transport) dirKey(p string) string {
	p = storage.Clean(p)
	if p == "/" {
		return t.keyPrefix
	}
	return t.objectKey(p) + "/"
}

func (t *Transport) observe(op string, start time.Time, err error) {
	t.metrics.ObserveOperation(op, time.Since(start), err)
}

func isNotFound(err error) bool {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noKey) || errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

// head returns the metadata of key, or nil when it does not exist.
func (t *Transport) head(ctx context.Context, key string) (*s3.HeadObjectOutput, error) {
	start := time.Now()
	out, err := t.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(key),
	})
	if isNotFound(err) {
		t.observe("head", start, nil)
		return nil, nil
	}
	t.observe("head", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to head object %s: %w", key, err)
	}
	return out, nil
}

type kind int

const (
	kindMissing kind = iota
	kindFile
	kindDir
)

func (t *Transport) kindOf(ctx context.Context, p string) (kind, *s3.HeadObjectOutput, error) {
	if storage.Clean(p) == "/" {
		return kindDir, nil, nil
	}
	out, err := t.head(ctx, t.objectKey(p))
	if err != nil {
		return kindMissing, nil, err
	}
	if out != nil {
		return kindFile, out, nil
	}
	out, err = t.head(ctx, t.dirKey(p))
	if err != nil {
		return kindMissing, nil, err
	}
	if out != nil {
		return kindDir, out, nil
	}
	return kindMissing, nil, nil
}

func (t *Transport) requireDir(ctx context.Context, p string) error {
	k, _, err := t.kindOf(ctx, p)
	switch {
	case err != nil:
		return err
	case k == kindMissing:
		return storage.NewError(storage.ErrNoSuchFile, p)
	case k == kindFile:
		return storage.NewError(storage.ErrNotADirectory, p)
	}
	return nil
}

func (t *Transport) requireFile(ctx context.Context, p string) (*s3.HeadObjectOutput, error) {
	k, out, err := t.kindOf(ctx, p)
	switch {
	case err != nil:
		return nil, err
	case k == kindMissing:
		return nil, storage.NewError(storage.ErrNoSuchFile, p)
	case k == kindDir:
		return nil, storage.Errorf(storage.ErrPermissionDenied, p, "is a directory")
	}
	return out, nil
}

func (t *Transport) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	p = storage.Clean(p)
	start := time.Now()
	out, err := t.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(t.objectKey(p)),
	})
	if isNotFound(err) {
		t.observe("get", start, nil)
		if _, err := t.requireFile(ctx, p); err != nil {
			return nil, err
		}
		return nil, storage.NewError(storage.ErrNoSuchFile, p)
	}
	t.observe("get", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to get object from S3: %w", err)
	}
	return out.Body, nil
}

func (t *Transport) Get(ctx context.Context, p string) ([]byte, error) {
	body, err := t.Open(ctx, p)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object body: %w", err)
	}
	t.metrics.RecordBytes("get", int64(len(data)))
	return data, nil
}

// Put uploads data in a single PutObject call, which S3 applies atomically.
func (t *Transport) Put(ctx context.Context, p string, data []byte, _ fs.FileMode) error {
	p = storage.Clean(p)
	if p == "/" {
		return storage.Errorf(storage.ErrPermissionDenied, p, "is a directory")
	}
	if err := t.requireDir(ctx, path.Dir(p)); err != nil {
		return err
	}
	if k, _, err := t.kindOf(ctx, p); err != nil {
		return err
	} else if k == kindDir {
		return storage.Errorf(storage.ErrPermissionDenied, p, "is a directory")
	}
	return t.putObject(ctx, t.objectKey(p), data)
}

func (t *Transport) putObject(ctx context.Context, key string, data []byte) error {
	start := time.Now()
	_, err := t.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	t.observe("put", start, err)
	if err != nil {
		return fmt.Errorf("failed to write object to S3: %w", err)
	}
	t.metrics.RecordBytes("put", int64(len(data)))
	return nil
}

// Append is read-modify-write: the whole object is downloaded, extended and
// uploaded again.
func (t *Transport) Append(ctx context.Context, p string, data []byte, mode fs.FileMode) (int64, error) {
	t.appendMu.Lock()
	defer t.appendMu.Unlock()

	p = storage.Clean(p)
	if err := t.requireDir(ctx, path.Dir(p)); err != nil {
		return 0, err
	}

	var existing []byte
	k, _, err := t.kindOf(ctx, p)
	switch {
	case err != nil:
		return 0, err
	case k == kindDir:
		return 0, storage.Errorf(storage.ErrPermissionDenied, p, "is a directory")
	case k == kindFile:
		if existing, err = t.Get(ctx, p); err != nil {
			return 0, err
		}
	}

	buf := make([]byte, 0, len(existing)+len(data))
	buf = append(append(buf, existing...), data...)
	if err := t.putObject(ctx, t.objectKey(p), buf); err != nil {
		return 0, err
	}
	return int64(len(existing)), nil
}

func (t *Transport) Stat(ctx context.Context, p string) (*storage.FileInfo, error) {
	p = storage.Clean(p)
	k, out, err := t.kindOf(ctx, p)
	if err != nil {
		return nil, err
	}

	info := &storage.FileInfo{Name: path.Base(p)}
	switch k {
	case kindMissing:
		return nil, storage.NewError(storage.ErrNoSuchFile, p)
	case kindDir:
		info.IsDir = true
		info.Mode = 0o755
	case kindFile:
		info.Mode = 0o644
		if out.ContentLength != nil {
			info.Size = *out.ContentLength
		}
	}
	if out != nil && out.LastModified != nil {
		info.ModTime = *out.LastModified
	}
	return info, nil
}

func (t *Transport) Has(ctx context.Context, p string) (bool, error) {
	k, _, err := t.kindOf(ctx, p)
	if err != nil {
		return false, err
	}
	return k != kindMissing, nil
}

func (t *Transport) Mkdir(ctx context.Context, p string, _ fs.FileMode) error {
	p = storage.Clean(p)
	if ok, err := t.Has(ctx, p); err != nil {
		return err
	} else if ok {
		return storage.NewError(storage.ErrFileExists, p)
	}
	if err := t.requireDir(ctx, path.Dir(p)); err != nil {
		return err
	}
	return t.putObject(ctx, t.dirKey(p), nil)
}

func (t *Transport) Rmdir(ctx context.Context, p string) error {
	p = storage.Clean(p)
	if p == "/" {
		return storage.Errorf(storage.ErrPermissionDenied, p, "cannot remove the root")
	}
	if err := t.requireDir(ctx, p); err != nil {
		return err
	}

	marker := t.dirKey(p)
	start := time.Now()
	out, err := t.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(t.bucket),
		Prefix:  aws.String(marker),
		MaxKeys: aws.Int32(2),
	})
	t.observe("list", start, err)
	if err != nil {
		return fmt.Errorf("failed to list objects: %w", err)
	}
	for _, obj := range out.Contents {
		if aws.ToString(obj.Key) != marker {
			return storage.NewError(storage.ErrDirectoryNotEmpty, p)
		}
	}
	return t.deleteObject(ctx, marker)
}

func (t *Transport) Delete(ctx context.Context, p string) error {
	p = storage.Clean(p)
	if _, err := t.requireFile(ctx, p); err != nil {
		return err
	}
	return t.deleteObject(ctx, t.objectKey(p))
}

func (t *Transport) deleteObject(ctx context.Context, key string) error {
	start := time.Now()
	_, err := t.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(key),
	})
	t.observe("delete", start, err)
	if err != nil {
		return fmt.Errorf("failed to delete object %s: %w", key, err)
	}
	return nil
}

// Rename copies then deletes. A directory is moved object by object, so a
// failure part way leaves both trees partially populated.
func (t *Transport) Rename(ctx context.Context, from, to string) error {
	from, to = storage.Clean(from), storage.Clean(to)
	if from == "/" || to == "/" {
		return storage.Errorf(storage.ErrPermissionDenied, from, "cannot rename the root")
	}
	k, _, err := t.kindOf(ctx, from)
	if err != nil {
		return err
	}
	if k == kindMissing {
		return storage.NewError(storage.ErrNoSuchFile, from)
	}
	if err := t.requireDir(ctx, path.Dir(to)); err != nil {
		return err
	}
	if from == to {
		return nil
	}

	if k == kindFile {
		if dst, _, err := t.kindOf(ctx, to); err != nil {
			return err
		} else if dst == kindDir {
			return storage.Errorf(storage.ErrPermissionDenied, to, "is a directory")
		}
		if err := t.copyObject(ctx, t.objectKey(from), t.objectKey(to)); err != nil {
			return err
		}
		return t.deleteObject(ctx, t.objectKey(from))
	}

	if strings.HasPrefix(to, from+"/") {
		return storage.Errorf(storage.ErrPermissionDenied, to, "cannot move a directory into itself")
	}
	if ok, err := t.Has(ctx, to); err != nil {
		return err
	} else if ok {
		return storage.NewError(storage.ErrFileExists, to)
	}

	srcPrefix, dstPrefix := t.dirKey(from), t.dirKey(to)
	keys, err := t.listKeys(ctx, srcPrefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := t.copyObject(ctx, key, dstPrefix+strings.TrimPrefix(key, srcPrefix)); err != nil {
			return err
		}
	}
	for _, key := range keys {
		if err := t.deleteObject(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transport) copyObject(ctx context.Context, src, dst string) error {
	start := time.Now()
	_, err := t.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(t.bucket),
		Key:        aws.String(dst),
		CopySource: aws.String(copySource(t.bucket, src)),
	})
	t.observe("copy", start, err)
	if err != nil {
		return fmt.Errorf("failed to copy %s to %s: %w", src, dst, err)
	}
	return nil
}

func copySource(bucket, key string) string {
	segs := strings.Split(key, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return bucket + "/" + strings.Join(segs, "/")
}

// listKeys returns every key under prefix.
func (t *Transport) listKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(t.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(t.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		start := time.Now()
		page, err := paginator.NextPage(ctx)
		t.observe("list", start, err)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

func (t *Transport) ListDir(ctx context.Context, p string) ([]string, error) {
	p = storage.Clean(p)
	if err := t.requireDir(ctx, p); err != nil {
		return nil, err
	}

	prefix := t.dirKey(p)
	var names []string
	paginator := s3.NewListObjectsV2Paginator(t.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(t.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	for paginator.HasMorePages() {
		start := time.Now()
		page, err := paginator.NextPage(ctx)
		t.observe("list", start, err)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", err)
		}
		for _, obj := range page.Contents {
			if name := strings.TrimPrefix(aws.ToString(obj.Key), prefix); name != "" {
				names = append(names, name)
			}
		}
		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			if name != "" {
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)
	return names, nil
}
