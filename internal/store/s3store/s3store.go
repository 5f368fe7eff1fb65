// Package s3store implements store.Backend on an S3 bucket.
//
// Object keys double as ids. A directory is the key prefix ending in "/",
// materialized by an empty marker object so empty directories survive.
// Trashed objects are moved below "<prefix>.trash/<unix seconds>/".
package s3store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/mko/gloader/internal/store"
)

const (
	// MinPartSize is the smallest part S3 accepts in a multipart upload.
	MinPartSize = 5 << 20

	trashDir    = ".trash/"
	deleteBatch = 1000
)

// api is the subset of the S3 client used by Store.
type api interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// Options configures the bucket connection.
type Options struct {
	Bucket       string
	Region       string
	Endpoint     string
	Prefix       string // key prefix acting as the store root
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
	PartSize     int64
}

// Store keeps a directory tree in a bucket.
type Store struct {
	client   api
	bucket   string
	root     string
	partSize int64
	now      func() time.Time
	logger   *slog.Logger
}

var _ store.Backend = (*Store)(nil)

// New loads the AWS configuration and connects to the bucket.
func New(ctx context.Context, opts Options, logger *slog.Logger) (*Store, error) {
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(opts.Region)}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = opts.UsePathStyle
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})
	return NewWithClient(client, opts, logger), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client api, opts Options, logger *slog.Logger) *Store {
	partSize := opts.PartSize
	if partSize < MinPartSize {
		partSize = MinPartSize
	}
	return &Store{
		client:   client,
		bucket:   opts.Bucket,
		root:     rootPrefix(opts.Prefix),
		partSize: partSize,
		now:      time.Now,
		logger:   logger,
	}
}

// RootID returns the id of the configured prefix.
func (s *Store) RootID() string {
	return s.root
}

func (s *Store) ListChildren(ctx context.Context, parentID string) ([]store.Entry, error) {
	if !isDir(parentID, s.root) {
		return nil, store.NewError("s3", "ListChildren", parentID, store.ErrNotFound)
	}

	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(parentID),
		Delimiter: aws.String("/"),
	})

	var out []store.Entry
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, s.wrap("ListChildren", parentID, err)
		}
		for _, cp := range page.CommonPrefixes {
			prefix := aws.ToString(cp.Prefix)
			if prefix == s.trashPrefix() {
				continue
			}
			out = append(out, store.Entry{
				ID:    prefix,
				Name:  path.Base(strings.TrimSuffix(prefix, "/")),
				IsDir: true,
			})
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if key == parentID || strings.HasSuffix(key, "/") {
				continue
			}
			out = append(out, store.Entry{
				ID:   key,
				Name: path.Base(key),
				Size: aws.ToInt64(obj.Size),
			})
		}
	}
	return out, nil
}

func (s *Store) CreateDirectory(ctx context.Context, name, parentID string) (string, error) {
	if err := validName(name); err != nil {
		return "", store.NewError("s3", "CreateDirectory", name, err)
	}
	key := parentID + name + "/"
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(nil),
		ContentLength: aws.Int64(0),
	})
	if err != nil {
		return "", s.wrap("CreateDirectory", key, err)
	}
	return key, nil
}

// Upload sends bodies up to the part size in one PutObject and larger ones
// as a multipart upload.
func (s *Store) Upload(ctx context.Context, name, parentID string, r io.Reader, size int64, progress store.ProgressFunc) (string, error) {
	if err := validName(name); err != nil {
		return "", store.NewError("s3", "Upload", name, err)
	}
	key := parentID + name

	if size >= 0 && size <= s.partSize {
		data, err := io.ReadAll(r)
		if err != nil {
			return "", s.wrap("Upload", key, err)
		}
		_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
		})
		if err != nil {
			return "", s.wrap("Upload", key, err)
		}
		if progress != nil {
			progress(int64(len(data)), size)
		}
		return key, nil
	}

	if err := s.multipartUpload(ctx, key, r, size, progress); err != nil {
		return "", s.wrap("Upload", key, err)
	}
	return key, nil
}

func (s *Store) multipartUpload(ctx context.Context, key string, r io.Reader, size int64, progress store.ProgressFunc) error {
	created, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return err
	}
	uploadID := created.UploadId

	abort := func(cause error) error {
		_, abortErr := s.client.AbortMultipartUpload(context.WithoutCancel(ctx), &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(s.bucket),
			Key:      aws.String(key),
			UploadId: uploadID,
		})
		if abortErr != nil {
			s.logger.Warn("failed to abort multipart upload", "key", key, "error", abortErr)
		}
		return cause
	}

	var parts []types.CompletedPart
	buf := make([]byte, s.partSize)
	var done int64
	for n := int32(1); ; n++ {
		read, readErr := io.ReadFull(r, buf)
		if read > 0 {
			out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
				Bucket:        aws.String(s.bucket),
				Key:           aws.String(key),
				UploadId:      uploadID,
				PartNumber:    aws.Int32(n),
				Body:          bytes.NewReader(buf[:read]),
				ContentLength: aws.Int64(int64(read)),
			})
			if err != nil {
				return abort(fmt.Errorf("failed to upload part %d: %w", n, err))
			}
			parts = append(parts, types.CompletedPart{ETag: out.ETag, PartNumber: aws.Int32(n)})
			done += int64(read)
			if progress != nil {
				progress(done, size)
			}
		}
		if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
			break
		}
		if readErr != nil {
			return abort(readErr)
		}
	}

	_, err = s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		UploadId:        uploadID,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		return abort(err)
	}
	return nil
}

func (s *Store) Download(ctx context.Context, id string, w io.Writer, progress store.ProgressFunc) error {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(id),
	})
	if err != nil {
		return s.wrap("Download", id, err)
	}
	defer func() {
		_ = out.Body.Close()
	}()

	total := int64(-1)
	if out.ContentLength != nil {
		total = *out.ContentLength
	}
	if _, err := io.Copy(w, store.TrackReader(out.Body, total, progress)); err != nil {
		return s.wrap("Download", id, err)
	}
	return nil
}

// Trash moves id, and everything below it for a directory, into a fresh
// timestamped folder of the trash area.
func (s *Store) Trash(ctx context.Context, id string) error {
	if id == s.root {
		return store.NewError("s3", "Trash", id, store.ErrInvalidName)
	}
	dst := s.trashPrefix() + strconv.FormatInt(s.now().Unix(), 10) + "/"
	if err := s.relocate(ctx, id, func(key string) string {
		return dst + strings.TrimPrefix(key, s.root)
	}); err != nil {
		return s.wrap("Trash", id, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if id == s.root {
		return store.NewError("s3", "Delete", id, store.ErrInvalidName)
	}
	keys, err := s.keysOf(ctx, id)
	if err != nil {
		return s.wrap("Delete", id, err)
	}
	if err := s.deleteKeys(ctx, keys); err != nil {
		return s.wrap("Delete", id, err)
	}
	return nil
}

// ListTrash lists trashed files by their path relative to the trash folder
// they were moved into.
func (s *Store) ListTrash(ctx context.Context) ([]store.Entry, error) {
	keys, err := s.listAll(ctx, s.trashPrefix())
	if err != nil {
		return nil, s.wrap("ListTrash", s.trashPrefix(), err)
	}

	var out []store.Entry
	for _, obj := range keys {
		key := aws.ToString(obj.Key)
		rel := strings.TrimPrefix(key, s.trashPrefix())
		if _, after, ok := strings.Cut(rel, "/"); ok {
			rel = after
		}
		if rel == "" {
			continue
		}
		out = append(out, store.Entry{
			ID:    key,
			Name:  strings.TrimSuffix(rel, "/"),
			IsDir: strings.HasSuffix(key, "/"),
			Size:  aws.ToInt64(obj.Size),
		})
	}
	return out, nil
}

func (s *Store) EmptyTrash(ctx context.Context) error {
	objs, err := s.listAll(ctx, s.trashPrefix())
	if err != nil {
		return s.wrap("EmptyTrash", "", err)
	}
	keys := make([]string, 0, len(objs))
	for _, obj := range objs {
		keys = append(keys, aws.ToString(obj.Key))
	}
	if err := s.deleteKeys(ctx, keys); err != nil {
		return s.wrap("EmptyTrash", "", err)
	}
	return nil
}

func (s *Store) Grant(context.Context, string, store.Permission) (store.Permission, error) {
	return store.Permission{}, store.NewError("s3", "Grant", "", store.ErrUnsupported)
}

func (s *Store) ListPermissions(context.Context, string) ([]store.Permission, error) {
	return nil, store.NewError("s3", "ListPermissions", "", store.ErrUnsupported)
}

func (s *Store) DropPermission(context.Context, string, string) error {
	return store.NewError("s3", "DropPermission", "", store.ErrUnsupported)
}

func (s *Store) ListShared(context.Context) ([]store.Entry, error) {
	return nil, store.NewError("s3", "ListShared", "", store.ErrUnsupported)
}

// Move rewrites id, and everything below it, under newParentID.
func (s *Store) Move(ctx context.Context, id, newParentID string) error {
	if !isDir(newParentID, s.root) {
		return store.NewError("s3", "Move", newParentID, store.ErrNotFound)
	}
	name := path.Base(strings.TrimSuffix(id, "/"))
	if strings.HasSuffix(id, "/") {
		name += "/"
	}
	target := newParentID + name
	if err := s.relocate(ctx, id, func(key string) string {
		return target + strings.TrimPrefix(key, id)
	}); err != nil {
		return s.wrap("Move", id, err)
	}
	return nil
}

// relocate copies every object of id to rename(key) and then deletes the
// originals.
func (s *Store) relocate(ctx context.Context, id string, rename func(key string) string) error {
	keys, err := s.keysOf(ctx, id)
	if err != nil {
		return err
	}
	for _, key := range keys {
		_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:     aws.String(s.bucket),
			Key:        aws.String(rename(key)),
			CopySource: aws.String(copySource(s.bucket, key)),
		})
		if err != nil {
			return fmt.Errorf("failed to copy %s: %w", key, err)
		}
	}
	return s.deleteKeys(ctx, keys)
}

// keysOf returns id itself for a file, or every key under it for a directory.
func (s *Store) keysOf(ctx context.Context, id string) ([]string, error) {
	if !strings.HasSuffix(id, "/") {
		objs, err := s.listAll(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, obj := range objs {
			if aws.ToString(obj.Key) == id {
				return []string{id}, nil
			}
		}
		return nil, store.ErrNotFound
	}

	objs, err := s.listAll(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(objs) == 0 {
		return nil, store.ErrNotFound
	}
	keys := make([]string, 0, len(objs))
	for _, obj := range objs {
		keys = append(keys, aws.ToString(obj.Key))
	}
	return keys, nil
}

func (s *Store) listAll(ctx context.Context, prefix string) ([]types.Object, error) {
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	var out []types.Object
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Contents...)
	}
	return out, nil
}

func (s *Store) deleteKeys(ctx context.Context, keys []string) error {
	var errs []error
	for start := 0; start < len(keys); start += deleteBatch {
		end := min(start+deleteBatch, len(keys))
		ids := make([]types.ObjectIdentifier, 0, end-start)
		for _, k := range keys[start:end] {
			ids = append(ids, types.ObjectIdentifier{Key: aws.String(k)})
		}

		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return err
		}
		for _, e := range out.Errors {
			errs = append(errs, fmt.Errorf("failed to delete %s: %s", aws.ToString(e.Key), aws.ToString(e.Message)))
		}
	}
	return errors.Join(errs...)
}

func (s *Store) trashPrefix() string {
	return s.root + trashDir
}

func (s *Store) wrap(op, key string, err error) error {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noKey) || errors.As(err, &notFound) {
		err = errors.Join(store.ErrNotFound, err)
	}
	return store.NewError("s3", op, key, err)
}

func rootPrefix(prefix string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return ""
	}
	return prefix + "/"
}

func isDir(id, root string) bool {
	return id == root || strings.HasSuffix(id, "/")
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.Contains(name, "/") {
		return fmt.Errorf("%w: %q", store.ErrInvalidName, name)
	}
	return nil
}

func copySource(bucket, key string) string {
	segments := strings.Split(key, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return bucket + "/" + strings.Join(segments, "/")
}
