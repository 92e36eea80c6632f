// Package storage copies job artifacts to S3-compatible object storage.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/lisan-5/file-processing-api/internal/core"
)

// ObjectStore is the subset of *minio.Client the uploader needs.
type ObjectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	FPutObject(ctx context.Context, bucket, object, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// NewClient connects to MinIO and makes sure the bucket exists.
func NewClient(ctx context.Context, cfg Config) (*minio.Client, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio connection: %w", err)
	}
	if err := EnsureBucket(ctx, client, cfg.Bucket); err != nil {
		return nil, err
	}
	return client, nil
}

func EnsureBucket(ctx context.Context, store ObjectStore, bucket string) error {
	exists, err := store.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if exists {
		return nil
	}
	if err := store.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", bucket, err)
	}
	return nil
}

// Upload is one finished artifact transfer.
type Upload struct {
	JobID  string
	Bucket string
	Object string
	Size   int64
}

// Uploader is a core.Notifier that copies the output_path artifact of
// every completed job to the bucket from a background worker.
type Uploader struct {
	store   ObjectStore
	bucket  string
	logger  *slog.Logger
	onDone  func(Upload)
	timeout time.Duration

	jobs   chan core.JobStatus
	done   chan struct{}
	mu     sync.RWMutex
	closed bool
}

type UploaderOption func(*Uploader)

func WithLogger(l *slog.Logger) UploaderOption {
	return func(u *Uploader) { u.logger = l }
}

// WithOnUpload registers a callback invoked after each successful upload.
func WithOnUpload(fn func(Upload)) UploaderOption {
	return func(u *Uploader) { u.onDone = fn }
}

func NewUploader(store ObjectStore, bucket string, opts ...UploaderOption) *Uploader {
	u := &Uploader{
		store:   store,
		bucket:  bucket,
		logger:  slog.Default(),
		timeout: 10 * time.Minute,
		jobs:    make(chan core.JobStatus, 256),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(u)
	}
	u.logger = u.logger.With(slog.String("component", "storage"))
	go u.run()
	return u
}

func (u *Uploader) Notify(e core.Event) {
	if e.Type != core.EventJobCompleted {
		return
	}
	if _, ok := OutputPath(e.Job.Result); !ok {
		return
	}
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.closed {
		return
	}
	select {
	case u.jobs <- e.Job:
	default:
		u.logger.Warn("upload queue full, skipping artifact", slog.String("job_id", e.Job.ID))
	}
}

func (u *Uploader) Close(ctx context.Context) error {
	u.mu.Lock()
	if !u.closed {
		u.closed = true
		close(u.jobs)
	}
	u.mu.Unlock()

	select {
	case <-u.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (u *Uploader) run() {
	defer close(u.done)
	for j := range u.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), u.timeout)
		up, err := u.upload(ctx, j)
		cancel()
		if err != nil {
			u.logger.Error("artifact upload failed", slog.String("job_id", j.ID), slog.String("error", err.Error()))
			continue
		}
		u.logger.Info("artifact uploaded",
			slog.String("job_id", j.ID),
			slog.String("bucket", up.Bucket),
			slog.String("object", up.Object),
			slog.Int64("size", up.Size),
		)
		if u.onDone != nil {
			u.onDone(up)
		}
	}
}

func (u *Uploader) upload(ctx context.Context, j core.JobStatus) (Upload, error) {
	local, _ := OutputPath(j.Result)
	object := ObjectName(j)
	info, err := u.store.FPutObject(ctx, u.bucket, object, local, minio.PutObjectOptions{
		ContentType: contentType(local),
		UserMetadata: map[string]string{
			"job-id":    j.ID,
			"operation": j.Operation,
		},
	})
	if err != nil {
		return Upload{}, fmt.Errorf("put %s: %w", object, err)
	}
	return Upload{JobID: j.ID, Bucket: u.bucket, Object: object, Size: info.Size}, nil
}

// OutputPath extracts the artifact path a processor reported.
func OutputPath(r core.Result) (string, bool) {
	p, ok := r["output_path"].(string)
	p = strings.TrimSpace(p)
	return p, ok && p != ""
}

// ObjectName lays artifacts out as <category>/<job id>/<file name>.
func ObjectName(j core.JobStatus) string {
	local, _ := OutputPath(j.Result)
	return path.Join(string(j.Category), j.ID, filepath.Base(local))
}

func contentType(p string) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(p))); t != "" {
		return t
	}
	return "application/octet-stream"
}
