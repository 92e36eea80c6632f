package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/lisan-5/file-processing-api/internal/core"
)

type fakeStore struct {
	mu      sync.Mutex
	buckets map[string]bool
	puts    []string
	fail    error
}

func (f *fakeStore) BucketExists(_ context.Context, bucket string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buckets[bucket], nil
}

func (f *fakeStore) MakeBucket(_ context.Context, bucket string, _ minio.MakeBucketOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.buckets == nil {
		f.buckets = map[string]bool{}
	}
	f.buckets[bucket] = true
	return nil
}

func (f *fakeStore) FPutObject(_ context.Context, bucket, object, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	if f.fail != nil {
		return minio.UploadInfo{}, f.fail
	}
	st, err := os.Stat(filePath)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	f.mu.Lock()
	f.puts = append(f.puts, bucket+"/"+object+" "+opts.ContentType)
	f.mu.Unlock()
	return minio.UploadInfo{Bucket: bucket, Key: object, Size: st.Size()}, nil
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestEnsureBucket(t *testing.T) {
	f := &fakeStore{}
	if err := EnsureBucket(context.Background(), f, "artifacts"); err != nil {
		t.Fatal(err)
	}
	if !f.buckets["artifacts"] {
		t.Error("bucket not created")
	}
}

func TestUploader_UploadsCompletedArtifacts(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "thumb.png")
	if err := os.WriteFile(out, []byte("png-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	f := &fakeStore{}
	var uploads []Upload
	var mu sync.Mutex
	u := NewUploader(f, "artifacts", WithLogger(quiet()), WithOnUpload(func(up Upload) {
		mu.Lock()
		uploads = append(uploads, up)
		mu.Unlock()
	}))

	job := core.JobStatus{ID: "j1", Category: core.CategoryImage, Operation: "thumbnail", Result: core.Result{"output_path": out}}
	u.Notify(core.Event{Type: core.EventJobStarted, Job: job})
	u.Notify(core.Event{Type: core.EventJobCompleted, Job: core.JobStatus{ID: "no-artifact", Result: core.Result{"width": 1}}})
	u.Notify(core.Event{Type: core.EventJobCompleted, Job: job})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := u.Close(ctx); err != nil {
		t.Fatal(err)
	}

	if len(f.puts) != 1 || f.puts[0] != "artifacts/image/j1/thumb.png image/png" {
		t.Errorf("puts = %v", f.puts)
	}
	if len(uploads) != 1 || uploads[0].Size != int64(len("png-bytes")) {
		t.Errorf("uploads = %+v", uploads)
	}
}

func TestUploader_FailureIsLoggedNotFatal(t *testing.T) {
	f := &fakeStore{fail: errors.New("connection refused")}
	called := false
	u := NewUploader(f, "b", WithLogger(quiet()), WithOnUpload(func(Upload) { called = true }))
	u.Notify(core.Event{Type: core.EventJobCompleted, Job: core.JobStatus{ID: "j", Result: core.Result{"output_path": "/tmp/x.bin"}}})
	u.Close(context.Background())
	if called {
		t.Error("callback ran for failed upload")
	}
}

func TestMinio_Integration(t *testing.T) {
	endpoint := os.Getenv("FILEPROC_MINIO_ENDPOINT")
	if endpoint == "" {
		t.Skip("set FILEPROC_MINIO_ENDPOINT to run minio integration tests")
	}
	cfg := Config{
		Endpoint:  endpoint,
		AccessKey: os.Getenv("FILEPROC_MINIO_ACCESS_KEY"),
		SecretKey: os.Getenv("FILEPROC_MINIO_SECRET_KEY"),
		Bucket:    "fileproc-test",
	}
	client, err := NewClient(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}

	out := filepath.Join(t.TempDir(), "doc.txt.gz")
	os.WriteFile(out, []byte("gz"), 0o644)
	done := make(chan Upload, 1)
	u := NewUploader(client, cfg.Bucket, WithLogger(quiet()), WithOnUpload(func(up Upload) { done <- up }))
	u.Notify(core.Event{Type: core.EventJobCompleted, Job: core.JobStatus{ID: "it", Category: core.CategoryDocument, Result: core.Result{"output_path": out}}})

	select {
	case up := <-done:
		if up.Object != "document/it/doc.txt.gz" {
			t.Errorf("object = %s", up.Object)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("upload timed out")
	}
	u.Close(context.Background())
}
