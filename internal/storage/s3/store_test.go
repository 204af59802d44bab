package s3

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/sqlanywhere/sqlanywhere/internal/storage"
)

func TestStatUsesBucketAndKeyFromLocation(t *testing.T) {
	fake := &fakeClient{}
	store, err := NewWithClient(fake)
	if err != nil {
		t.Fatalf("NewWithClient() error = %v", err)
	}
	loc, _ := storage.ParseLocation("s3://bucket-a/path/students.csv")

	info, err := store.Stat(context.Background(), loc)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if fake.lastBucket != "bucket-a" || fake.lastKey != "path/students.csv" {
		t.Fatalf("bucket/key = %q/%q", fake.lastBucket, fake.lastKey)
	}
	if info.Size != 10 {
		t.Fatalf("Size = %d", info.Size)
	}
}

func TestOpenPassesOffset(t *testing.T) {
	fake := &fakeClient{}
	store, _ := NewWithClient(fake)
	loc, _ := storage.ParseLocation("s3://bucket-a/scores.csv")

	rc, err := store.Open(context.Background(), loc, 42)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer rc.Close()
	if fake.lastOffset != 42 {
		t.Fatalf("offset = %d", fake.lastOffset)
	}
	body, _ := io.ReadAll(rc)
	if string(body) != "scores.csv" {
		t.Fatalf("body = %q", body)
	}
}

func TestOpenRejectsEmptyKey(t *testing.T) {
	store, _ := NewWithClient(&fakeClient{})
	loc, _ := storage.ParseLocation("s3://bucket-a/")
	if _, err := store.Open(context.Background(), loc, 0); !errors.Is(err, storage.ErrInvalidURI) {
		t.Fatalf("Open() error = %v, want ErrInvalidURI", err)
	}
}

func TestStatPropagatesMappedErrors(t *testing.T) {
	fake := &fakeClient{statErr: mapMinioErr(minio.ErrorResponse{Code: "NoSuchKey", StatusCode: http.StatusNotFound})}
	store, _ := NewWithClient(fake)
	loc, _ := storage.ParseLocation("s3://bucket-a/missing.csv")
	if _, err := store.Stat(context.Background(), loc); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Stat() error = %v, want ErrNotFound", err)
	}
}

func TestMapMinioErr(t *testing.T) {
	tests := []struct {
		err  error
		want error
	}{
		{err: minio.ErrorResponse{Code: "NoSuchBucket", StatusCode: http.StatusNotFound}, want: storage.ErrNotFound},
		{err: minio.ErrorResponse{Code: "AccessDenied", StatusCode: http.StatusForbidden}, want: storage.ErrAccessDenied},
		{err: minio.ErrorResponse{Code: "SlowDown", StatusCode: http.StatusServiceUnavailable}, want: storage.ErrTransient},
		{err: minio.ErrorResponse{Code: "Whatever", StatusCode: http.StatusBadGateway}, want: storage.ErrTransient},
		{err: io.ErrUnexpectedEOF, want: storage.ErrTransient},
	}
	for _, tc := range tests {
		if got := mapMinioErr(tc.err); !errors.Is(got, tc.want) {
			t.Fatalf("mapMinioErr(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
	if got := mapMinioErr(minio.ErrorResponse{Code: "InvalidArgument", StatusCode: http.StatusBadRequest}); storage.IsTransient(got) {
		t.Fatalf("client errors must not be transient: %v", got)
	}
}

func TestParseEndpoint(t *testing.T) {
	endpoint, secure, err := parseEndpoint("https://minio.example.com", false)
	if err != nil {
		t.Fatalf("parseEndpoint() error = %v", err)
	}
	if endpoint != "minio.example.com" || !secure {
		t.Fatalf("endpoint/secure = %q/%v", endpoint, secure)
	}
	endpoint, secure, err = parseEndpoint("http://localhost:9000", true)
	if err != nil {
		t.Fatalf("parseEndpoint() error = %v", err)
	}
	if endpoint != "localhost:9000" || secure {
		t.Fatalf("endpoint/secure = %q/%v", endpoint, secure)
	}
	if _, _, err := parseEndpoint(" ", false); err == nil {
		t.Fatal("expected error for empty endpoint")
	}
}

type fakeClient struct {
	lastBucket string
	lastKey    string
	lastOffset int64
	statErr    error
}

func (f *fakeClient) Stat(_ context.Context, bucket, key string) (storage.ObjectInfo, error) {
	f.lastBucket, f.lastKey = bucket, key
	if f.statErr != nil {
		return storage.ObjectInfo{}, f.statErr
	}
	return storage.ObjectInfo{Key: key, Size: 10, LastModified: time.Now().UTC()}, nil
}

func (f *fakeClient) List(_ context.Context, bucket, prefix string) ([]storage.ObjectInfo, error) {
	f.lastBucket, f.lastKey = bucket, prefix
	return []storage.ObjectInfo{{Key: prefix + "part-0.csv", Size: 3}}, nil
}

func (f *fakeClient) Get(_ context.Context, bucket, key string, offset int64) (io.ReadCloser, error) {
	f.lastBucket, f.lastKey, f.lastOffset = bucket, key, offset
	return io.NopCloser(strings.NewReader(key)), nil
}
