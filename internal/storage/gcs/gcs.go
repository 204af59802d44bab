// Package gcs serves gs:// resources from Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	gcstorage "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/sqlanywhere/sqlanywhere/internal/storage"
)

type Config struct {
	CredentialsFile string
	// Endpoint overrides the API endpoint, e.g. for a local emulator. Requests
	// to a custom endpoint are sent without authentication.
	Endpoint string
}

type client interface {
	Attrs(ctx context.Context, bucket, key string) (storage.ObjectInfo, error)
	List(ctx context.Context, bucket, prefix string) ([]storage.ObjectInfo, error)
	NewRangeReader(ctx context.Context, bucket, key string, offset int64) (io.ReadCloser, error)
}

type Store struct {
	client client
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithAuthCredentialsFile(option.ServiceAccount, cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	}
	c, err := gcstorage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create GCS client: %w", err)
	}
	return &Store{client: &gcsClient{client: c}}, nil
}

func NewWithClient(c client) (*Store, error) {
	if c == nil {
		return nil, fmt.Errorf("client is required")
	}
	return &Store{client: c}, nil
}

func Factory(cfg Config) storage.Factory {
	return func(ctx context.Context) (storage.Connector, error) {
		return New(ctx, cfg)
	}
}

func (s *Store) Stat(ctx context.Context, loc storage.Location) (storage.ObjectInfo, error) {
	if strings.TrimSpace(loc.Key) == "" {
		return storage.ObjectInfo{}, fmt.Errorf("%w: object key is required", storage.ErrInvalidURI)
	}
	info, err := s.client.Attrs(ctx, loc.Bucket, loc.Key)
	if err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("stat gs://%s/%s: %w", loc.Bucket, loc.Key, err)
	}
	return info, nil
}

func (s *Store) List(ctx context.Context, loc storage.Location) ([]storage.ObjectInfo, error) {
	objects, err := s.client.List(ctx, loc.Bucket, loc.Key)
	if err != nil {
		return nil, fmt.Errorf("list gs://%s/%s: %w", loc.Bucket, loc.Key, err)
	}
	return objects, nil
}

func (s *Store) Open(ctx context.Context, loc storage.Location, offset int64) (io.ReadCloser, error) {
	rc, err := s.client.NewRangeReader(ctx, loc.Bucket, loc.Key, offset)
	if err != nil {
		return nil, fmt.Errorf("read gs://%s/%s: %w", loc.Bucket, loc.Key, err)
	}
	return &mappedReader{next: rc}, nil
}

type mappedReader struct {
	next io.ReadCloser
}

func (r *mappedReader) Read(p []byte) (int, error) {
	n, err := r.next.Read(p)
	if err != nil && err != io.EOF {
		err = mapGCSErr(err)
	}
	return n, err
}

func (r *mappedReader) Close() error {
	return r.next.Close()
}

type gcsClient struct {
	client *gcstorage.Client
}

func (g *gcsClient) Attrs(ctx context.Context, bucket, key string) (storage.ObjectInfo, error) {
	attrs, err := g.client.Bucket(bucket).Object(key).Attrs(ctx)
	if err != nil {
		return storage.ObjectInfo{}, mapGCSErr(err)
	}
	return storage.ObjectInfo{Key: attrs.Name, Size: attrs.Size, ETag: attrs.Etag, LastModified: attrs.Updated}, nil
}

func (g *gcsClient) List(ctx context.Context, bucket, prefix string) ([]storage.ObjectInfo, error) {
	it := g.client.Bucket(bucket).Objects(ctx, &gcstorage.Query{Prefix: prefix})
	var objects []storage.ObjectInfo
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return objects, nil
		}
		if err != nil {
			return nil, mapGCSErr(err)
		}
		objects = append(objects, storage.ObjectInfo{Key: attrs.Name, Size: attrs.Size, ETag: attrs.Etag, LastModified: attrs.Updated})
	}
}

func (g *gcsClient) NewRangeReader(ctx context.Context, bucket, key string, offset int64) (io.ReadCloser, error) {
	r, err := g.client.Bucket(bucket).Object(key).NewRangeReader(ctx, offset, -1)
	if err != nil {
		return nil, mapGCSErr(err)
	}
	return r, nil
}

func mapGCSErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gcstorage.ErrObjectNotExist) || errors.Is(err, gcstorage.ErrBucketNotExist) {
		return fmt.Errorf("%w: %w", storage.ErrNotFound, err)
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusNotFound:
			return fmt.Errorf("%w: %w", storage.ErrNotFound, err)
		case apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden:
			return fmt.Errorf("%w: %w", storage.ErrAccessDenied, err)
		case apiErr.Code == http.StatusTooManyRequests || apiErr.Code == http.StatusRequestTimeout || apiErr.Code >= 500:
			return storage.Transient(err)
		}
		return err
	}
	if storage.IsNetworkFailure(err) {
		return storage.Transient(err)
	}
	return err
}
