// Package s3 serves s3:// resources through the MinIO client, which speaks to
// AWS S3 and any S3-compatible endpoint.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/sqlanywhere/sqlanywhere/internal/storage"
)

type Config struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	UseSSL          bool
}

type client interface {
	Stat(ctx context.Context, bucket, key string) (storage.ObjectInfo, error)
	List(ctx context.Context, bucket, prefix string) ([]storage.ObjectInfo, error)
	Get(ctx context.Context, bucket, key string, offset int64) (io.ReadCloser, error)
}

type Store struct {
	client client
}

func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("s3 endpoint is required")
	}
	mc, err := newMinioClient(cfg)
	if err != nil {
		return nil, err
	}
	return &Store{client: mc}, nil
}

func NewWithClient(c client) (*Store, error) {
	if c == nil {
		return nil, fmt.Errorf("client is required")
	}
	return &Store{client: c}, nil
}

func Factory(cfg Config) storage.Factory {
	return func(context.Context) (storage.Connector, error) {
		return New(cfg)
	}
}

func (s *Store) Stat(ctx context.Context, loc storage.Location) (storage.ObjectInfo, error) {
	key, err := normalizeKey(loc.Key)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	info, err := s.client.Stat(ctx, loc.Bucket, key)
	if err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("stat object %q: %w", key, err)
	}
	return info, nil
}

func (s *Store) List(ctx context.Context, loc storage.Location) ([]storage.ObjectInfo, error) {
	prefix := strings.TrimPrefix(loc.Key, "/")
	objects, err := s.client.List(ctx, loc.Bucket, prefix)
	if err != nil {
		return nil, fmt.Errorf("list prefix %q: %w", prefix, err)
	}
	return objects, nil
}

func (s *Store) Open(ctx context.Context, loc storage.Location, offset int64) (io.ReadCloser, error) {
	key, err := normalizeKey(loc.Key)
	if err != nil {
		return nil, err
	}
	reader, err := s.client.Get(ctx, loc.Bucket, key, offset)
	if err != nil {
		return nil, fmt.Errorf("get object %q: %w", key, err)
	}
	return &mappedReader{next: reader}, nil
}

func normalizeKey(key string) (string, error) {
	key = strings.TrimPrefix(key, "/")
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("%w: object key is required", storage.ErrInvalidURI)
	}
	return key, nil
}

// mappedReader classifies errors that surface while the body is streaming.
type mappedReader struct {
	next io.ReadCloser
}

func (r *mappedReader) Read(p []byte) (int, error) {
	n, err := r.next.Read(p)
	if err != nil && err != io.EOF {
		err = mapMinioErr(err)
	}
	return n, err
}

func (r *mappedReader) Close() error {
	return r.next.Close()
}

func newMinioClient(cfg Config) (*minioClient, error) {
	endpoint, secure, err := parseEndpoint(cfg.Endpoint, cfg.UseSSL)
	if err != nil {
		return nil, err
	}
	clientImpl, err := minio.New(endpoint, &minio.Options{
		Creds:  newCredentials(cfg),
		Secure: secure,
		Region: strings.TrimSpace(cfg.Region),
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	return &minioClient{client: clientImpl}, nil
}

// newCredentials uses static keys when configured and otherwise falls back to
// the AWS environment, MinIO environment and instance metadata chain.
func newCredentials(cfg Config) *credentials.Credentials {
	if cfg.AccessKeyID != "" {
		return credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)
	}
	return credentials.NewChainCredentials([]credentials.Provider{
		&credentials.EnvAWS{},
		&credentials.EnvMinio{},
		&credentials.IAM{Client: &http.Client{Transport: http.DefaultTransport}},
	})
}

func parseEndpoint(raw string, useSSL bool) (string, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false, fmt.Errorf("endpoint is required")
	}
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		parsed, err := url.Parse(raw)
		if err != nil {
			return "", false, fmt.Errorf("parse endpoint URL: %w", err)
		}
		if parsed.Host == "" {
			return "", false, fmt.Errorf("endpoint host is required")
		}
		return parsed.Host, parsed.Scheme == "https", nil
	}
	return raw, useSSL, nil
}

type minioClient struct {
	client *minio.Client
}

func (m *minioClient) Stat(ctx context.Context, bucket, key string) (storage.ObjectInfo, error) {
	obj, err := m.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return storage.ObjectInfo{}, mapMinioErr(err)
	}
	return storage.ObjectInfo{Key: obj.Key, Size: obj.Size, ETag: obj.ETag, LastModified: obj.LastModified}, nil
}

func (m *minioClient) List(ctx context.Context, bucket, prefix string) ([]storage.ObjectInfo, error) {
	var objects []storage.ObjectInfo
	for obj := range m.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, mapMinioErr(obj.Err)
		}
		objects = append(objects, storage.ObjectInfo{Key: obj.Key, Size: obj.Size, ETag: obj.ETag, LastModified: obj.LastModified})
	}
	return objects, nil
}

func (m *minioClient) Get(ctx context.Context, bucket, key string, offset int64) (io.ReadCloser, error) {
	opts := minio.GetObjectOptions{}
	if offset > 0 {
		if err := opts.SetRange(offset, 0); err != nil {
			return nil, err
		}
	}
	obj, err := m.client.GetObject(ctx, bucket, key, opts)
	if err != nil {
		return nil, mapMinioErr(err)
	}
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, mapMinioErr(err)
	}
	return obj, nil
}

func mapMinioErr(err error) error {
	if err == nil {
		return nil
	}
	var response minio.ErrorResponse
	if errors.As(err, &response) {
		switch response.Code {
		case "NoSuchKey", "NoSuchBucket", "NotFound":
			return fmt.Errorf("%w: %w", storage.ErrNotFound, err)
		case "AccessDenied", "AllAccessDisabled", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken":
			return fmt.Errorf("%w: %w", storage.ErrAccessDenied, err)
		case "SlowDown", "InternalError", "ServiceUnavailable", "RequestTimeout", "RequestTimeTooSkewed":
			return storage.Transient(err)
		}
		switch {
		case response.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %w", storage.ErrNotFound, err)
		case response.StatusCode == http.StatusForbidden || response.StatusCode == http.StatusUnauthorized:
			return fmt.Errorf("%w: %w", storage.ErrAccessDenied, err)
		case response.StatusCode == http.StatusTooManyRequests || response.StatusCode >= 500:
			return storage.Transient(err)
		}
		return err
	}
	if storage.IsNetworkFailure(err) {
		return storage.Transient(err)
	}
	return err
}
