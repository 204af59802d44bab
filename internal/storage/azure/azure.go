// Package azure serves az:// resources (az://container/blob) from Azure Blob Storage.
package azure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"github.com/sqlanywhere/sqlanywhere/internal/storage"
)

type Config struct {
	AccountName string
	AccountKey  string
	// ServiceURL defaults to https://<account>.blob.core.windows.net. It may
	// carry a SAS token when no account key is configured.
	ServiceURL string
}

type client interface {
	Properties(ctx context.Context, container, blob string) (storage.ObjectInfo, error)
	List(ctx context.Context, container, prefix string) ([]storage.ObjectInfo, error)
	Download(ctx context.Context, container, blob string, offset int64) (io.ReadCloser, error)
}

type Store struct {
	client client
}

func New(cfg Config) (*Store, error) {
	if cfg.AccountName == "" && cfg.ServiceURL == "" {
		return nil, fmt.Errorf("azure account name or service URL is required")
	}
	serviceURL := cfg.ServiceURL
	if serviceURL == "" {
		serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.AccountName)
	}

	var (
		c   *azblob.Client
		err error
	)
	if cfg.AccountKey != "" {
		cred, credErr := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
		if credErr != nil {
			return nil, fmt.Errorf("create shared key credential: %w", credErr)
		}
		c, err = azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
	} else {
		c, err = azblob.NewClientWithNoCredential(serviceURL, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("create Azure blob client: %w", err)
	}
	return &Store{client: &blobClient{client: c}}, nil
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
	if strings.TrimSpace(loc.Key) == "" {
		return storage.ObjectInfo{}, fmt.Errorf("%w: blob name is required", storage.ErrInvalidURI)
	}
	info, err := s.client.Properties(ctx, loc.Bucket, loc.Key)
	if err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("stat az://%s/%s: %w", loc.Bucket, loc.Key, err)
	}
	return info, nil
}

func (s *Store) List(ctx context.Context, loc storage.Location) ([]storage.ObjectInfo, error) {
	objects, err := s.client.List(ctx, loc.Bucket, loc.Key)
	if err != nil {
		return nil, fmt.Errorf("list az://%s/%s: %w", loc.Bucket, loc.Key, err)
	}
	return objects, nil
}

func (s *Store) Open(ctx context.Context, loc storage.Location, offset int64) (io.ReadCloser, error) {
	rc, err := s.client.Download(ctx, loc.Bucket, loc.Key, offset)
	if err != nil {
		return nil, fmt.Errorf("read az://%s/%s: %w", loc.Bucket, loc.Key, err)
	}
	return &mappedReader{next: rc}, nil
}

type mappedReader struct {
	next io.ReadCloser
}

func (r *mappedReader) Read(p []byte) (int, error) {
	n, err := r.next.Read(p)
	if err != nil && err != io.EOF {
		err = mapAzureErr(err)
	}
	return n, err
}

func (r *mappedReader) Close() error {
	return r.next.Close()
}

type blobClient struct {
	client *azblob.Client
}

func (b *blobClient) Properties(ctx context.Context, container, blob string) (storage.ObjectInfo, error) {
	props, err := b.client.ServiceClient().NewContainerClient(container).NewBlobClient(blob).GetProperties(ctx, nil)
	if err != nil {
		return storage.ObjectInfo{}, mapAzureErr(err)
	}
	info := storage.ObjectInfo{Key: blob}
	if props.ContentLength != nil {
		info.Size = *props.ContentLength
	}
	if props.ETag != nil {
		info.ETag = string(*props.ETag)
	}
	if props.LastModified != nil {
		info.LastModified = *props.LastModified
	}
	return info, nil
}

func (b *blobClient) List(ctx context.Context, container, prefix string) ([]storage.ObjectInfo, error) {
	pager := b.client.NewListBlobsFlatPager(container, &azblob.ListBlobsFlatOptions{Prefix: &prefix})
	var objects []storage.ObjectInfo
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, mapAzureErr(err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			info := storage.ObjectInfo{Key: *item.Name}
			if item.Properties != nil {
				if item.Properties.ContentLength != nil {
					info.Size = *item.Properties.ContentLength
				}
				if item.Properties.LastModified != nil {
					info.LastModified = *item.Properties.LastModified
				}
			}
			objects = append(objects, info)
		}
	}
	return objects, nil
}

func (b *blobClient) Download(ctx context.Context, container, blob string, offset int64) (io.ReadCloser, error) {
	resp, err := b.client.DownloadStream(ctx, container, blob, &azblob.DownloadStreamOptions{
		Range: azblob.HTTPRange{Offset: offset},
	})
	if err != nil {
		return nil, mapAzureErr(err)
	}
	return resp.Body, nil
}

func mapAzureErr(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound, bloberror.ResourceNotFound):
		return fmt.Errorf("%w: %w", storage.ErrNotFound, err)
	case bloberror.HasCode(err, bloberror.AuthorizationFailure, bloberror.AuthenticationFailed, bloberror.InsufficientAccountPermissions):
		return fmt.Errorf("%w: %w", storage.ErrAccessDenied, err)
	case bloberror.HasCode(err, bloberror.ServerBusy, bloberror.InternalError, bloberror.OperationTimedOut):
		return storage.Transient(err)
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch {
		case respErr.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %w", storage.ErrNotFound, err)
		case respErr.StatusCode == http.StatusUnauthorized || respErr.StatusCode == http.StatusForbidden:
			return fmt.Errorf("%w: %w", storage.ErrAccessDenied, err)
		case respErr.StatusCode == http.StatusTooManyRequests || respErr.StatusCode >= 500:
			return storage.Transient(err)
		}
		return err
	}
	if storage.IsNetworkFailure(err) {
		return storage.Transient(err)
	}
	return err
}
