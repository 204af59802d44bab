// Package local serves file:// resources from the local filesystem. Errors are
// never retried.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/sqlanywhere/sqlanywhere/internal/storage"
)

type Connector struct{}

func New() *Connector {
	return &Connector{}
}

func Factory() storage.Factory {
	return func(context.Context) (storage.Connector, error) {
		return New(), nil
	}
}

func (c *Connector) Stat(ctx context.Context, loc storage.Location) (storage.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return storage.ObjectInfo{}, err
	}
	info, err := os.Stat(loc.Key)
	if err != nil {
		return storage.ObjectInfo{}, mapOSErr(err)
	}
	return storage.ObjectInfo{
		Key:          loc.Key,
		Size:         info.Size(),
		LastModified: info.ModTime(),
		IsPrefix:     info.IsDir(),
	}, nil
}

// List returns the regular files directly inside the directory. Hidden files
// and marker files starting with "_" are skipped.
func (c *Connector) List(ctx context.Context, loc storage.Location) ([]storage.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir := strings.TrimRight(loc.Key, "/")
	if dir == "" {
		dir = "/"
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, mapOSErr(err)
	}
	objects := make([]storage.ObjectInfo, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") || !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, mapOSErr(err)
		}
		objects = append(objects, storage.ObjectInfo{
			Key:          filepath.Join(dir, name),
			Size:         info.Size(),
			LastModified: info.ModTime(),
		})
	}
	slices.SortFunc(objects, func(a, b storage.ObjectInfo) int { return strings.Compare(a.Key, b.Key) })
	return objects, nil
}

func (c *Connector) Open(ctx context.Context, loc storage.Location, offset int64) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(loc.Key)
	if err != nil {
		return nil, mapOSErr(err)
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("seek %s to %d: %w", loc.Key, offset, err)
		}
	}
	return f, nil
}

func mapOSErr(err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %w", storage.ErrNotFound, err)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %w", storage.ErrAccessDenied, err)
	default:
		return err
	}
}
