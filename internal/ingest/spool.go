package ingest

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/sqlanywhere/sqlanywhere/internal/storage"
)

// spoolFile is a temporary local copy of one object, removed on Close.
type spoolFile struct {
	*os.File
}

func (f *spoolFile) Close() error {
	err := f.File.Close()
	if rmErr := os.Remove(f.Name()); rmErr != nil && err == nil {
		err = rmErr
	}
	return err
}

// spoolPart copies part index of h into dir and returns the copy and its size.
func spoolPart(ctx context.Context, h *storage.Handle, index int, dir string) (*spoolFile, int64, error) {
	reader, err := h.OpenPart(ctx, index)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = reader.Close() }()

	file, err := os.CreateTemp(dir, "sqlanywhere-spool-*")
	if err != nil {
		return nil, 0, fmt.Errorf("create spool file: %w", err)
	}
	spooled := &spoolFile{File: file}
	size, err := io.Copy(file, reader)
	if err != nil {
		_ = spooled.Close()
		return nil, 0, err
	}
	return spooled, size, nil
}
