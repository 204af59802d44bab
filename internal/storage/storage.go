package storage

import (
	"context"
	"io"
	"time"
)

type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
	// IsPrefix marks a directory or key prefix whose objects form one segmented resource.
	IsPrefix bool
}

// Connector reads objects for one URI scheme. Implementations must be safe for
// concurrent use; one instance is shared by every query.
type Connector interface {
	Stat(ctx context.Context, loc Location) (ObjectInfo, error)
	// List returns the objects below loc in lexical key order.
	List(ctx context.Context, loc Location) ([]ObjectInfo, error)
	// Open starts a sequential read at byte offset.
	Open(ctx context.Context, loc Location, offset int64) (io.ReadCloser, error)
}
