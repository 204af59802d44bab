package storage

import (
	"context"
	"io"
	"sync/atomic"

	"github.com/sqlanywhere/sqlanywhere/internal/observability"
)

type Part struct {
	Location Location
	Info     ObjectInfo
}

// Handle is one resolved logical resource. Segmented resources list their
// parts in key order and each part is opened on its own.
type Handle struct {
	URI       string
	Location  Location
	Parts     []Part
	Size      int64
	Segmented bool

	conn      Connector
	bytesRead atomic.Int64
}

// Ext is the resource extension, taken from the first part for prefixes.
func (h *Handle) Ext() string {
	if ext := h.Location.Ext(); ext != "" && !h.Location.IsPrefix() {
		return ext
	}
	if len(h.Parts) > 0 {
		return h.Parts[0].Location.Ext()
	}
	return ""
}

func (h *Handle) BytesRead() int64 {
	return h.bytesRead.Load()
}

// OpenPart opens one part for sequential reading. Reads stop as soon as ctx
// is done.
func (h *Handle) OpenPart(ctx context.Context, index int) (io.ReadCloser, error) {
	part := h.Parts[index]
	rc, err := h.conn.Open(ctx, part.Location, 0)
	if err != nil {
		return nil, Wrap(part.Location.Raw, err)
	}
	return &countingReader{ctx: ctx, uri: part.Location.Raw, scheme: h.Location.Scheme, next: rc, handle: h}, nil
}

type countingReader struct {
	ctx    context.Context
	uri    string
	scheme string
	next   io.ReadCloser
	handle *Handle
}

func (r *countingReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := r.next.Read(p)
	if n > 0 {
		r.handle.bytesRead.Add(int64(n))
		observability.AddStorageBytesRead(r.scheme, int64(n))
	}
	if err != nil && err != io.EOF {
		err = Wrap(r.uri, err)
	}
	return n, err
}

func (r *countingReader) Close() error {
	return r.next.Close()
}
