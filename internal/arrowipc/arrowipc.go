// Package arrowipc serializes result batches as an Arrow IPC stream: one
// schema message, the record batches, then the end-of-stream marker.
package arrowipc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/sqlanywhere/sqlanywhere/internal/columnar"
)

// ContentType is the media type of an Arrow IPC stream.
const ContentType = "application/vnd.apache.arrow.stream"

var (
	ErrUnsupportedType = errors.New("unsupported type")
	ErrCorrupt         = errors.New("corrupt batch")
)

type Kind string

const (
	KindUnsupportedType Kind = "UnsupportedType"
	KindCorrupt         Kind = "Corrupt"
)

// Error is a SerializeError. Batch is the 0-based index of the offending
// batch, -1 for schema problems.
type Error struct {
	Kind  Kind
	Batch int
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("serialize %s: %s", e.Kind, e.Msg)
	if e.Batch >= 0 {
		msg = fmt.Sprintf("serialize %s: batch %d: %s", e.Kind, e.Batch, e.Msg)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch e.Kind {
	case KindUnsupportedType:
		return target == ErrUnsupportedType
	default:
		return target == ErrCorrupt
	}
}

// Encode drains reader into one complete stream.
func Encode(ctx context.Context, reader columnar.BatchReader) ([]byte, error) {
	stream := NewStream(ctx, reader)
	var out bytes.Buffer
	for {
		chunk, err := stream.Next()
		if errors.Is(err, io.EOF) {
			return out.Bytes(), nil
		}
		if err != nil {
			return nil, err
		}
		out.Write(chunk)
	}
}

// Stream encodes lazily: each Next pulls one batch and returns its encoded
// bytes. The end-of-stream marker is only written after the reader ends
// cleanly, so a failed stream never looks complete.
type Stream struct {
	ctx     context.Context
	reader  columnar.BatchReader
	schema  *arrow.Schema
	buf     bytes.Buffer
	writer  *ipc.Writer
	batches int
	rows    int64
	done    bool
	err     error
}

func NewStream(ctx context.Context, reader columnar.BatchReader) *Stream {
	return &Stream{ctx: ctx, reader: reader, schema: reader.Schema()}
}

func (s *Stream) Schema() *arrow.Schema { return s.schema }

// Batches and Rows count what was written so far.
func (s *Stream) Batches() int { return s.batches }
func (s *Stream) Rows() int64  { return s.rows }

// Next returns the next encoded chunk, or io.EOF after the end marker.
func (s *Stream) Next() ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.done {
		return nil, io.EOF
	}
	if s.writer == nil {
		if err := s.start(); err != nil {
			return nil, s.fail(err)
		}
	}

	rec, err := s.reader.Next(s.ctx)
	if errors.Is(err, io.EOF) {
		s.done = true
		if err := s.writer.Close(); err != nil {
			return nil, s.fail(&Error{Kind: KindCorrupt, Batch: -1, Msg: "write end of stream", Err: err})
		}
		return s.flush(), nil
	}
	if err != nil {
		return nil, s.fail(err)
	}
	defer rec.Release()
	if err := s.validate(rec); err != nil {
		return nil, s.fail(err)
	}
	if err := s.writer.Write(rec); err != nil {
		return nil, s.fail(&Error{Kind: KindCorrupt, Batch: s.batches, Msg: "write batch", Err: err})
	}
	s.batches++
	s.rows += rec.NumRows()
	return s.flush(), nil
}

func (s *Stream) start() error {
	for _, field := range s.schema.Fields() {
		if err := columnar.CheckType(field.Type); err != nil {
			return &Error{Kind: KindUnsupportedType, Batch: -1, Msg: fmt.Sprintf("column %q", field.Name), Err: err}
		}
	}
	s.writer = ipc.NewWriter(&s.buf, ipc.WithSchema(s.schema), ipc.WithAllocator(memory.DefaultAllocator))
	return nil
}

func (s *Stream) validate(rec arrow.Record) error {
	if !s.schema.Equal(rec.Schema()) {
		return &Error{Kind: KindCorrupt, Batch: s.batches, Msg: fmt.Sprintf("schema %s does not match stream schema %s", rec.Schema(), s.schema)}
	}
	for i, col := range rec.Columns() {
		if int64(col.Len()) != rec.NumRows() {
			return &Error{Kind: KindCorrupt, Batch: s.batches, Msg: fmt.Sprintf("column %q has %d values for %d rows", s.schema.Field(i).Name, col.Len(), rec.NumRows())}
		}
	}
	return nil
}

func (s *Stream) flush() []byte {
	out := bytes.Clone(s.buf.Bytes())
	s.buf.Reset()
	return out
}

func (s *Stream) fail(err error) error {
	s.err = err
	return err
}
