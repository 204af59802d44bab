// Package columnar holds the Arrow helpers shared by ingestion, execution and
// serialization: the lazy batch reader contract, the supported column types
// and row-wise copying between batches.
package columnar

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
)

// BatchReader is a pull-based sequence of record batches. Next returns io.EOF
// after the last batch. Returned records belong to the caller, who must
// Release them. Close releases everything the reader still holds and is safe
// to call more than once.
type BatchReader interface {
	Schema() *arrow.Schema
	Next(ctx context.Context) (arrow.Record, error)
	Close() error
}

// Supported column types.
var (
	Int64     arrow.DataType = arrow.PrimitiveTypes.Int64
	Float64   arrow.DataType = arrow.PrimitiveTypes.Float64
	Utf8      arrow.DataType = arrow.BinaryTypes.String
	Boolean   arrow.DataType = arrow.FixedWidthTypes.Boolean
	Timestamp arrow.DataType = arrow.FixedWidthTypes.Timestamp_us
)

var ErrUnsupportedType = errors.New("unsupported column type")

// CheckType reports whether values of dt can flow through the engine.
func CheckType(dt arrow.DataType) error {
	switch dt.ID() {
	case arrow.INT64, arrow.FLOAT64, arrow.STRING, arrow.BOOL:
		return nil
	case arrow.TIMESTAMP:
		ts := dt.(*arrow.TimestampType)
		if ts.Unit == arrow.Microsecond {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedType, dt)
}

// TypeName is the SQL-facing name of a supported type.
func TypeName(dt arrow.DataType) string {
	switch dt.ID() {
	case arrow.INT64:
		return "BIGINT"
	case arrow.FLOAT64:
		return "DOUBLE"
	case arrow.STRING:
		return "VARCHAR"
	case arrow.BOOL:
		return "BOOLEAN"
	case arrow.TIMESTAMP:
		return "TIMESTAMP"
	default:
		return dt.String()
	}
}

// ReadAll drains r. The caller releases the returned records.
func ReadAll(ctx context.Context, r BatchReader) ([]arrow.Record, error) {
	var out []arrow.Record
	for {
		rec, err := r.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			ReleaseAll(out)
			return nil, err
		}
		out = append(out, rec)
	}
}

func ReleaseAll(records []arrow.Record) {
	for _, rec := range records {
		if rec != nil {
			rec.Release()
		}
	}
}

// SliceReader serves records held in memory. It takes ownership of them.
type SliceReader struct {
	schema  *arrow.Schema
	records []arrow.Record
	pos     int
}

func NewSliceReader(schema *arrow.Schema, records []arrow.Record) *SliceReader {
	return &SliceReader{schema: schema, records: records}
}

func (r *SliceReader) Schema() *arrow.Schema { return r.schema }

func (r *SliceReader) Next(ctx context.Context) (arrow.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.pos >= len(r.records) {
		return nil, io.EOF
	}
	rec := r.records[r.pos]
	r.records[r.pos] = nil
	r.pos++
	return rec, nil
}

func (r *SliceReader) Close() error {
	ReleaseAll(r.records[r.pos:])
	r.records = nil
	r.pos = 0
	return nil
}
