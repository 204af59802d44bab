package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/format"

	"github.com/sqlanywhere/sqlanywhere/internal/columnar"
)

// ParquetReader reads a flat Parquet file row group by row group. Parquet
// carries its own types, so inference options are ignored; a Hint must agree
// with the file.
type ParquetReader struct {
	opts    Options
	file    *parquet.File
	closer  io.Closer
	schema  *arrow.Schema
	convert []convertFunc
	groups  []parquet.RowGroup
	group   int
	rows    parquet.Rows
	buf     []parquet.Row
	seen    []bool
	stats   Stats
	closed  bool
}

type convertFunc func(b array.Builder, v parquet.Value)

// OpenParquet opens the Parquet file held by r. If r implements io.Closer it
// is closed with the reader.
func OpenParquet(ctx context.Context, r io.ReaderAt, size int64, opts Options) (*ParquetReader, error) {
	opts = opts.withDefaults()
	closer, _ := r.(io.Closer)
	fail := func(err error) (*ParquetReader, error) {
		if closer != nil {
			_ = closer.Close()
		}
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	file, err := parquet.OpenFile(r, size)
	if err != nil {
		return fail(&Error{Kind: KindMalformedRow, URI: opts.URI, Err: fmt.Errorf("open parquet: %w", err)})
	}

	leaves := file.Schema().Fields()
	fields := make([]arrow.Field, len(leaves))
	convert := make([]convertFunc, len(leaves))
	for i, leaf := range leaves {
		dt, fn, err := parquetColumn(leaf)
		if err != nil {
			return fail(&Error{Kind: KindUnsupported, URI: opts.URI, Column: leaf.Name(), Err: err})
		}
		fields[i] = arrow.Field{Name: leaf.Name(), Type: dt, Nullable: !leaf.Required()}
		convert[i] = fn
	}
	if opts.Hint != nil {
		if err := checkHint(fields, opts.Hint); err != nil {
			var ingestErr *Error
			if errors.As(err, &ingestErr) {
				ingestErr.URI = opts.URI
			}
			return fail(err)
		}
	}

	return &ParquetReader{
		opts:    opts,
		file:    file,
		closer:  closer,
		schema:  arrow.NewSchema(fields, nil),
		convert: convert,
		groups:  file.RowGroups(),
		buf:     make([]parquet.Row, min(opts.BatchRows, 1024)),
		seen:    make([]bool, len(convert)),
	}, nil
}

// parquetColumn maps a top-level Parquet field onto a supported Arrow type.
func parquetColumn(field parquet.Field) (arrow.DataType, convertFunc, error) {
	if !field.Leaf() {
		return nil, nil, errors.New("nested columns are not supported")
	}
	if field.Repeated() {
		return nil, nil, errors.New("repeated columns are not supported")
	}
	typ := field.Type()
	logical := typ.LogicalType()
	if logical != nil && logical.Decimal != nil {
		return nil, nil, fmt.Errorf("decimal column %s is not supported", typ)
	}
	if logical != nil && logical.Integer != nil && !logical.Integer.IsSigned && logical.Integer.BitWidth == 64 {
		return nil, nil, fmt.Errorf("unsigned 64-bit column %s is not supported", typ)
	}

	switch typ.Kind() {
	case parquet.Boolean:
		return columnar.Boolean, func(b array.Builder, v parquet.Value) {
			b.(*array.BooleanBuilder).Append(v.Boolean())
		}, nil
	case parquet.Int32:
		if logical != nil && logical.Date != nil {
			return columnar.Timestamp, func(b array.Builder, v parquet.Value) {
				b.(*array.TimestampBuilder).Append(arrow.Timestamp(int64(v.Int32()) * 86_400_000_000))
			}, nil
		}
		if logical != nil && logical.Integer != nil && !logical.Integer.IsSigned {
			return columnar.Int64, func(b array.Builder, v parquet.Value) {
				b.(*array.Int64Builder).Append(int64(uint32(v.Int32())))
			}, nil
		}
		return columnar.Int64, func(b array.Builder, v parquet.Value) {
			b.(*array.Int64Builder).Append(int64(v.Int32()))
		}, nil
	case parquet.Int64:
		if logical != nil && logical.Timestamp != nil {
			scale := timestampScale(logical.Timestamp.Unit)
			return columnar.Timestamp, func(b array.Builder, v parquet.Value) {
				b.(*array.TimestampBuilder).Append(arrow.Timestamp(scale(v.Int64())))
			}, nil
		}
		return columnar.Int64, func(b array.Builder, v parquet.Value) {
			b.(*array.Int64Builder).Append(v.Int64())
		}, nil
	case parquet.Float:
		return columnar.Float64, func(b array.Builder, v parquet.Value) {
			b.(*array.Float64Builder).Append(float64(v.Float()))
		}, nil
	case parquet.Double:
		return columnar.Float64, func(b array.Builder, v parquet.Value) {
			b.(*array.Float64Builder).Append(v.Double())
		}, nil
	case parquet.ByteArray:
		if logical == nil || logical.UTF8 != nil || logical.Enum != nil || logical.Json != nil {
			return columnar.Utf8, func(b array.Builder, v parquet.Value) {
				b.(*array.StringBuilder).Append(string(v.ByteArray()))
			}, nil
		}
	}
	return nil, nil, fmt.Errorf("parquet type %s is not supported", typ)
}

// timestampScale converts a Parquet timestamp to microseconds.
func timestampScale(unit format.TimeUnit) func(int64) int64 {
	switch {
	case unit.Millis != nil:
		return func(v int64) int64 { return v * 1000 }
	case unit.Nanos != nil:
		return func(v int64) int64 { return v / 1000 }
	default:
		return func(v int64) int64 { return v }
	}
}

// checkHint requires every hinted column to exist with the same type.
func checkHint(fields []arrow.Field, hint *arrow.Schema) error {
	for _, hinted := range hint.Fields() {
		found := false
		for _, f := range fields {
			if f.Name != hinted.Name {
				continue
			}
			found = true
			if !arrow.TypeEqual(f.Type, hinted.Type) {
				return &Error{Kind: KindTypeInferenceFailure, Column: hinted.Name,
					Err: fmt.Errorf("declared %s, file has %s", columnar.TypeName(hinted.Type), columnar.TypeName(f.Type))}
			}
		}
		if !found {
			return &Error{Kind: KindTypeInferenceFailure, Column: hinted.Name, Err: errors.New("declared column is not in the file")}
		}
	}
	return nil
}

func (r *ParquetReader) Schema() *arrow.Schema { return r.schema }

func (r *ParquetReader) Stats() Stats { return r.stats }

func (r *ParquetReader) Next(ctx context.Context) (arrow.Record, error) {
	if r.closed {
		return nil, io.EOF
	}
	b := array.NewRecordBuilder(r.opts.Allocator, r.schema)
	defer b.Release()

	rows := 0
	for rows < r.opts.BatchRows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if r.rows == nil {
			if r.group >= len(r.groups) {
				break
			}
			r.rows = r.groups[r.group].Rows()
			r.group++
		}
		want := min(len(r.buf), r.opts.BatchRows-rows)
		n, err := r.rows.ReadRows(r.buf[:want])
		for _, row := range r.buf[:n] {
			r.appendRow(b, row)
		}
		rows += n
		if errors.Is(err, io.EOF) {
			_ = r.rows.Close()
			r.rows = nil
			continue
		}
		if err != nil {
			return nil, &Error{Kind: KindMalformedRow, URI: r.opts.URI, Err: err}
		}
	}
	if rows == 0 {
		return nil, io.EOF
	}
	r.stats.Rows += int64(rows)
	r.stats.Batches++
	return b.NewRecord(), nil
}

func (r *ParquetReader) appendRow(b *array.RecordBuilder, row parquet.Row) {
	seen := r.seen
	clear(seen)
	for _, v := range row {
		col := v.Column()
		if col < 0 || col >= len(r.convert) || seen[col] {
			continue
		}
		seen[col] = true
		if v.IsNull() {
			b.Field(col).AppendNull()
			continue
		}
		r.convert[col](b.Field(col), v)
	}
	for col, ok := range seen {
		if !ok {
			b.Field(col).AppendNull()
		}
	}
}

func (r *ParquetReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	if r.rows != nil {
		_ = r.rows.Close()
		r.rows = nil
	}
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}
