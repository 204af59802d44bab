package columnar

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// RecordBuilder assembles output batches row by row from cells of input
// arrays. Column i of the output must share its type with every source array
// appended into it.
type RecordBuilder struct {
	schema   *arrow.Schema
	builders []array.Builder
	rows     int
}

func NewRecordBuilder(mem memory.Allocator, schema *arrow.Schema) *RecordBuilder {
	builders := make([]array.Builder, schema.NumFields())
	for i, field := range schema.Fields() {
		builders[i] = array.NewBuilder(mem, field.Type)
	}
	return &RecordBuilder{schema: schema, builders: builders}
}

func (b *RecordBuilder) Schema() *arrow.Schema { return b.schema }

func (b *RecordBuilder) Rows() int { return b.rows }

// AppendCell copies src[row] into output column col.
func (b *RecordBuilder) AppendCell(col int, src arrow.Array, row int) {
	AppendValue(b.builders[col], src, row)
}

func (b *RecordBuilder) AppendNull(col int) {
	b.builders[col].AppendNull()
}

// EndRow marks that every column received one value.
func (b *RecordBuilder) EndRow() {
	b.rows++
}

// NewRecord returns the rows appended so far and resets the builder.
func (b *RecordBuilder) NewRecord() arrow.Record {
	cols := make([]arrow.Array, len(b.builders))
	for i, builder := range b.builders {
		cols[i] = builder.NewArray()
	}
	rec := array.NewRecord(b.schema, cols, int64(b.rows))
	for _, col := range cols {
		col.Release()
	}
	b.rows = 0
	return rec
}

func (b *RecordBuilder) Release() {
	for _, builder := range b.builders {
		builder.Release()
	}
}

// AppendValue copies src[row] into dst. Both must hold the same type.
func AppendValue(dst array.Builder, src arrow.Array, row int) {
	if src.IsNull(row) {
		dst.AppendNull()
		return
	}
	switch s := src.(type) {
	case *array.Int64:
		dst.(*array.Int64Builder).Append(s.Value(row))
	case *array.Float64:
		dst.(*array.Float64Builder).Append(s.Value(row))
	case *array.String:
		dst.(*array.StringBuilder).Append(s.Value(row))
	case *array.Boolean:
		dst.(*array.BooleanBuilder).Append(s.Value(row))
	case *array.Timestamp:
		dst.(*array.TimestampBuilder).Append(s.Value(row))
	default:
		panic(fmt.Sprintf("columnar: append of unsupported array %T", src))
	}
}

// Value returns src[row] as a Go value: int64, float64, string, bool or
// arrow.Timestamp. ok is false for nulls.
func Value(src arrow.Array, row int) (value any, ok bool) {
	if src.IsNull(row) {
		return nil, false
	}
	switch s := src.(type) {
	case *array.Int64:
		return s.Value(row), true
	case *array.Float64:
		return s.Value(row), true
	case *array.String:
		return s.Value(row), true
	case *array.Boolean:
		return s.Value(row), true
	case *array.Timestamp:
		return s.Value(row), true
	default:
		return nil, false
	}
}

// Rename returns rec with the fields of schema, which must match rec column
// for column in type. The caller releases both records.
func Rename(rec arrow.Record, schema *arrow.Schema) arrow.Record {
	return array.NewRecord(schema, rec.Columns(), rec.NumRows())
}

// SelectColumns returns a record holding rec's columns at indices under schema.
func SelectColumns(rec arrow.Record, schema *arrow.Schema, indices []int) arrow.Record {
	cols := make([]arrow.Array, len(indices))
	for i, idx := range indices {
		cols[i] = rec.Column(idx)
	}
	return array.NewRecord(schema, cols, rec.NumRows())
}
