package ingest

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/parquet-go/parquet-go"

	"github.com/sqlanywhere/sqlanywhere/internal/columnar"
)

type scoreRow struct {
	ID     int64     `parquet:"id"`
	Name   string    `parquet:"name"`
	Score  *float64  `parquet:"score,optional"`
	Active bool      `parquet:"active"`
	Seen   time.Time `parquet:"seen"`
}

type nestedRow struct {
	ID      int64 `parquet:"id"`
	Address struct {
		City string `parquet:"city"`
	} `parquet:"address"`
}

func buildParquet[T any](t *testing.T, rows []T) []byte {
	t.Helper()
	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[T](buf)
	if _, err := writer.Write(rows); err != nil {
		t.Fatalf("write parquet rows: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close parquet writer: %v", err)
	}
	return buf.Bytes()
}

func fieldIndex(t *testing.T, schema *arrow.Schema, name string) int {
	t.Helper()
	indices := schema.FieldIndices(name)
	if len(indices) != 1 {
		t.Fatalf("field %q not in %s", name, schema)
	}
	return indices[0]
}

func TestParquetReaderMapsFlatSchema(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	score := 9.5
	seen := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	data := buildParquet(t, []scoreRow{
		{ID: 1, Name: "alice", Score: &score, Active: true, Seen: seen},
		{ID: 2, Name: "bob", Seen: seen.Add(time.Second)},
		{ID: 3, Name: "carol", Score: &score, Seen: seen},
	})

	opts := DefaultOptions()
	opts.Allocator = mem
	opts.BatchRows = 2
	reader, err := OpenParquet(context.Background(), bytes.NewReader(data), int64(len(data)), opts)
	if err != nil {
		t.Fatalf("OpenParquet() error = %v", err)
	}
	defer func() { _ = reader.Close() }()

	schema := reader.Schema()
	types := map[string]arrow.DataType{
		"id":     columnar.Int64,
		"name":   columnar.Utf8,
		"score":  columnar.Float64,
		"active": columnar.Boolean,
		"seen":   columnar.Timestamp,
	}
	for name, dt := range types {
		field := schema.Field(fieldIndex(t, schema, name))
		if !arrow.TypeEqual(field.Type, dt) {
			t.Fatalf("field %q type = %s, want %s", name, field.Type, dt)
		}
	}
	if schema.Field(fieldIndex(t, schema, "id")).Nullable {
		t.Fatal("required column should not be nullable")
	}
	if !schema.Field(fieldIndex(t, schema, "score")).Nullable {
		t.Fatal("optional column should be nullable")
	}

	first, err := reader.Next(context.Background())
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	defer first.Release()
	if first.NumRows() != 2 {
		t.Fatalf("first batch rows = %d", first.NumRows())
	}
	scores := first.Column(fieldIndex(t, schema, "score"))
	if scores.IsNull(0) || !scores.IsNull(1) {
		t.Fatalf("score nulls = %v", scores)
	}
	names := first.Column(fieldIndex(t, schema, "name")).(*array.String)
	if names.Value(1) != "bob" {
		t.Fatalf("name[1] = %q", names.Value(1))
	}
	stamps := first.Column(fieldIndex(t, schema, "seen")).(*array.Timestamp)
	if got := int64(stamps.Value(1)); got != seen.Add(time.Second).UnixMicro() {
		t.Fatalf("seen[1] = %d", got)
	}

	second, err := reader.Next(context.Background())
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	defer second.Release()
	if second.NumRows() != 1 {
		t.Fatalf("second batch rows = %d", second.NumRows())
	}
	if stats := reader.Stats(); stats.Rows != 3 || stats.Batches != 2 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestParquetReaderRejectsNestedColumns(t *testing.T) {
	data := buildParquet(t, []nestedRow{{ID: 1}})
	_, err := OpenParquet(context.Background(), bytes.NewReader(data), int64(len(data)), DefaultOptions())
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("OpenParquet() error = %v, want unsupported", err)
	}
}

func TestParquetReaderRejectsGarbage(t *testing.T) {
	data := []byte("id,name\n1,a\n")
	_, err := OpenParquet(context.Background(), bytes.NewReader(data), int64(len(data)), DefaultOptions())
	if !errors.Is(err, ErrMalformedRow) {
		t.Fatalf("OpenParquet() error = %v, want malformed", err)
	}
}

func TestParquetReaderHintMustAgree(t *testing.T) {
	data := buildParquet(t, []scoreRow{{ID: 1, Name: "a"}})
	opts := DefaultOptions()
	opts.Hint = arrow.NewSchema([]arrow.Field{{Name: "id", Type: columnar.Utf8}}, nil)
	_, err := OpenParquet(context.Background(), bytes.NewReader(data), int64(len(data)), opts)
	if !errors.Is(err, ErrTypeInferenceFailure) {
		t.Fatalf("OpenParquet() error = %v, want type inference failure", err)
	}
}
