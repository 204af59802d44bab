package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/sqlanywhere/sqlanywhere/internal/columnar"
	"github.com/sqlanywhere/sqlanywhere/internal/observability"
	"github.com/sqlanywhere/sqlanywhere/internal/storage"
	"github.com/sqlanywhere/sqlanywhere/internal/storage/local"
)

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}

func resolve(t *testing.T, uri string) *storage.Handle {
	t.Helper()
	registry := storage.NewRegistry(storage.DefaultRetryPolicy(), observability.DiscardLogger())
	registry.Register("file", local.Factory())
	handle, err := registry.Resolve(context.Background(), uri)
	if err != nil {
		t.Fatalf("Resolve(%q) error = %v", uri, err)
	}
	return handle
}

func openSource(t *testing.T, uri string, opts Options) Source {
	t.Helper()
	source, err := Open(context.Background(), resolve(t, uri), opts)
	if err != nil {
		t.Fatalf("Open(%q) error = %v", uri, err)
	}
	t.Cleanup(func() { _ = source.Close() })
	return source
}

func countRows(t *testing.T, source Source) int64 {
	t.Helper()
	var rows int64
	for _, rec := range readAll(t, source) {
		rows += rec.NumRows()
	}
	return rows
}

func int64Column(t *testing.T, records []arrow.Record, col int) []int64 {
	t.Helper()
	var out []int64
	for _, rec := range records {
		values, ok := rec.Column(col).(*array.Int64)
		if !ok {
			t.Fatalf("column %d is %s, want int64", col, rec.Column(col).DataType())
		}
		out = append(out, values.Int64Values()...)
	}
	return out
}

func TestOpenSegmentedCSVReadsHeaderPerPart(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "scores", "part-0.csv"), []byte("id,score\n1,10\n2,20\n"))
	writeFile(t, filepath.Join(dir, "scores", "part-1.csv"), []byte("id,score\n3,30\n"))
	writeFile(t, filepath.Join(dir, "scores", "part-2.csv"), []byte("id,score\n"))
	writeFile(t, filepath.Join(dir, "scores", "part-3.csv"), nil)

	source := openSource(t, "file://"+filepath.Join(dir, "scores"), DefaultOptions())
	if got := source.Schema().Field(0).Type; !arrow.TypeEqual(got, arrow.PrimitiveTypes.Int64) {
		t.Fatalf("schema = %s", source.Schema())
	}
	if got := int64Column(t, readAll(t, source), 0); !slices.Equal(got, []int64{1, 2, 3}) {
		t.Fatalf("ids = %v", got)
	}
	if stats := source.Stats(); stats.Rows != 3 || stats.RejectedRows != 0 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestOpenSegmentedCSVWithoutTrailingNewline(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "scores", "part-0.csv"), []byte("id,name\n1,a"))
	writeFile(t, filepath.Join(dir, "scores", "part-1.csv"), []byte("id,name\n2,b\n3,c\n"))

	source := openSource(t, "file://"+filepath.Join(dir, "scores"), DefaultOptions())
	if got := int64Column(t, readAll(t, source), 0); !slices.Equal(got, []int64{1, 2, 3}) {
		t.Fatalf("ids = %v", got)
	}
	if stats := source.Stats(); stats.RejectedRows != 0 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestOpenSegmentedCSVRejectsMismatchedHeader(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "scores", "part-0.csv"), []byte("id,name\n1,a\n"))
	writeFile(t, filepath.Join(dir, "scores", "part-1.csv"), []byte("2,b\n3,c\n"))

	source := openSource(t, "file://"+filepath.Join(dir, "scores"), DefaultOptions())
	_, err := columnar.ReadAll(context.Background(), source)
	if !errors.Is(err, ErrMalformedRow) {
		t.Fatalf("ReadAll() error = %v, want ErrMalformedRow", err)
	}
	var ingestErr *Error
	if !errors.As(err, &ingestErr) || !strings.HasSuffix(ingestErr.URI, "part-1.csv") || ingestErr.Line != 1 {
		t.Fatalf("error = %#v", err)
	}
}

func TestOpenSegmentedCSVSharesRejectionBudget(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "scores", "part-0.csv"), []byte("id,name\n1,a\n2,b,extra\n"))
	writeFile(t, filepath.Join(dir, "scores", "part-1.csv"), []byte("id,name\n3,c,extra\n4,d\n"))

	opts := DefaultOptions()
	opts.MaxRejectedRows = 1
	source := openSource(t, "file://"+filepath.Join(dir, "scores"), opts)
	if _, err := columnar.ReadAll(context.Background(), source); !errors.Is(err, ErrMalformedRow) {
		t.Fatalf("ReadAll() error = %v, want ErrMalformedRow", err)
	}

	opts.MaxRejectedRows = 2
	source = openSource(t, "file://"+filepath.Join(dir, "scores"), opts)
	if got := int64Column(t, readAll(t, source), 0); !slices.Equal(got, []int64{1, 4}) {
		t.Fatalf("ids = %v", got)
	}
	if stats := source.Stats(); stats.RejectedRows != 2 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestOpenTSVUsesTabs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "people.tsv"), []byte("id\tname\n1\tLovelace, Ada\n"))

	source := openSource(t, "file://"+filepath.Join(dir, "people.tsv"), DefaultOptions())
	records := readAll(t, source)
	if got := records[0].Column(1).(*array.String).Value(0); got != "Lovelace, Ada" {
		t.Fatalf("name = %q", got)
	}
}

func TestOpenParquetSpoolsAndChainsParts(t *testing.T) {
	dir := t.TempDir()
	spool := t.TempDir()
	writeFile(t, filepath.Join(dir, "events", "a.parquet"), buildParquet(t, []scoreRow{{ID: 1, Name: "a"}, {ID: 2, Name: "b"}}))
	writeFile(t, filepath.Join(dir, "events", "b.parquet"), buildParquet(t, []scoreRow{{ID: 3, Name: "c"}}))

	opts := DefaultOptions()
	opts.SpoolDir = spool
	source := openSource(t, "file://"+filepath.Join(dir, "events"), opts)
	if rows := countRows(t, source); rows != 3 {
		t.Fatalf("rows = %d", rows)
	}
	if stats := source.Stats(); stats.Rows != 3 {
		t.Fatalf("stats = %+v", stats)
	}
	if err := source.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	leftovers, err := os.ReadDir(spool)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(leftovers) != 0 {
		t.Fatalf("spool files left behind: %d", len(leftovers))
	}
}
