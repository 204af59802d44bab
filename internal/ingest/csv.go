package ingest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/sqlanywhere/sqlanywhere/internal/columnar"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// ctxCheckEvery bounds how many records are parsed between context checks.
const ctxCheckEvery = 1024

type pendingRecord struct {
	fields []string
	line   int
}

// CSVReader is a lazy CSV source. Values that fail to parse under their
// column type become null and are counted as coerced; records that cannot be
// tokenised, or carry the wrong number of fields, are skipped and counted as
// rejected until MaxRejectedRows is exceeded.
type CSVReader struct {
	opts    Options
	src     io.ReadCloser
	csv     *csv.Reader
	schema  *arrow.Schema
	pending []pendingRecord
	cells   []cell
	stats   Stats
	eof     bool
	closed  bool
}

type cell struct {
	null bool
	i    int64
	f    float64
	b    bool
	s    string
}

// OpenCSV reads the header and the inference sample from src. The reader
// owns src and closes it on Close.
func OpenCSV(ctx context.Context, src io.ReadCloser, opts Options) (*CSVReader, error) {
	opts = opts.withDefaults()
	buffered := bufio.NewReaderSize(src, 64*1024)
	if prefix, err := buffered.Peek(len(utf8BOM)); err == nil && bytes.Equal(prefix, utf8BOM) {
		_, _ = buffered.Discard(len(utf8BOM))
	}
	cr := csv.NewReader(buffered)
	cr.Comma = opts.Delimiter
	cr.FieldsPerRecord = -1

	r := &CSVReader{opts: opts, src: src, csv: cr}

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		if opts.partSchema != nil {
			r.schema = opts.partSchema
			r.cells = make([]cell, r.schema.NumFields())
			r.eof = true
			return r, nil
		}
		_ = src.Close()
		return nil, &Error{Kind: KindMalformedRow, URI: opts.URI, Line: 1, Err: errors.New("missing header row")}
	}
	if err != nil {
		_ = src.Close()
		return nil, r.wrapReadErr(err)
	}
	header = slices.Clone(header)
	if opts.partSchema != nil {
		if err := checkPartHeader(header, opts.partSchema); err != nil {
			_ = src.Close()
			return nil, &Error{Kind: KindMalformedRow, URI: opts.URI, Line: 1, Err: err}
		}
		r.schema = opts.partSchema
		r.cells = make([]cell, r.schema.NumFields())
		return r, nil
	}

	sample := make([][]string, 0, min(opts.SampleRows, opts.BatchRows))
	for len(r.pending) < opts.SampleRows {
		if err := ctxCheck(ctx, len(r.pending)); err != nil {
			_ = src.Close()
			return nil, err
		}
		rec, ok, err := r.readRecord(len(header))
		if err != nil {
			_ = src.Close()
			return nil, err
		}
		if !ok {
			break
		}
		r.pending = append(r.pending, rec)
		sample = append(sample, rec.fields)
	}

	schema, err := InferSchema(header, sample, opts)
	if err != nil {
		_ = src.Close()
		var ingestErr *Error
		if errors.As(err, &ingestErr) && ingestErr.URI == "" {
			ingestErr.URI = opts.URI
		}
		return nil, err
	}
	r.schema = schema
	r.cells = make([]cell, schema.NumFields())
	return r, nil
}

// checkPartHeader compares a later part's header with the schema taken from
// the first part.
func checkPartHeader(header []string, schema *arrow.Schema) error {
	names := columnar.UniqueNames(header)
	if len(names) != schema.NumFields() {
		return fmt.Errorf("header has %d columns, first part has %d", len(names), schema.NumFields())
	}
	for i, name := range names {
		if want := schema.Field(i).Name; name != want {
			return fmt.Errorf("header column %d is %q, first part has %q", i+1, name, want)
		}
	}
	return nil
}

func (r *CSVReader) Schema() *arrow.Schema { return r.schema }

func (r *CSVReader) Stats() Stats { return r.stats }

// readRecord returns the next well-formed record. ok is false at end of input.
func (r *CSVReader) readRecord(width int) (pendingRecord, bool, error) {
	for {
		if r.eof {
			return pendingRecord{}, false, nil
		}
		fields, err := r.csv.Read()
		if errors.Is(err, io.EOF) {
			r.eof = true
			return pendingRecord{}, false, nil
		}
		if err != nil {
			var parseErr *csv.ParseError
			if !errors.As(err, &parseErr) {
				return pendingRecord{}, false, r.wrapReadErr(err)
			}
			if rejectErr := r.reject(parseErr.StartLine, err); rejectErr != nil {
				return pendingRecord{}, false, rejectErr
			}
			continue
		}
		line, _ := r.csv.FieldPos(0)
		if width > 1 && isBlank(fields) {
			continue
		}
		if len(fields) != width {
			if rejectErr := r.reject(line, fmt.Errorf("expected %d fields, got %d", width, len(fields))); rejectErr != nil {
				return pendingRecord{}, false, rejectErr
			}
			continue
		}
		return pendingRecord{fields: slices.Clone(fields), line: line}, true, nil
	}
}

func (r *CSVReader) reject(line int, cause error) error {
	r.stats.RejectedRows++
	if r.opts.MaxRejectedRows >= 0 && r.stats.RejectedRows > int64(r.opts.MaxRejectedRows) {
		return &Error{
			Kind: KindMalformedRow,
			URI:  r.opts.URI,
			Line: line,
			Err:  fmt.Errorf("%w (rejected rows exceed limit %d)", cause, r.opts.MaxRejectedRows),
		}
	}
	return nil
}

// wrapReadErr keeps storage and context failures intact so callers can tell
// a broken transport from a broken file.
func (r *CSVReader) wrapReadErr(err error) error {
	var parseErr *csv.ParseError
	if errors.As(err, &parseErr) {
		return &Error{Kind: KindMalformedRow, URI: r.opts.URI, Line: parseErr.StartLine, Err: err}
	}
	return err
}

func (r *CSVReader) Next(ctx context.Context) (arrow.Record, error) {
	if r.closed {
		return nil, io.EOF
	}
	b := array.NewRecordBuilder(r.opts.Allocator, r.schema)
	defer b.Release()

	width := r.schema.NumFields()
	rows := 0
	for rows < r.opts.BatchRows {
		if err := ctxCheck(ctx, rows); err != nil {
			return nil, err
		}
		var rec pendingRecord
		if len(r.pending) > 0 {
			rec = r.pending[0]
			r.pending[0] = pendingRecord{}
			r.pending = r.pending[1:]
		} else {
			var ok bool
			var err error
			rec, ok, err = r.readRecord(width)
			if err != nil {
				return nil, err
			}
			if !ok {
				break
			}
		}
		accepted, err := r.appendRecord(b, rec)
		if err != nil {
			return nil, err
		}
		if accepted {
			rows++
		}
	}
	if rows == 0 {
		return nil, io.EOF
	}
	r.stats.Rows += int64(rows)
	r.stats.Batches++
	return b.NewRecord(), nil
}

// appendRecord parses every cell before touching the builders so a rejected
// row leaves no partial values behind.
func (r *CSVReader) appendRecord(b *array.RecordBuilder, rec pendingRecord) (bool, error) {
	coerced := int64(0)
	for i, field := range r.schema.Fields() {
		c, ok := parseCell(field.Type, rec.fields[i])
		if !ok {
			coerced++
		}
		if c.null && !field.Nullable {
			err := r.reject(rec.line, fmt.Errorf("null in non-nullable column %q", field.Name))
			return false, err
		}
		r.cells[i] = c
	}
	r.stats.CoercedNulls += coerced

	for i, c := range r.cells {
		fb := b.Field(i)
		if c.null {
			fb.AppendNull()
			continue
		}
		switch fb := fb.(type) {
		case *array.Int64Builder:
			fb.Append(c.i)
		case *array.Float64Builder:
			fb.Append(c.f)
		case *array.BooleanBuilder:
			fb.Append(c.b)
		case *array.TimestampBuilder:
			fb.Append(arrow.Timestamp(c.i))
		case *array.StringBuilder:
			fb.Append(c.s)
		}
	}
	return true, nil
}

// parseCell converts raw under dt. ok is false when a non-empty value had to
// be coerced to null.
func parseCell(dt arrow.DataType, raw string) (cell, bool) {
	if raw == "" {
		return cell{null: true}, true
	}
	switch dt.ID() {
	case arrow.STRING:
		return cell{s: raw}, true
	case arrow.INT64:
		if v, ok := parseInt(strings.TrimSpace(raw)); ok {
			return cell{i: v}, true
		}
	case arrow.FLOAT64:
		if v, ok := parseFloat(strings.TrimSpace(raw)); ok {
			return cell{f: v}, true
		}
	case arrow.BOOL:
		if v, ok := parseBool(strings.TrimSpace(raw)); ok {
			return cell{b: v}, true
		}
	case arrow.TIMESTAMP:
		if v, ok := ParseTimestamp(strings.TrimSpace(raw)); ok {
			return cell{i: int64(v)}, true
		}
	}
	return cell{null: true}, false
}

func (r *CSVReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.pending = nil
	return r.src.Close()
}

func isBlank(fields []string) bool {
	return len(fields) == 1 && strings.TrimSpace(fields[0]) == ""
}

func ctxCheck(ctx context.Context, n int) error {
	if n%ctxCheckEvery != 0 {
		return nil
	}
	return ctx.Err()
}
