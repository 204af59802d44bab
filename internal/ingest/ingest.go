// Package ingest turns byte streams into typed Arrow batches. CSV is the
// primary format; Parquet is read for resources with a .parquet extension.
package ingest

import (
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/sqlanywhere/sqlanywhere/internal/columnar"
)

var (
	ErrMalformedRow         = errors.New("malformed row")
	ErrTypeInferenceFailure = errors.New("type inference failure")
	ErrUnsupported          = errors.New("unsupported source")
)

type Kind string

const (
	KindMalformedRow         Kind = "MalformedRow"
	KindTypeInferenceFailure Kind = "TypeInferenceFailure"
	KindUnsupported          Kind = "Unsupported"
)

func (k Kind) sentinel() error {
	switch k {
	case KindMalformedRow:
		return ErrMalformedRow
	case KindTypeInferenceFailure:
		return ErrTypeInferenceFailure
	default:
		return ErrUnsupported
	}
}

// Error is an IngestError. Line is the 1-based physical line where the
// offending record starts, 0 when not applicable.
type Error struct {
	Kind   Kind
	URI    string
	Line   int
	Column string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("ingest %s", e.Kind)
	if e.URI != "" {
		msg += ": " + e.URI
	}
	if e.Line > 0 {
		msg += fmt.Sprintf(" line %d", e.Line)
	}
	if e.Column != "" {
		msg += fmt.Sprintf(" column %q", e.Column)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == e.Kind.sentinel() }

// Options control ingestion. The zero value is completed by Defaults.
type Options struct {
	// URI is only used to annotate errors.
	URI        string
	BatchRows  int
	SampleRows int
	// InferTypes false reads every column as Utf8.
	InferTypes bool
	Delimiter  rune
	// MaxRejectedRows bounds unrecoverable rows skipped before failing: -1 is
	// unlimited, 0 fails on the first one.
	MaxRejectedRows int
	// Hint declares column types by name and overrides inference.
	Hint      *arrow.Schema
	Allocator memory.Allocator
	// SpoolDir holds temporary copies of remote Parquet objects; empty means
	// the OS temp dir.
	SpoolDir string

	// partSchema is set for the later parts of a segmented CSV resource: the
	// header must match it and inference is skipped.
	partSchema *arrow.Schema
}

const (
	DefaultBatchRows       = 4096
	DefaultSampleRows      = 1000
	DefaultMaxRejectedRows = 1000
)

func DefaultOptions() Options {
	return Options{
		BatchRows:       DefaultBatchRows,
		SampleRows:      DefaultSampleRows,
		InferTypes:      true,
		Delimiter:       ',',
		MaxRejectedRows: DefaultMaxRejectedRows,
	}
}

func (o Options) withDefaults() Options {
	if o.BatchRows <= 0 {
		o.BatchRows = DefaultBatchRows
	}
	if o.SampleRows <= 0 {
		o.SampleRows = DefaultSampleRows
	}
	if o.Delimiter == 0 {
		o.Delimiter = ','
	}
	if o.MaxRejectedRows < -1 {
		o.MaxRejectedRows = -1
	}
	if o.Allocator == nil {
		o.Allocator = memory.DefaultAllocator
	}
	return o
}

// Stats describe data quality of one source read.
type Stats struct {
	Rows         int64
	Batches      int64
	RejectedRows int64
	CoercedNulls int64
}

func (s *Stats) add(other Stats) {
	s.Rows += other.Rows
	s.Batches += other.Batches
	s.RejectedRows += other.RejectedRows
	s.CoercedNulls += other.CoercedNulls
}

// Source is a BatchReader over one ingested resource.
type Source interface {
	columnar.BatchReader
	Stats() Stats
}
