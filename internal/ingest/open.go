package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/sqlanywhere/sqlanywhere/internal/storage"
)

// Open ingests a resolved resource, picking the format from its extension:
// .parquet is read as Parquet, .tsv as tab separated CSV, anything else as
// CSV. Segmented resources are read part by part. The first part fixes the
// schema; every later CSV part repeats the header and Parquet parts must
// share the schema.
func Open(ctx context.Context, h *storage.Handle, opts Options) (Source, error) {
	opts.URI = h.URI
	switch h.Ext() {
	case ".parquet":
		return openParts(ctx, h, opts, func(ctx context.Context, index int, partOpts Options) (Source, error) {
			file, size, err := spoolPart(ctx, h, index, partOpts.SpoolDir)
			if err != nil {
				return nil, err
			}
			reader, err := OpenParquet(ctx, file, size, partOpts)
			if err != nil {
				return nil, err
			}
			return reader, nil
		})
	case ".tsv":
		opts.Delimiter = '\t'
	}
	return openParts(ctx, h, opts, func(ctx context.Context, index int, partOpts Options) (Source, error) {
		rc, err := h.OpenPart(ctx, index)
		if err != nil {
			return nil, err
		}
		reader, err := OpenCSV(ctx, rc, partOpts)
		if err != nil {
			return nil, err
		}
		return reader, nil
	})
}

type openPartFunc func(ctx context.Context, index int, opts Options) (Source, error)

func openParts(ctx context.Context, h *storage.Handle, opts Options, open openPartFunc) (Source, error) {
	if len(h.Parts) == 0 {
		return nil, &Error{Kind: KindMalformedRow, URI: h.URI, Err: errors.New("resource has no parts")}
	}
	s := &partsSource{handle: h, opts: opts, open: open}
	first, err := open(ctx, 0, s.partOptions(0))
	if err != nil {
		return nil, err
	}
	if len(h.Parts) == 1 {
		return first, nil
	}
	s.schema = first.Schema()
	s.current = first
	s.next = 1
	return s, nil
}

// partsSource chains one reader per part of a segmented resource.
type partsSource struct {
	handle  *storage.Handle
	opts    Options
	open    openPartFunc
	schema  *arrow.Schema
	current Source
	next    int
	stats   Stats
}

// partOptions annotates errors with the part's URI. The rejection budget is
// shared by all parts, so later parts get what earlier ones left over.
func (s *partsSource) partOptions(index int) Options {
	partOpts := s.opts
	partOpts.URI = s.handle.Parts[index].Location.Raw
	partOpts.partSchema = s.schema
	if partOpts.MaxRejectedRows > 0 {
		partOpts.MaxRejectedRows = max(0, partOpts.MaxRejectedRows-int(s.stats.RejectedRows))
	}
	return partOpts
}

func (s *partsSource) Schema() *arrow.Schema { return s.schema }

func (s *partsSource) Stats() Stats {
	stats := s.stats
	if s.current != nil {
		stats.add(s.current.Stats())
	}
	return stats
}

func (s *partsSource) Next(ctx context.Context) (arrow.Record, error) {
	for {
		if s.current == nil {
			if s.next >= len(s.handle.Parts) {
				return nil, io.EOF
			}
			index := s.next
			s.next++
			reader, err := s.open(ctx, index, s.partOptions(index))
			if err != nil {
				return nil, err
			}
			if !reader.Schema().Equal(s.schema) {
				_ = reader.Close()
				return nil, &Error{Kind: KindMalformedRow, URI: s.handle.Parts[index].Location.Raw, Err: fmt.Errorf("part %d schema %s differs from %s", index, reader.Schema(), s.schema)}
			}
			s.current = reader
		}
		rec, err := s.current.Next(ctx)
		if errors.Is(err, io.EOF) {
			_ = s.retire()
			continue
		}
		return rec, err
	}
}

func (s *partsSource) retire() error {
	s.stats.add(s.current.Stats())
	err := s.current.Close()
	s.current = nil
	return err
}

func (s *partsSource) Close() error {
	s.next = len(s.handle.Parts)
	if s.current == nil {
		return nil
	}
	return s.retire()
}
