// Package federated runs SQL over URI-addressed sources: parse, plan, bind
// every table to its storage location, execute and encode the result as an
// Arrow IPC stream. Each call is independent; only the connector registry and
// configuration are shared.
package federated

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/google/uuid"

	"github.com/sqlanywhere/sqlanywhere/internal/arrowipc"
	"github.com/sqlanywhere/sqlanywhere/internal/catalog"
	"github.com/sqlanywhere/sqlanywhere/internal/config"
	"github.com/sqlanywhere/sqlanywhere/internal/execution"
	"github.com/sqlanywhere/sqlanywhere/internal/ingest"
	"github.com/sqlanywhere/sqlanywhere/internal/observability"
	"github.com/sqlanywhere/sqlanywhere/internal/plan"
	"github.com/sqlanywhere/sqlanywhere/internal/query"
	"github.com/sqlanywhere/sqlanywhere/internal/sqlparser"
	"github.com/sqlanywhere/sqlanywhere/internal/storage"
)

type Options struct {
	Catalog   catalog.Options
	Execution execution.Options
	// Timeout bounds a whole query including streaming; 0 disables it.
	Timeout     time.Duration
	MaxSQLBytes int
}

// OptionsFromConfig maps service configuration onto engine options.
func OptionsFromConfig(cfg config.Config) Options {
	ingestOpts := ingest.DefaultOptions()
	if cfg.Ingest.BatchRows > 0 {
		ingestOpts.BatchRows = cfg.Ingest.BatchRows
	}
	if cfg.Ingest.SampleRows > 0 {
		ingestOpts.SampleRows = cfg.Ingest.SampleRows
	}
	ingestOpts.InferTypes = cfg.Ingest.InferTypes
	ingestOpts.MaxRejectedRows = cfg.Ingest.MaxRejectedRows
	ingestOpts.SpoolDir = cfg.Query.SpoolDir

	return Options{
		Catalog: catalog.Options{
			BaseURI: cfg.Catalog.BaseURI,
			Ingest:  ingestOpts,
		},
		Execution: execution.Options{
			BatchRows:    ingestOpts.BatchRows,
			MaxBuildRows: int64(cfg.Query.MaxBuildRows),
		},
		Timeout:     cfg.Query.Timeout,
		MaxSQLBytes: cfg.Query.MaxSQLBytes,
	}
}

type Engine struct {
	registry *storage.Registry
	binder   *catalog.Binder
	opts     Options
	logger   *slog.Logger
}

var (
	_ query.Engine   = (*Engine)(nil)
	_ query.Streamer = (*Engine)(nil)
)

func NewEngine(registry *storage.Registry, opts Options, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = observability.DiscardLogger()
	}
	return &Engine{
		registry: registry,
		binder:   catalog.NewBinder(registry, opts.Catalog, logger),
		opts:     opts,
		logger:   logger,
	}
}

// Execute runs the query to completion and returns the whole stream.
func (e *Engine) Execute(ctx context.Context, request query.Request) (query.Result, error) {
	stream, err := e.Stream(ctx, request)
	if err != nil {
		return query.Result{}, err
	}
	defer func() { _ = stream.Close() }()

	var data bytes.Buffer
	for {
		chunk, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return query.Result{}, err
		}
		data.Write(chunk)
	}
	return query.Result{
		QueryID: stream.QueryID(),
		Data:    data.Bytes(),
		Schema:  stream.Schema(),
		Stats:   stream.Stats(),
	}, nil
}

// Stream opens every source and returns once the result schema is known.
// Rows are produced as the caller pulls chunks.
func (e *Engine) Stream(ctx context.Context, request query.Request) (query.ResultStream, error) {
	start := time.Now()
	queryID := uuid.NewString()
	ctx = observability.ContextWithQueryID(ctx, queryID)
	logger := e.logger.With(slog.String("query_id", queryID))

	cancel := context.CancelFunc(func() {})
	if e.opts.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
	}
	fail := func(stage query.Stage, err error) (query.ResultStream, error) {
		cancel()
		elapsed := time.Since(start)
		observability.ObserveQuery(string(stage), 0, elapsed)
		logger.WarnContext(ctx, "query failed",
			slog.String("stage", string(stage)),
			slog.Duration("elapsed", elapsed),
			slog.Any("error", err),
		)
		return nil, &query.Error{QueryID: queryID, Stage: stage, Err: err}
	}

	root, err := e.plan(request.SQL)
	if err != nil {
		var parseErr *sqlparser.ParseError
		if errors.As(err, &parseErr) {
			return fail(query.StageParse, err)
		}
		return fail(query.StagePlan, err)
	}
	if request.RowLimit > 0 {
		root = &plan.Limit{Input: root, Count: request.RowLimit}
	}

	bound, err := e.binder.Bind(ctx, root)
	if err != nil {
		return fail(query.StageBind, err)
	}
	reader, err := execution.Build(ctx, bound, e.opts.Execution)
	if err != nil {
		_ = bound.Close()
		return fail(query.StageExecute, err)
	}

	logger.DebugContext(ctx, "query started",
		slog.Int("sources", len(bound.Sources())),
		slog.Duration("bind_elapsed", time.Since(start)),
	)
	return &resultStream{
		id:     queryID,
		start:  start,
		stream: arrowipc.NewStream(ctx, reader),
		reader: reader,
		bound:  bound,
		cancel: cancel,
		ctx:    ctx,
		logger: logger,
	}, nil
}

// Explain plans sql and renders the plan. No source is read.
func (e *Engine) Explain(_ context.Context, sql string) (string, error) {
	root, err := e.plan(sql)
	if err != nil {
		return "", err
	}
	return plan.Format(root), nil
}

func (e *Engine) plan(sql string) (plan.Node, error) {
	if strings.TrimSpace(sql) == "" {
		return nil, &sqlparser.ParseError{Line: 1, Column: 1, Msg: "sql is required"}
	}
	if e.opts.MaxSQLBytes > 0 && len(sql) > e.opts.MaxSQLBytes {
		return nil, &sqlparser.ParseError{Line: 1, Column: 1, Msg: fmt.Sprintf("sql exceeds %d bytes", e.opts.MaxSQLBytes)}
	}
	stmt, err := sqlparser.Parse(sql)
	if err != nil {
		return nil, err
	}
	return plan.Build(stmt)
}

type resultStream struct {
	id     string
	start  time.Time
	stream *arrowipc.Stream
	reader interface{ Close() error }
	bound  *catalog.Bound
	cancel context.CancelFunc
	ctx    context.Context
	logger *slog.Logger

	mu       sync.Mutex
	finished bool
	stats    query.Stats
}

func (s *resultStream) QueryID() string { return s.id }

func (s *resultStream) Schema() *arrow.Schema { return s.stream.Schema() }

func (s *resultStream) Next() ([]byte, error) {
	chunk, err := s.stream.Next()
	switch {
	case err == nil:
		return chunk, nil
	case errors.Is(err, io.EOF):
		s.finish("ok", nil)
		return nil, io.EOF
	}
	stage := query.StageExecute
	var serializeErr *arrowipc.Error
	if errors.As(err, &serializeErr) {
		stage = query.StageSerialize
	}
	s.finish(string(stage), err)
	return nil, &query.Error{QueryID: s.id, Stage: stage, Err: err}
}

func (s *resultStream) Stats() query.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return s.stats
	}
	return s.collect()
}

func (s *resultStream) collect() query.Stats {
	stats := query.Stats{
		Rows:     s.stream.Rows(),
		Batches:  int64(s.stream.Batches()),
		Sources:  len(s.bound.Sources()),
		Duration: time.Since(s.start),
	}
	for _, src := range s.bound.Sources() {
		stats.BytesRead += src.Handle.BytesRead()
		sourceStats := src.Stats()
		stats.RejectedRows += sourceStats.RejectedRows
		stats.CoercedNulls += sourceStats.CoercedNulls
	}
	return stats
}

// finish records metrics and the summary log line once.
func (s *resultStream) finish(status string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.finished = true
	s.stats = s.collect()
	observability.ObserveQuery(status, s.stats.Rows, s.stats.Duration)
	observability.ObserveIngestQuality(s.stats.RejectedRows, s.stats.CoercedNulls)

	attrs := []any{
		slog.String("status", status),
		slog.Int64("rows", s.stats.Rows),
		slog.Int64("batches", s.stats.Batches),
		slog.Int("sources", s.stats.Sources),
		slog.Int64("bytes_read", s.stats.BytesRead),
		slog.Int64("rejected_rows", s.stats.RejectedRows),
		slog.Int64("coerced_nulls", s.stats.CoercedNulls),
		slog.Duration("elapsed", s.stats.Duration),
	}
	if err != nil {
		s.logger.WarnContext(s.ctx, "query failed", append(attrs, slog.Any("error", err))...)
		return
	}
	s.logger.InfoContext(s.ctx, "query completed", attrs...)
}

// Close releases every operator and source. A stream closed before its end
// counts as cancelled.
func (s *resultStream) Close() error {
	s.finish("cancelled", nil)
	err := errors.Join(s.reader.Close(), s.bound.Close())
	s.cancel()
	return err
}
