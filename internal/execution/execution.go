// Package execution evaluates a bound plan as a tree of pull-based operators.
// Every operator is a columnar.BatchReader: Next does the least work needed
// for one output batch and Close releases everything the subtree holds.
package execution

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/sqlanywhere/sqlanywhere/internal/catalog"
	"github.com/sqlanywhere/sqlanywhere/internal/columnar"
	"github.com/sqlanywhere/sqlanywhere/internal/plan"
)

var (
	ErrTypeMismatch      = errors.New("type mismatch")
	ErrResourceExhausted = errors.New("resource exhausted")
)

type Kind string

const (
	KindTypeMismatch      Kind = "TypeMismatch"
	KindResourceExhausted Kind = "ResourceExhausted"
)

// Error is an ExecError raised while building or running an operator.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("exec %s in %s: %s", e.Kind, e.Op, e.Msg)
}

func (e *Error) Is(target error) bool {
	switch e.Kind {
	case KindTypeMismatch:
		return target == ErrTypeMismatch
	case KindResourceExhausted:
		return target == ErrResourceExhausted
	}
	return false
}

func typeMismatch(op, format string, args ...any) *Error {
	return &Error{Kind: KindTypeMismatch, Op: op, Msg: fmt.Sprintf(format, args...)}
}

const (
	DefaultBatchRows    = 8192
	DefaultMaxBuildRows = 10_000_000
)

type Options struct {
	// BatchRows caps the rows of batches produced by joins.
	BatchRows int
	// MaxBuildRows bounds the rows held by a join's hash table; negative
	// means unbounded.
	MaxBuildRows int64
	Allocator    memory.Allocator
}

func (o Options) withDefaults() Options {
	if o.BatchRows <= 0 {
		o.BatchRows = DefaultBatchRows
	}
	if o.MaxBuildRows == 0 {
		o.MaxBuildRows = DefaultMaxBuildRows
	}
	if o.Allocator == nil {
		o.Allocator = memory.DefaultAllocator
	}
	return o
}

// Build turns the bound plan into an operator tree. Scans take ownership of
// their sources; sources left unused stay with bound. On error everything
// already built is closed.
func Build(ctx context.Context, bound *catalog.Bound, opts Options) (columnar.BatchReader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := &builder{bound: bound, opts: opts.withDefaults()}
	return b.build(bound.Root)
}

type builder struct {
	bound *catalog.Bound
	opts  Options
}

func (b *builder) build(n plan.Node) (columnar.BatchReader, error) {
	switch node := n.(type) {
	case *plan.Scan:
		src, ok := b.bound.Source(node)
		if !ok {
			return nil, fmt.Errorf("scan %q is not bound", node.Table.Alias)
		}
		reader, err := src.Reader()
		if err != nil {
			return nil, err
		}
		return &scanOp{source: reader}, nil

	case *plan.Filter:
		input, err := b.build(node.Input)
		if err != nil {
			return nil, err
		}
		op, err := newFilter(input, b.bound.Scope(node.Input), node.Predicate, b.opts.Allocator)
		if err != nil {
			_ = input.Close()
			return nil, err
		}
		return op, nil

	case *plan.Join:
		left, err := b.build(node.Left)
		if err != nil {
			return nil, err
		}
		right, err := b.build(node.Right)
		if err != nil {
			_ = left.Close()
			return nil, err
		}
		op, err := newHashJoin(node, left, right, b.bound.Scope(node.Left), b.bound.Scope(node.Right), b.opts)
		if err != nil {
			_ = left.Close()
			_ = right.Close()
			return nil, err
		}
		return op, nil

	case *plan.Project:
		input, err := b.build(node.Input)
		if err != nil {
			return nil, err
		}
		op, err := newProject(input, b.bound.Scope(node.Input), b.bound.Scope(node), node.Columns)
		if err != nil {
			_ = input.Close()
			return nil, err
		}
		return op, nil

	case *plan.Limit:
		input, err := b.build(node.Input)
		if err != nil {
			return nil, err
		}
		return &limitOp{input: input, remaining: node.Count}, nil

	default:
		return nil, fmt.Errorf("execution: unexpected plan node %T", n)
	}
}

// scanOp passes the batches of one ingested source through.
type scanOp struct {
	source columnar.BatchReader
	closed bool
}

func (s *scanOp) Schema() *arrow.Schema { return s.source.Schema() }

func (s *scanOp) Next(ctx context.Context) (arrow.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.closed {
		return nil, io.EOF
	}
	return s.source.Next(ctx)
}

func (s *scanOp) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.source.Close()
}

// limitOp stops pulling its input once remaining reaches zero.
type limitOp struct {
	input     columnar.BatchReader
	remaining int64
	done      bool
}

func (l *limitOp) Schema() *arrow.Schema { return l.input.Schema() }

func (l *limitOp) Next(ctx context.Context) (arrow.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if l.done || l.remaining <= 0 {
		l.finish()
		return nil, io.EOF
	}
	rec, err := l.input.Next(ctx)
	if err != nil {
		return nil, err
	}
	n := rec.NumRows()
	if n <= l.remaining {
		l.remaining -= n
		return rec, nil
	}
	out := rec.NewSlice(0, l.remaining)
	rec.Release()
	l.remaining = 0
	return out, nil
}

// finish closes the input early so sources stop reading.
func (l *limitOp) finish() {
	if !l.done {
		l.done = true
		_ = l.input.Close()
	}
}

func (l *limitOp) Close() error {
	if l.done {
		return nil
	}
	l.done = true
	return l.input.Close()
}

// projectOp selects and renames columns without copying data.
type projectOp struct {
	input   columnar.BatchReader
	schema  *arrow.Schema
	indices []int
}

func newProject(input columnar.BatchReader, in, out catalog.Scope, columns []plan.OutputColumn) (*projectOp, error) {
	indices := make([]int, len(columns))
	for i, col := range columns {
		idx, err := in.Resolve(col.Ref)
		if err != nil {
			return nil, err
		}
		indices[i] = idx
	}
	return &projectOp{input: input, schema: out.Schema(), indices: indices}, nil
}

func (p *projectOp) Schema() *arrow.Schema { return p.schema }

func (p *projectOp) Next(ctx context.Context) (arrow.Record, error) {
	rec, err := p.input.Next(ctx)
	if err != nil {
		return nil, err
	}
	defer rec.Release()
	return columnar.SelectColumns(rec, p.schema, p.indices), nil
}

func (p *projectOp) Close() error { return p.input.Close() }
