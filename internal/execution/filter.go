package execution

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/compute"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/sqlanywhere/sqlanywhere/internal/catalog"
	"github.com/sqlanywhere/sqlanywhere/internal/columnar"
	"github.com/sqlanywhere/sqlanywhere/internal/sqlparser"
)

// filterOp keeps the rows whose predicate is TRUE, in input order. NULL and
// FALSE both drop the row.
type filterOp struct {
	input     columnar.BatchReader
	predicate *compiled
	mem       memory.Allocator
}

func newFilter(input columnar.BatchReader, scope catalog.Scope, predicate sqlparser.Expr, mem memory.Allocator) (*filterOp, error) {
	compiledPred, err := compileExpr(scope, predicate)
	if err != nil {
		return nil, err
	}
	if compiledPred.kind != kindBool && compiledPred.kind != kindNull {
		return nil, typeMismatch("filter", "WHERE must be BOOLEAN, %s is %s", sqlparser.FormatExpr(predicate), compiledPred.kind)
	}
	return &filterOp{input: input, predicate: compiledPred, mem: mem}, nil
}

func (f *filterOp) Schema() *arrow.Schema { return f.input.Schema() }

func (f *filterOp) Next(ctx context.Context) (arrow.Record, error) {
	for {
		rec, err := f.input.Next(ctx)
		if err != nil {
			return nil, err
		}
		out, err := f.apply(ctx, rec)
		if err != nil {
			return nil, err
		}
		if out != nil {
			return out, nil
		}
	}
}

// apply consumes rec and returns the surviving rows, or nil when none do.
func (f *filterOp) apply(ctx context.Context, rec arrow.Record) (arrow.Record, error) {
	n := int(rec.NumRows())
	eval := f.predicate.bind(rec)

	mask := array.NewBooleanBuilder(f.mem)
	defer mask.Release()
	mask.Reserve(n)
	kept := 0
	for row := 0; row < n; row++ {
		v := eval(row)
		keep := v.valid && v.b
		if keep {
			kept++
		}
		mask.UnsafeAppend(keep)
	}

	switch kept {
	case 0:
		rec.Release()
		return nil, nil
	case n:
		return rec, nil
	}
	defer rec.Release()
	selection := mask.NewBooleanArray()
	defer selection.Release()
	return compute.FilterRecordBatch(compute.WithAllocator(ctx, f.mem), rec, selection, compute.DefaultFilterOptions())
}

func (f *filterOp) Close() error { return f.input.Close() }
