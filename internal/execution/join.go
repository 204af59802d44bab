package execution

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/sqlanywhere/sqlanywhere/internal/catalog"
	"github.com/sqlanywhere/sqlanywhere/internal/columnar"
	"github.com/sqlanywhere/sqlanywhere/internal/plan"
)

type side int

const (
	leftSide side = iota
	rightSide
)

func (s side) other() side { return 1 - s }

func (s side) String() string {
	if s == leftSide {
		return "left"
	}
	return "right"
}

type rowRef struct {
	batch int32
	row   int32
}

// hashTable holds the build side: its batches and, per encoded key tuple,
// the rows carrying it.
type hashTable struct {
	records []arrow.Record
	index   map[string][]rowRef
	matched [][]bool
	rows    int64
}

// hashJoin is an equi-join on a tuple of key columns. One input is drained
// into a hash table and the other streams past it. Output columns are the
// left input's followed by the right input's whichever side is built.
type hashJoin struct {
	joinType plan.JoinType
	inputs   [2]columnar.BatchReader
	keyCols  [2][]int
	keyKinds []valueKind
	widths   [2]int
	schema   *arrow.Schema
	opts     Options

	started bool
	done    bool
	closed  bool

	build      side
	table      *hashTable
	outerProbe bool
	outerBuild bool

	pending   []arrow.Record
	probeDone bool
	probeRec  arrow.Record
	probeKey  keyFunc
	probeRow  int
	matches   []rowRef
	matchPos  int

	unmatchedBatch int
	unmatchedRow   int

	out *columnar.RecordBuilder
	buf []byte
}

func newHashJoin(node *plan.Join, left, right columnar.BatchReader, leftScope, rightScope catalog.Scope, opts Options) (*hashJoin, error) {
	j := &hashJoin{
		joinType: node.Type,
		inputs:   [2]columnar.BatchReader{left, right},
		widths:   [2]int{len(leftScope), len(rightScope)},
		opts:     opts,
	}
	for _, key := range node.Keys {
		li, err := leftScope.Resolve(key.Left)
		if err != nil {
			return nil, err
		}
		ri, err := rightScope.Resolve(key.Right)
		if err != nil {
			return nil, err
		}
		lt, rt := leftScope[li].Type, rightScope[ri].Type
		if !arrow.TypeEqual(lt, rt) {
			return nil, typeMismatch("join", "key %s is %s but %s is %s",
				key.Left, columnar.TypeName(lt), key.Right, columnar.TypeName(rt))
		}
		kind, ok := kindOf(lt)
		if !ok {
			return nil, typeMismatch("join", "key %s has unsupported type %s", key.Left, lt)
		}
		j.keyCols[leftSide] = append(j.keyCols[leftSide], li)
		j.keyCols[rightSide] = append(j.keyCols[rightSide], ri)
		j.keyKinds = append(j.keyKinds, kind)
	}

	combined := make(catalog.Scope, 0, len(leftScope)+len(rightScope))
	combined = append(append(combined, leftScope...), rightScope...)
	j.schema = combined.Schema()
	j.out = columnar.NewRecordBuilder(opts.Allocator, j.schema)
	return j, nil
}

func (j *hashJoin) Schema() *arrow.Schema { return j.schema }

func (j *hashJoin) Next(ctx context.Context) (arrow.Record, error) {
	if j.done || j.closed {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !j.started {
		j.started = true
		if err := j.start(ctx); err != nil {
			return nil, err
		}
	}

	for j.out.Rows() < j.opts.BatchRows {
		if j.matchPos < len(j.matches) {
			ref := j.matches[j.matchPos]
			j.matchPos++
			if j.table.matched != nil {
				j.table.matched[ref.batch][ref.row] = true
			}
			j.appendPair(j.probeRec, j.probeRow, j.table.records[ref.batch], int(ref.row))
			if j.matchPos == len(j.matches) {
				j.matches, j.matchPos = nil, 0
				j.probeRow++
			}
			continue
		}

		if j.probeRec != nil && j.probeRow < int(j.probeRec.NumRows()) {
			var matches []rowRef
			key, ok := j.probeKey(j.probeRow, j.buf[:0])
			j.buf = key
			if ok {
				matches = j.table.index[string(key)]
			}
			if len(matches) == 0 {
				if j.outerProbe {
					j.appendPair(j.probeRec, j.probeRow, nil, 0)
				}
				j.probeRow++
				continue
			}
			j.matches, j.matchPos = matches, 0
			continue
		}

		if j.probeRec != nil {
			j.probeRec.Release()
			j.probeRec = nil
		}
		if !j.probeDone {
			rec, err := j.nextProbe(ctx)
			if errors.Is(err, io.EOF) {
				j.probeDone = true
				continue
			}
			if err != nil {
				return nil, err
			}
			j.probeRec, j.probeRow = rec, 0
			j.probeKey = encodeKeys(rec, j.keyCols[j.build.other()], j.keyKinds)
			continue
		}
		if !j.appendUnmatchedBuild() {
			break
		}
	}

	if j.out.Rows() == 0 {
		j.done = true
		return nil, io.EOF
	}
	return j.out.NewRecord(), nil
}

// start picks the build side and fills the hash table.
func (j *hashJoin) start(ctx context.Context) error {
	switch j.joinType {
	case plan.JoinLeft:
		j.build, j.outerProbe = rightSide, true
	case plan.JoinRight:
		j.build, j.outerProbe = leftSide, true
	case plan.JoinFull:
		j.build, j.outerProbe, j.outerBuild = rightSide, true, true
	default:
		return j.startInner(ctx)
	}
	j.table = j.newTable()
	for {
		rec, err := j.inputs[j.build].Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := j.insert(rec); err != nil {
			return err
		}
	}
}

// startInner pulls both inputs alternately and builds whichever ends first.
// Batches already pulled from the other input are replayed before it is read
// further. An input exceeding MaxBuildRows stops being a build candidate.
func (j *hashJoin) startInner(ctx context.Context) error {
	var (
		buffered [2][]arrow.Record
		rows     [2]int64
		over     [2]bool
	)
	release := func(s side) {
		columnar.ReleaseAll(buffered[s])
		buffered[s] = nil
	}
	turn := leftSide
	for {
		if over[leftSide] && over[rightSide] {
			release(leftSide)
			release(rightSide)
			return j.exhausted()
		}
		if over[turn] {
			turn = turn.other()
		}
		rec, err := j.inputs[turn].Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			release(leftSide)
			release(rightSide)
			return err
		}
		buffered[turn] = append(buffered[turn], rec)
		rows[turn] += rec.NumRows()
		if j.opts.MaxBuildRows >= 0 && rows[turn] > j.opts.MaxBuildRows {
			over[turn] = true
		}
		turn = turn.other()
	}

	j.build = turn
	j.table = j.newTable()
	j.pending = buffered[turn.other()]
	for i, rec := range buffered[turn] {
		if err := j.insert(rec); err != nil {
			columnar.ReleaseAll(buffered[turn][i+1:])
			return err
		}
	}
	if j.table.rows == 0 {
		// Nothing can match; the probe input is never read.
		columnar.ReleaseAll(j.pending)
		j.pending = nil
		j.probeDone = true
	}
	return nil
}

func (j *hashJoin) newTable() *hashTable {
	return &hashTable{index: make(map[string][]rowRef)}
}

func (j *hashJoin) exhausted() error {
	return &Error{
		Kind: KindResourceExhausted,
		Op:   "join",
		Msg:  fmt.Sprintf("build side exceeds %d rows", j.opts.MaxBuildRows),
	}
}

// insert takes ownership of rec.
func (j *hashJoin) insert(rec arrow.Record) error {
	t := j.table
	n := rec.NumRows()
	if j.opts.MaxBuildRows >= 0 && t.rows+n > j.opts.MaxBuildRows {
		rec.Release()
		return j.exhausted()
	}
	batch := int32(len(t.records))
	t.records = append(t.records, rec)
	t.rows += n
	if j.outerBuild {
		t.matched = append(t.matched, make([]bool, n))
	}
	key := encodeKeys(rec, j.keyCols[j.build], j.keyKinds)
	for row := 0; row < int(n); row++ {
		var ok bool
		j.buf, ok = key(row, j.buf[:0])
		if !ok {
			continue
		}
		k := string(j.buf)
		t.index[k] = append(t.index[k], rowRef{batch: batch, row: int32(row)})
	}
	return nil
}

func (j *hashJoin) nextProbe(ctx context.Context) (arrow.Record, error) {
	if len(j.pending) > 0 {
		rec := j.pending[0]
		j.pending[0] = nil
		j.pending = j.pending[1:]
		return rec, nil
	}
	return j.inputs[j.build.other()].Next(ctx)
}

// appendUnmatchedBuild emits build rows no probe row matched, for FULL joins.
// It reports whether it appended anything.
func (j *hashJoin) appendUnmatchedBuild() bool {
	if !j.outerBuild {
		return false
	}
	t := j.table
	for j.unmatchedBatch < len(t.records) {
		rec := t.records[j.unmatchedBatch]
		for j.unmatchedRow < int(rec.NumRows()) {
			row := j.unmatchedRow
			j.unmatchedRow++
			if !t.matched[j.unmatchedBatch][row] {
				j.appendBuildOnly(rec, row)
				return true
			}
		}
		j.unmatchedBatch++
		j.unmatchedRow = 0
	}
	return false
}

// appendPair writes one output row from a probe row and a build row; a nil
// build record pads the build columns with nulls.
func (j *hashJoin) appendPair(probe arrow.Record, probeRow int, build arrow.Record, buildRow int) {
	if j.build == rightSide {
		j.appendRow(probe, probeRow, build, buildRow)
	} else {
		j.appendRow(build, buildRow, probe, probeRow)
	}
}

func (j *hashJoin) appendBuildOnly(build arrow.Record, row int) {
	if j.build == rightSide {
		j.appendRow(nil, 0, build, row)
	} else {
		j.appendRow(build, row, nil, 0)
	}
}

func (j *hashJoin) appendRow(left arrow.Record, leftRow int, right arrow.Record, rightRow int) {
	col := 0
	for s, rec := range [2]arrow.Record{left, right} {
		row := leftRow
		if side(s) == rightSide {
			row = rightRow
		}
		for i := 0; i < j.widths[s]; i++ {
			if rec == nil {
				j.out.AppendNull(col)
			} else {
				j.out.AppendCell(col, rec.Column(i), row)
			}
			col++
		}
	}
	j.out.EndRow()
}

func (j *hashJoin) Close() error {
	if j.closed {
		return nil
	}
	j.closed = true
	if j.probeRec != nil {
		j.probeRec.Release()
		j.probeRec = nil
	}
	columnar.ReleaseAll(j.pending)
	j.pending = nil
	if j.table != nil {
		columnar.ReleaseAll(j.table.records)
		j.table = nil
	}
	j.out.Release()
	return errors.Join(j.inputs[leftSide].Close(), j.inputs[rightSide].Close())
}

// keyFunc appends the encoded key tuple of row to buf. ok is false when the
// row can never match: a key is null or NaN.
type keyFunc func(row int, buf []byte) (key []byte, ok bool)

// encodeKeys prepares key encoding for one batch. Encodings are fixed width
// except strings, which are length prefixed, so distinct tuples never
// collide. -0 and +0 encode alike.
func encodeKeys(rec arrow.Record, cols []int, kinds []valueKind) keyFunc {
	arrays := make([]arrow.Array, len(cols))
	for i, c := range cols {
		arrays[i] = rec.Column(c)
	}
	return func(row int, buf []byte) ([]byte, bool) {
		for i, arr := range arrays {
			if arr.IsNull(row) {
				return buf, false
			}
			switch kinds[i] {
			case kindInt:
				buf = binary.LittleEndian.AppendUint64(buf, uint64(arr.(*array.Int64).Value(row)))
			case kindTimestamp:
				buf = binary.LittleEndian.AppendUint64(buf, uint64(arr.(*array.Timestamp).Value(row)))
			case kindFloat:
				f := arr.(*array.Float64).Value(row)
				if math.IsNaN(f) {
					return buf, false
				}
				if f == 0 {
					f = 0
				}
				buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(f))
			case kindString:
				s := arr.(*array.String).Value(row)
				buf = binary.AppendUvarint(buf, uint64(len(s)))
				buf = append(buf, s...)
			case kindBool:
				if arr.(*array.Boolean).Value(row) {
					buf = append(buf, 1)
				} else {
					buf = append(buf, 0)
				}
			}
		}
		return buf, true
	}
}
