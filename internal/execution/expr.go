package execution

import (
	"cmp"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/sqlanywhere/sqlanywhere/internal/catalog"
	"github.com/sqlanywhere/sqlanywhere/internal/ingest"
	"github.com/sqlanywhere/sqlanywhere/internal/plan"
	"github.com/sqlanywhere/sqlanywhere/internal/sqlparser"
)

type valueKind int

const (
	kindNull valueKind = iota
	kindInt
	kindFloat
	kindString
	kindBool
	kindTimestamp
)

func (k valueKind) String() string {
	switch k {
	case kindInt:
		return "BIGINT"
	case kindFloat:
		return "DOUBLE"
	case kindString:
		return "VARCHAR"
	case kindBool:
		return "BOOLEAN"
	case kindTimestamp:
		return "TIMESTAMP"
	default:
		return "NULL"
	}
}

func kindOf(dt arrow.DataType) (valueKind, bool) {
	switch dt.ID() {
	case arrow.INT64:
		return kindInt, true
	case arrow.FLOAT64:
		return kindFloat, true
	case arrow.STRING:
		return kindString, true
	case arrow.BOOL:
		return kindBool, true
	case arrow.TIMESTAMP:
		return kindTimestamp, true
	default:
		return kindNull, false
	}
}

// value is one scalar. Integers and timestamps share i.
type value struct {
	valid bool
	i     int64
	f     float64
	s     string
	b     bool
}

var null = value{}

func boolValue(b bool) value { return value{valid: true, b: b} }

type evaluator func(row int) value

// compiled is a typed expression. bind prepares it for one batch.
type compiled struct {
	kind     valueKind
	constant *value
	bind     func(rec arrow.Record) evaluator
}

func constant(kind valueKind, v value) *compiled {
	return &compiled{
		kind:     kind,
		constant: &v,
		bind: func(arrow.Record) evaluator {
			return func(int) value { return v }
		},
	}
}

// compileExpr type-checks expr against scope. Comparisons need operands of
// one type; BIGINT widens to DOUBLE and a string constant compared with a
// TIMESTAMP is parsed as a timestamp.
func compileExpr(scope catalog.Scope, expr sqlparser.Expr) (*compiled, error) {
	switch e := expr.(type) {
	case *sqlparser.ParenExpr:
		return compileExpr(scope, e.Expr)

	case *sqlparser.ColumnRef:
		idx, err := scope.Resolve(plan.ColumnRef{Alias: e.Table, Column: e.Column})
		if err != nil {
			return nil, err
		}
		kind, ok := kindOf(scope[idx].Type)
		if !ok {
			return nil, typeMismatch("filter", "column %s has unsupported type %s", sqlparser.FormatExpr(e), scope[idx].Type)
		}
		return &compiled{kind: kind, bind: columnEvaluator(idx, kind)}, nil

	case *sqlparser.Literal:
		return compileLiteral(e)

	case *sqlparser.IsNullExpr:
		inner, err := compileExpr(scope, e.Expr)
		if err != nil {
			return nil, err
		}
		return &compiled{kind: kindBool, bind: func(rec arrow.Record) evaluator {
			eval := inner.bind(rec)
			return func(row int) value { return boolValue(eval(row).valid == e.Not) }
		}}, nil

	case *sqlparser.UnaryExpr:
		inner, err := compileExpr(scope, e.Expr)
		if err != nil {
			return nil, err
		}
		if e.Op == sqlparser.TOKEN_NOT {
			if err := wantBool(inner, "NOT", e.Expr); err != nil {
				return nil, err
			}
			return &compiled{kind: kindBool, bind: func(rec arrow.Record) evaluator {
				eval := inner.bind(rec)
				return func(row int) value {
					v := eval(row)
					if !v.valid {
						return null
					}
					return boolValue(!v.b)
				}
			}}, nil
		}
		if inner.kind != kindInt && inner.kind != kindFloat && inner.kind != kindNull {
			return nil, typeMismatch("filter", "cannot negate %s value %s", inner.kind, sqlparser.FormatExpr(e.Expr))
		}
		return &compiled{kind: inner.kind, bind: func(rec arrow.Record) evaluator {
			eval := inner.bind(rec)
			return func(row int) value {
				v := eval(row)
				v.i, v.f = -v.i, -v.f
				return v
			}
		}}, nil

	case *sqlparser.BinaryExpr:
		left, err := compileExpr(scope, e.Left)
		if err != nil {
			return nil, err
		}
		right, err := compileExpr(scope, e.Right)
		if err != nil {
			return nil, err
		}
		switch e.Op {
		case sqlparser.TOKEN_AND, sqlparser.TOKEN_OR:
			if err := wantBool(left, e.Op.String(), e.Left); err != nil {
				return nil, err
			}
			if err := wantBool(right, e.Op.String(), e.Right); err != nil {
				return nil, err
			}
			return logical(e.Op, left, right), nil
		default:
			return compileComparison(e, left, right)
		}
	}
	return nil, typeMismatch("filter", "unsupported expression %s", sqlparser.FormatExpr(expr))
}

func wantBool(c *compiled, op string, expr sqlparser.Expr) error {
	if c.kind == kindBool || c.kind == kindNull {
		return nil
	}
	return typeMismatch("filter", "%s needs BOOLEAN operands, %s is %s", op, sqlparser.FormatExpr(expr), c.kind)
}

func compileLiteral(lit *sqlparser.Literal) (*compiled, error) {
	switch lit.Type {
	case sqlparser.LiteralInteger:
		n, err := strconv.ParseInt(lit.Value, 10, 64)
		if err != nil {
			return nil, typeMismatch("filter", "integer literal %s: %v", lit.Value, err)
		}
		return constant(kindInt, value{valid: true, i: n}), nil
	case sqlparser.LiteralFloat:
		f, err := strconv.ParseFloat(lit.Value, 64)
		if err != nil {
			return nil, typeMismatch("filter", "float literal %s: %v", lit.Value, err)
		}
		return constant(kindFloat, value{valid: true, f: f}), nil
	case sqlparser.LiteralString:
		return constant(kindString, value{valid: true, s: lit.Value}), nil
	case sqlparser.LiteralBool:
		return constant(kindBool, boolValue(lit.Value == "true")), nil
	default:
		return constant(kindNull, null), nil
	}
}

func columnEvaluator(idx int, kind valueKind) func(arrow.Record) evaluator {
	return func(rec arrow.Record) evaluator {
		col := rec.Column(idx)
		switch kind {
		case kindInt:
			arr := col.(*array.Int64)
			return func(row int) value {
				if arr.IsNull(row) {
					return null
				}
				return value{valid: true, i: arr.Value(row)}
			}
		case kindFloat:
			arr := col.(*array.Float64)
			return func(row int) value {
				if arr.IsNull(row) {
					return null
				}
				return value{valid: true, f: arr.Value(row)}
			}
		case kindString:
			arr := col.(*array.String)
			return func(row int) value {
				if arr.IsNull(row) {
					return null
				}
				return value{valid: true, s: arr.Value(row)}
			}
		case kindBool:
			arr := col.(*array.Boolean)
			return func(row int) value {
				if arr.IsNull(row) {
					return null
				}
				return boolValue(arr.Value(row))
			}
		default:
			arr := col.(*array.Timestamp)
			return func(row int) value {
				if arr.IsNull(row) {
					return null
				}
				return value{valid: true, i: int64(arr.Value(row))}
			}
		}
	}
}

// logical implements three-valued AND and OR.
func logical(op sqlparser.TokenType, left, right *compiled) *compiled {
	return &compiled{kind: kindBool, bind: func(rec arrow.Record) evaluator {
		l, r := left.bind(rec), right.bind(rec)
		if op == sqlparser.TOKEN_AND {
			return func(row int) value {
				a, b := l(row), r(row)
				switch {
				case a.valid && !a.b, b.valid && !b.b:
					return boolValue(false)
				case !a.valid || !b.valid:
					return null
				default:
					return boolValue(true)
				}
			}
		}
		return func(row int) value {
			a, b := l(row), r(row)
			switch {
			case a.valid && a.b, b.valid && b.b:
				return boolValue(true)
			case !a.valid || !b.valid:
				return null
			default:
				return boolValue(false)
			}
		}
	}}
}

func compileComparison(e *sqlparser.BinaryExpr, left, right *compiled) (*compiled, error) {
	switch {
	case left.kind == kindNull || right.kind == kindNull:
		return constant(kindBool, null), nil
	case left.kind == kindInt && right.kind == kindFloat:
		left = toFloat(left)
	case left.kind == kindFloat && right.kind == kindInt:
		right = toFloat(right)
	case left.kind == kindTimestamp && right.kind == kindString && right.constant != nil:
		ts, err := timestampConstant(e.Right, right)
		if err != nil {
			return nil, err
		}
		right = ts
	case left.kind == kindString && right.kind == kindTimestamp && left.constant != nil:
		ts, err := timestampConstant(e.Left, left)
		if err != nil {
			return nil, err
		}
		left = ts
	}
	if left.kind != right.kind {
		return nil, typeMismatch("filter", "cannot compare %s with %s in %s", left.kind, right.kind, sqlparser.FormatExpr(e))
	}

	op := e.Op
	var test func(a, b value) bool
	switch left.kind {
	case kindInt, kindTimestamp:
		test = func(a, b value) bool { return compareOrdered(op, a.i, b.i) }
	case kindFloat:
		// Go float operators are IEEE-754: NaN compares unequal to everything.
		test = func(a, b value) bool { return compareOrdered(op, a.f, b.f) }
	case kindString:
		test = func(a, b value) bool { return compareOrdered(op, a.s, b.s) }
	case kindBool:
		test = func(a, b value) bool { return compareOrdered(op, boolRank(a.b), boolRank(b.b)) }
	}
	if !isComparison(op) {
		return nil, typeMismatch("filter", "unsupported operator %s", op)
	}
	return &compiled{kind: kindBool, bind: func(rec arrow.Record) evaluator {
		l, r := left.bind(rec), right.bind(rec)
		return func(row int) value {
			a, b := l(row), r(row)
			if !a.valid || !b.valid {
				return null
			}
			return boolValue(test(a, b))
		}
	}}, nil
}

func isComparison(op sqlparser.TokenType) bool {
	switch op {
	case sqlparser.TOKEN_EQ, sqlparser.TOKEN_NE, sqlparser.TOKEN_LT, sqlparser.TOKEN_LE, sqlparser.TOKEN_GT, sqlparser.TOKEN_GE:
		return true
	}
	return false
}

func toFloat(c *compiled) *compiled {
	if c.constant != nil {
		v := *c.constant
		v.f = float64(v.i)
		return constant(kindFloat, v)
	}
	return &compiled{kind: kindFloat, bind: func(rec arrow.Record) evaluator {
		eval := c.bind(rec)
		return func(row int) value {
			v := eval(row)
			v.f = float64(v.i)
			return v
		}
	}}
}

func timestampConstant(expr sqlparser.Expr, c *compiled) (*compiled, error) {
	ts, ok := ingest.ParseTimestamp(c.constant.s)
	if !ok {
		return nil, typeMismatch("filter", "%s is not a valid TIMESTAMP", sqlparser.FormatExpr(expr))
	}
	return constant(kindTimestamp, value{valid: true, i: int64(ts)}), nil
}

func boolRank(b bool) int {
	if b {
		return 1
	}
	return 0
}

func compareOrdered[T cmp.Ordered](op sqlparser.TokenType, a, b T) bool {
	switch op {
	case sqlparser.TOKEN_EQ:
		return a == b
	case sqlparser.TOKEN_NE:
		return a != b
	case sqlparser.TOKEN_LT:
		return a < b
	case sqlparser.TOKEN_LE:
		return a <= b
	case sqlparser.TOKEN_GT:
		return a > b
	default:
		return a >= b
	}
}
