// Package plan turns a parsed SELECT into a logical operator tree. Table
// references stay unresolved: URIs are opaque text until the binder opens
// them.
package plan

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/sqlanywhere/sqlanywhere/internal/sqlparser"
)

var (
	ErrDuplicateAlias           = errors.New("duplicate alias")
	ErrUnknownAlias             = errors.New("unknown alias")
	ErrUnsupportedJoinCondition = errors.New("unsupported join condition")
	ErrUnsupported              = errors.New("unsupported query")
)

type Kind string

const (
	KindDuplicateAlias           Kind = "DuplicateAlias"
	KindUnknownAlias             Kind = "UnknownAlias"
	KindUnsupportedJoinCondition Kind = "UnsupportedJoinCondition"
	KindUnsupported              Kind = "Unsupported"
)

func (k Kind) sentinel() error {
	switch k {
	case KindDuplicateAlias:
		return ErrDuplicateAlias
	case KindUnknownAlias:
		return ErrUnknownAlias
	case KindUnsupportedJoinCondition:
		return ErrUnsupportedJoinCondition
	default:
		return ErrUnsupported
	}
}

// PlanError is a semantic error found from the query text and aliases alone.
type PlanError struct {
	Kind  Kind
	Alias string
	Msg   string
}

func (e *PlanError) Error() string {
	if e.Alias != "" {
		return fmt.Sprintf("plan %s: %s (alias %q)", e.Kind, e.Msg, e.Alias)
	}
	return fmt.Sprintf("plan %s: %s", e.Kind, e.Msg)
}

func (e *PlanError) Is(target error) bool { return target == e.Kind.sentinel() }

func planErrorf(kind Kind, alias, format string, args ...any) *PlanError {
	return &PlanError{Kind: kind, Alias: alias, Msg: fmt.Sprintf(format, args...)}
}

// Node is a logical operator.
type Node interface {
	Children() []Node
	node()
}

// TableRef is a source reference. For bare table names URI holds the name
// and Bare is set.
type TableRef struct {
	URI   string
	Alias string
	Bare  bool
}

// ColumnRef names a column, qualified by a table alias or not.
type ColumnRef struct {
	Alias  string
	Column string
}

func (c ColumnRef) String() string {
	if c.Alias == "" {
		return sqlparser.QuoteIdent(c.Column)
	}
	return sqlparser.QuoteIdent(c.Alias) + "." + sqlparser.QuoteIdent(c.Column)
}

type Scan struct {
	Table TableRef
}

type Filter struct {
	Input     Node
	Predicate sqlparser.Expr
}

type JoinType = sqlparser.JoinType

const (
	JoinInner = sqlparser.JoinInner
	JoinLeft  = sqlparser.JoinLeft
	JoinRight = sqlparser.JoinRight
	JoinFull  = sqlparser.JoinFull
)

// KeyPair is one equality of a join condition. Oriented pairs have Left on
// the left input; pairs with an unqualified column are oriented once schemas
// are known.
type KeyPair struct {
	Left     ColumnRef
	Right    ColumnRef
	Oriented bool
}

type Join struct {
	Type  JoinType
	Left  Node
	Right Node
	Keys  []KeyPair
}

// OutputColumn is one projected column. Star columns expand to every column
// of Alias, or of every input when Alias is empty.
type OutputColumn struct {
	Ref  ColumnRef
	Name string
	Star bool
}

// Label is the output name before uniqueness is enforced.
func (o OutputColumn) Label() string {
	if o.Name != "" {
		return o.Name
	}
	return o.Ref.Column
}

type Project struct {
	Input   Node
	Columns []OutputColumn
}

type Limit struct {
	Input Node
	Count int64
}

func (*Scan) Children() []Node      { return nil }
func (f *Filter) Children() []Node  { return []Node{f.Input} }
func (j *Join) Children() []Node    { return []Node{j.Left, j.Right} }
func (p *Project) Children() []Node { return []Node{p.Input} }
func (l *Limit) Children() []Node   { return []Node{l.Input} }

func (*Scan) node()    {}
func (*Filter) node()  {}
func (*Join) node()    {}
func (*Project) node() {}
func (*Limit) node()   {}

// Scans lists the scans of n from left to right.
func Scans(n Node) []*Scan {
	var out []*Scan
	var walk func(Node)
	walk = func(n Node) {
		if scan, ok := n.(*Scan); ok {
			out = append(out, scan)
			return
		}
		for _, child := range n.Children() {
			walk(child)
		}
	}
	walk(n)
	return out
}

// DefaultAlias is the lower-cased file stem of a URI or table name.
func DefaultAlias(uri string) string {
	trimmed := strings.TrimRight(uri, "/")
	if i := strings.IndexAny(trimmed, "?#"); i >= 0 {
		trimmed = trimmed[:i]
	}
	base := path.Base(trimmed)
	if i := strings.LastIndex(base, "://"); i >= 0 {
		base = base[i+3:]
	}
	if ext := path.Ext(base); ext != "" && ext != base {
		base = strings.TrimSuffix(base, ext)
	}
	return strings.ToLower(base)
}

// Build plans stmt. Qualifiers are checked against declared aliases only;
// column existence is left to the binder.
func Build(stmt *sqlparser.SelectStmt) (Node, error) {
	if stmt == nil {
		return nil, planErrorf(KindUnsupported, "", "no statement")
	}
	b := &builder{aliases: map[string]bool{}}

	var root Node
	from, err := b.scan(stmt.From)
	if err != nil {
		return nil, err
	}
	root = from
	scope := []string{from.Table.Alias}

	for _, clause := range stmt.Joins {
		right, err := b.scan(clause.Table)
		if err != nil {
			return nil, err
		}
		keys, err := b.joinKeys(clause.On, scope, right.Table.Alias)
		if err != nil {
			return nil, err
		}
		root = &Join{Type: clause.Type, Left: root, Right: right, Keys: keys}
		scope = append(scope, right.Table.Alias)
	}

	if stmt.Where != nil {
		if err := b.checkQualifiers(stmt.Where, scope); err != nil {
			return nil, err
		}
		root = &Filter{Input: root, Predicate: stmt.Where}
	}

	columns := make([]OutputColumn, 0, len(stmt.Columns))
	for _, item := range stmt.Columns {
		col, err := b.outputColumn(item)
		if err != nil {
			return nil, err
		}
		columns = append(columns, col)
	}
	root = &Project{Input: root, Columns: columns}

	if stmt.Limit != nil {
		root = &Limit{Input: root, Count: *stmt.Limit}
	}
	return root, nil
}

type builder struct {
	aliases map[string]bool
}

func (b *builder) scan(ref sqlparser.TableRef) (*Scan, error) {
	table := TableRef{URI: ref.URI, Alias: ref.Alias}
	if ref.Bare() {
		table.URI = ref.Name
		table.Bare = true
	}
	if table.Alias == "" {
		table.Alias = DefaultAlias(table.URI)
	}
	if table.Alias == "" {
		return nil, planErrorf(KindUnsupported, "", "cannot derive an alias for %q, add AS <alias>", table.URI)
	}
	if b.aliases[table.Alias] {
		return nil, planErrorf(KindDuplicateAlias, table.Alias, "alias is declared more than once")
	}
	b.aliases[table.Alias] = true
	return &Scan{Table: table}, nil
}

// joinKeys accepts a conjunction of column equalities, each linking the left
// scope to the right alias.
func (b *builder) joinKeys(on sqlparser.Expr, left []string, right string) ([]KeyPair, error) {
	var conjuncts []sqlparser.Expr
	var split func(sqlparser.Expr)
	split = func(e sqlparser.Expr) {
		switch expr := e.(type) {
		case *sqlparser.ParenExpr:
			split(expr.Expr)
		case *sqlparser.BinaryExpr:
			if expr.Op == sqlparser.TOKEN_AND {
				split(expr.Left)
				split(expr.Right)
				return
			}
			conjuncts = append(conjuncts, expr)
		default:
			conjuncts = append(conjuncts, e)
		}
	}
	split(on)

	scope := append(append([]string(nil), left...), right)
	keys := make([]KeyPair, 0, len(conjuncts))
	for _, conjunct := range conjuncts {
		text := sqlparser.FormatExpr(conjunct)
		eq, ok := conjunct.(*sqlparser.BinaryExpr)
		if !ok || eq.Op != sqlparser.TOKEN_EQ {
			return nil, planErrorf(KindUnsupportedJoinCondition, right, "%s: only equalities between columns joined by AND are supported", text)
		}
		l, lok := unparen(eq.Left).(*sqlparser.ColumnRef)
		r, rok := unparen(eq.Right).(*sqlparser.ColumnRef)
		if !lok || !rok {
			return nil, planErrorf(KindUnsupportedJoinCondition, right, "%s: both sides must be column references", text)
		}
		lref := ColumnRef{Alias: l.Table, Column: l.Column}
		rref := ColumnRef{Alias: r.Table, Column: r.Column}
		for _, ref := range []ColumnRef{lref, rref} {
			if err := b.checkAlias(ref.Alias, scope); err != nil {
				return nil, err
			}
		}

		pair := KeyPair{Left: lref, Right: rref}
		if lref.Alias != "" && rref.Alias != "" {
			lRight, rRight := lref.Alias == right, rref.Alias == right
			switch {
			case lRight == rRight:
				return nil, planErrorf(KindUnsupportedJoinCondition, right, "%s: each equality must compare the left input with the right input", text)
			case lRight:
				pair.Left, pair.Right = rref, lref
			}
			pair.Oriented = true
		}
		keys = append(keys, pair)
	}
	return keys, nil
}

func unparen(e sqlparser.Expr) sqlparser.Expr {
	for {
		p, ok := e.(*sqlparser.ParenExpr)
		if !ok {
			return e
		}
		e = p.Expr
	}
}

func (b *builder) checkAlias(alias string, scope []string) error {
	if alias == "" {
		return nil
	}
	for _, s := range scope {
		if s == alias {
			return nil
		}
	}
	return planErrorf(KindUnknownAlias, alias, "no table with this alias is in scope")
}

func (b *builder) checkQualifiers(expr sqlparser.Expr, scope []string) error {
	var err error
	sqlparser.Walk(expr, func(e sqlparser.Expr) bool {
		if err != nil {
			return false
		}
		if ref, ok := e.(*sqlparser.ColumnRef); ok {
			err = b.checkAlias(ref.Table, scope)
		}
		return true
	})
	return err
}

func (b *builder) outputColumn(item sqlparser.SelectItem) (OutputColumn, error) {
	if item.Star {
		if item.StarTable != "" && !b.aliases[item.StarTable] {
			return OutputColumn{}, planErrorf(KindUnknownAlias, item.StarTable, "no table with this alias is in scope")
		}
		return OutputColumn{Star: true, Ref: ColumnRef{Alias: item.StarTable}}, nil
	}
	ref, ok := unparen(item.Expr).(*sqlparser.ColumnRef)
	if !ok {
		return OutputColumn{}, planErrorf(KindUnsupported, "", "select list entry %s: only column references are supported", sqlparser.FormatExpr(item.Expr))
	}
	if ref.Table != "" && !b.aliases[ref.Table] {
		return OutputColumn{}, planErrorf(KindUnknownAlias, ref.Table, "no table with this alias is in scope")
	}
	return OutputColumn{Ref: ColumnRef{Alias: ref.Table, Column: ref.Column}, Name: item.Alias}, nil
}
