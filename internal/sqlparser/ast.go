package sqlparser

// SelectStmt is the only statement the dialect supports.
type SelectStmt struct {
	Columns []SelectItem
	From    TableRef
	Joins   []JoinClause
	Where   Expr   // nil when absent
	Limit   *int64 // nil when absent
}

// SelectItem is one entry of the select list: an expression with an optional
// alias, `*`, or `table.*`.
type SelectItem struct {
	Expr      Expr
	Alias     string
	Star      bool
	StarTable string // qualifier of table.*, empty for a bare *
	Pos       int
}

// TableRef is a FROM or JOIN source. Exactly one of URI and Name is set: a
// quoted token in table position is an opaque URI, a bare identifier is a
// table name.
type TableRef struct {
	URI   string
	Name  string
	Alias string
	Pos   int
}

// Bare reports whether the reference is a table name rather than a URI.
func (t TableRef) Bare() bool { return t.URI == "" }

type JoinType int

const (
	JoinInner JoinType = iota
	JoinLeft
	JoinRight
	JoinFull
)

func (j JoinType) String() string {
	switch j {
	case JoinLeft:
		return "LEFT"
	case JoinRight:
		return "RIGHT"
	case JoinFull:
		return "FULL"
	default:
		return "INNER"
	}
}

type JoinClause struct {
	Type  JoinType
	Table TableRef
	On    Expr
	Pos   int
}

// Expr is any expression node.
type Expr interface {
	exprNode()
}

// ColumnRef is a column reference, optionally qualified by a table alias.
// Unquoted names are already folded to lower case.
type ColumnRef struct {
	Table  string
	Column string
	Pos    int
}

type LiteralType int

const (
	LiteralInteger LiteralType = iota
	LiteralFloat
	LiteralString
	LiteralBool
	LiteralNull
)

// Literal keeps the source text of a constant; Value is "true"/"false" for
// booleans and empty for NULL.
type Literal struct {
	Type  LiteralType
	Value string
	Pos   int
}

// BinaryExpr covers comparisons and AND/OR.
type BinaryExpr struct {
	Left  Expr
	Op    TokenType
	Right Expr
	Pos   int
}

// UnaryExpr is NOT x or -x.
type UnaryExpr struct {
	Op   TokenType
	Expr Expr
	Pos  int
}

type IsNullExpr struct {
	Expr Expr
	Not  bool
}

type ParenExpr struct {
	Expr Expr
}

func (*ColumnRef) exprNode()  {}
func (*Literal) exprNode()    {}
func (*BinaryExpr) exprNode() {}
func (*UnaryExpr) exprNode()  {}
func (*IsNullExpr) exprNode() {}
func (*ParenExpr) exprNode()  {}
