package sqlparser

import "strings"

// FormatExpr renders an expression back to SQL. Identifiers are always
// double-quoted so the output re-parses to the same tree.
func FormatExpr(expr Expr) string {
	var b strings.Builder
	formatExpr(&b, expr)
	return b.String()
}

// QuoteIdent double-quotes an identifier, doubling embedded quotes.
func QuoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func quoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func formatExpr(b *strings.Builder, e Expr) {
	switch expr := e.(type) {
	case nil:
	case *ColumnRef:
		if expr.Table != "" {
			b.WriteString(QuoteIdent(expr.Table))
			b.WriteByte('.')
		}
		b.WriteString(QuoteIdent(expr.Column))
	case *Literal:
		switch expr.Type {
		case LiteralString:
			b.WriteString(quoteString(expr.Value))
		case LiteralBool:
			b.WriteString(strings.ToUpper(expr.Value))
		case LiteralNull:
			b.WriteString("NULL")
		default:
			b.WriteString(expr.Value)
		}
	case *BinaryExpr:
		formatExpr(b, expr.Left)
		b.WriteByte(' ')
		b.WriteString(expr.Op.String())
		b.WriteByte(' ')
		formatExpr(b, expr.Right)
	case *UnaryExpr:
		if expr.Op == TOKEN_NOT {
			b.WriteString("NOT ")
		} else {
			b.WriteString(expr.Op.String())
		}
		formatExpr(b, expr.Expr)
	case *IsNullExpr:
		formatExpr(b, expr.Expr)
		if expr.Not {
			b.WriteString(" IS NOT NULL")
		} else {
			b.WriteString(" IS NULL")
		}
	case *ParenExpr:
		b.WriteByte('(')
		formatExpr(b, expr.Expr)
		b.WriteByte(')')
	}
}

// Walk calls fn for expr and every expression below it, depth first. fn
// returning false skips the children of that node.
func Walk(expr Expr, fn func(Expr) bool) {
	if expr == nil || !fn(expr) {
		return
	}
	switch e := expr.(type) {
	case *BinaryExpr:
		Walk(e.Left, fn)
		Walk(e.Right, fn)
	case *UnaryExpr:
		Walk(e.Expr, fn)
	case *IsNullExpr:
		Walk(e.Expr, fn)
	case *ParenExpr:
		Walk(e.Expr, fn)
	}
}
