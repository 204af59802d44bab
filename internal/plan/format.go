package plan

import (
	"fmt"
	"strings"

	"github.com/sqlanywhere/sqlanywhere/internal/sqlparser"
)

// Format renders n as an indented operator tree, root first.
func Format(n Node) string {
	var b strings.Builder
	format(&b, n, 0)
	return strings.TrimRight(b.String(), "\n")
}

func format(b *strings.Builder, n Node, depth int) {
	b.WriteString(strings.Repeat("  ", depth))
	switch node := n.(type) {
	case *Scan:
		kind := "uri"
		if node.Table.Bare {
			kind = "table"
		}
		fmt.Fprintf(b, "Scan %s %s AS %s", kind, sqlparser.QuoteIdent(node.Table.URI), sqlparser.QuoteIdent(node.Table.Alias))
	case *Filter:
		fmt.Fprintf(b, "Filter %s", sqlparser.FormatExpr(node.Predicate))
	case *Join:
		keys := make([]string, len(node.Keys))
		for i, key := range node.Keys {
			keys[i] = key.Left.String() + " = " + key.Right.String()
		}
		fmt.Fprintf(b, "Join %s ON %s", node.Type, strings.Join(keys, " AND "))
	case *Project:
		cols := make([]string, len(node.Columns))
		for i, col := range node.Columns {
			cols[i] = formatOutput(col)
		}
		fmt.Fprintf(b, "Project %s", strings.Join(cols, ", "))
	case *Limit:
		fmt.Fprintf(b, "Limit %d", node.Count)
	default:
		fmt.Fprintf(b, "%T", n)
	}
	b.WriteByte('\n')
	for _, child := range n.Children() {
		format(b, child, depth+1)
	}
}

func formatOutput(col OutputColumn) string {
	if col.Star {
		if col.Ref.Alias == "" {
			return "*"
		}
		return sqlparser.QuoteIdent(col.Ref.Alias) + ".*"
	}
	if col.Name != "" && col.Name != col.Ref.Column {
		return col.Ref.String() + " AS " + sqlparser.QuoteIdent(col.Name)
	}
	return col.Ref.String()
}
