// Package catalog binds a logical plan to its data: every table reference is
// resolved through the storage registry and opened for ingestion, and every
// column reference is checked against the resulting schemas. Nothing is
// cached between queries.
package catalog

import (
	"errors"
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/sqlanywhere/sqlanywhere/internal/plan"
)

var (
	ErrUnresolvedSource = errors.New("unresolved source")
	ErrUnknownColumn    = errors.New("unknown column")
	ErrAmbiguousColumn  = errors.New("ambiguous column")
)

type Kind string

const (
	KindUnresolvedSource Kind = "UnresolvedSource"
	KindUnknownColumn    Kind = "UnknownColumn"
	KindAmbiguousColumn  Kind = "AmbiguousColumn"
)

func (k Kind) sentinel() error {
	switch k {
	case KindUnknownColumn:
		return ErrUnknownColumn
	case KindAmbiguousColumn:
		return ErrAmbiguousColumn
	default:
		return ErrUnresolvedSource
	}
}

// BindError reports a failure at one table or column reference. Err carries
// the underlying storage or ingest error for unresolved sources.
type BindError struct {
	Kind   Kind
	URI    string
	Alias  string
	Column string
	Err    error
}

func (e *BindError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "bind %s", e.Kind)
	if e.Column != "" {
		fmt.Fprintf(&b, ": column %s", e.Column)
	}
	if e.Alias != "" {
		fmt.Fprintf(&b, " (alias %q", e.Alias)
		if e.URI != "" {
			fmt.Fprintf(&b, ", uri %q", e.URI)
		}
		b.WriteString(")")
	} else if e.URI != "" {
		fmt.Fprintf(&b, " (uri %q)", e.URI)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *BindError) Unwrap() error { return e.Err }

func (e *BindError) Is(target error) bool { return target == e.Kind.sentinel() }

// ScopeColumn is one column visible to an operator.
type ScopeColumn struct {
	Alias string
	Name  string
	Type  arrow.DataType
}

// Scope lists the columns an operator produces, in output order.
type Scope []ScopeColumn

// Resolve returns the position of ref. Names match exactly first and then
// case-insensitively; an unqualified name must match a single column.
func (s Scope) Resolve(ref plan.ColumnRef) (int, error) {
	for _, fold := range []bool{false, true} {
		match := -1
		for i, col := range s {
			if ref.Alias != "" && col.Alias != ref.Alias {
				continue
			}
			if col.Name != ref.Column && (!fold || !strings.EqualFold(col.Name, ref.Column)) {
				continue
			}
			if match >= 0 {
				return -1, &BindError{Kind: KindAmbiguousColumn, Alias: ref.Alias, Column: ref.String(), Err: fmt.Errorf("matches %s and %s", s.label(match), s.label(i))}
			}
			match = i
		}
		if match >= 0 {
			return match, nil
		}
	}
	return -1, &BindError{Kind: KindUnknownColumn, Alias: ref.Alias, Column: ref.String()}
}

func (s Scope) label(i int) string {
	return plan.ColumnRef{Alias: s[i].Alias, Column: s[i].Name}.String()
}

// Schema is the Arrow schema of the scope. Field names may repeat across
// aliases.
func (s Scope) Schema() *arrow.Schema {
	fields := make([]arrow.Field, len(s))
	for i, col := range s {
		fields[i] = arrow.Field{Name: col.Name, Type: col.Type, Nullable: true}
	}
	return arrow.NewSchema(fields, nil)
}

func scopeOf(alias string, schema *arrow.Schema) Scope {
	scope := make(Scope, schema.NumFields())
	for i, field := range schema.Fields() {
		scope[i] = ScopeColumn{Alias: alias, Name: field.Name, Type: field.Type}
	}
	return scope
}
