package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"golang.org/x/sync/errgroup"

	"github.com/sqlanywhere/sqlanywhere/internal/columnar"
	"github.com/sqlanywhere/sqlanywhere/internal/ingest"
	"github.com/sqlanywhere/sqlanywhere/internal/observability"
	"github.com/sqlanywhere/sqlanywhere/internal/plan"
	"github.com/sqlanywhere/sqlanywhere/internal/sqlparser"
	"github.com/sqlanywhere/sqlanywhere/internal/storage"
)

const defaultConcurrency = 8

type Options struct {
	// BaseURI resolves bare table names to <BaseURI>/<name>.csv.
	BaseURI     string
	Ingest      ingest.Options
	Concurrency int
}

type Binder struct {
	registry *storage.Registry
	opts     Options
	logger   *slog.Logger
}

func NewBinder(registry *storage.Registry, opts Options, logger *slog.Logger) *Binder {
	if logger == nil {
		logger = observability.DiscardLogger()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	return &Binder{registry: registry, opts: opts, logger: logger}
}

// BoundSource is one opened table. The ingest source is handed to exactly
// one consumer through Reader; Close releases it if nobody took it.
type BoundSource struct {
	Ref    plan.TableRef
	URI    string
	Schema *arrow.Schema
	Handle *storage.Handle

	mu     sync.Mutex
	source ingest.Source
	taken  bool
}

// Reader transfers ownership of the opened source to the caller.
func (s *BoundSource) Reader() (ingest.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.taken {
		return nil, fmt.Errorf("source %q already consumed", s.Ref.Alias)
	}
	s.taken = true
	return s.source, nil
}

func (s *BoundSource) Stats() ingest.Stats {
	return s.source.Stats()
}

func (s *BoundSource) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.taken {
		return nil
	}
	s.taken = true
	return s.source.Close()
}

// Bound is a plan whose scans are opened and whose column references are
// valid. Stars are expanded and join keys oriented left input first.
type Bound struct {
	Root    plan.Node
	sources map[*plan.Scan]*BoundSource
	order   []*BoundSource
	cancel  context.CancelFunc
}

func (b *Bound) Source(scan *plan.Scan) (*BoundSource, bool) {
	src, ok := b.sources[scan]
	return src, ok
}

// Sources lists bound sources in scan order.
func (b *Bound) Sources() []*BoundSource {
	return b.order
}

// Close releases every source no operator took and stops their reads.
func (b *Bound) Close() error {
	var errs []error
	for _, src := range b.order {
		if err := src.close(); err != nil {
			errs = append(errs, err)
		}
	}
	if b.cancel != nil {
		b.cancel()
	}
	return errors.Join(errs...)
}

// Scope returns the columns n produces.
func (b *Bound) Scope(n plan.Node) Scope {
	switch node := n.(type) {
	case *plan.Scan:
		return scopeOf(node.Table.Alias, b.sources[node].Schema)
	case *plan.Filter:
		return b.Scope(node.Input)
	case *plan.Limit:
		return b.Scope(node.Input)
	case *plan.Join:
		left := b.Scope(node.Left)
		return append(left[:len(left):len(left)], b.Scope(node.Right)...)
	case *plan.Project:
		return b.projectScope(node, b.Scope(node.Input))
	default:
		return nil
	}
}

// Bind opens every source of root and validates its column references.
// Unknown schemes fail before any source is touched.
func (b *Binder) Bind(ctx context.Context, root plan.Node) (*Bound, error) {
	scans := plan.Scans(root)
	uris := make([]string, len(scans))
	for i, scan := range scans {
		uri, err := b.sourceURI(scan.Table)
		if err != nil {
			return nil, err
		}
		if _, err := b.registry.Lookup(uri); err != nil {
			return nil, &BindError{Kind: KindUnresolvedSource, URI: uri, Alias: scan.Table.Alias, Err: err}
		}
		uris[i] = uri
	}

	bindCtx, cancel := context.WithCancel(ctx)
	bound := &Bound{sources: make(map[*plan.Scan]*BoundSource, len(scans)), cancel: cancel}
	opened := make([]*BoundSource, len(scans))

	var g errgroup.Group
	g.SetLimit(b.opts.Concurrency)
	for i, scan := range scans {
		g.Go(func() error {
			src, err := b.open(bindCtx, scan.Table, uris[i])
			if err != nil {
				cancel()
				return err
			}
			opened[i] = src
			return nil
		})
	}
	err := g.Wait()
	for i, src := range opened {
		if src == nil {
			continue
		}
		bound.order = append(bound.order, src)
		bound.sources[scans[i]] = src
	}
	if err != nil {
		_ = bound.Close()
		return nil, err
	}

	rewritten, _, err := b.bindNode(bound, root)
	if err != nil {
		_ = bound.Close()
		return nil, err
	}
	bound.Root = rewritten
	return bound, nil
}

func (b *Binder) sourceURI(ref plan.TableRef) (string, error) {
	if !ref.Bare {
		return ref.URI, nil
	}
	if b.opts.BaseURI == "" {
		return "", &BindError{Kind: KindUnresolvedSource, URI: ref.URI, Alias: ref.Alias, Err: errors.New("bare table name without a configured base URI, quote a resource URI instead")}
	}
	return strings.TrimRight(b.opts.BaseURI, "/") + "/" + ref.URI + ".csv", nil
}

func (b *Binder) open(ctx context.Context, ref plan.TableRef, uri string) (*BoundSource, error) {
	fail := func(err error) (*BoundSource, error) {
		return nil, &BindError{Kind: KindUnresolvedSource, URI: uri, Alias: ref.Alias, Err: err}
	}
	handle, err := b.registry.Resolve(ctx, uri)
	if err != nil {
		return fail(err)
	}
	source, err := ingest.Open(ctx, handle, b.opts.Ingest)
	if err != nil {
		return fail(err)
	}
	b.logger.Debug("source bound",
		slog.String("alias", ref.Alias),
		slog.String("uri", uri),
		slog.Int("parts", len(handle.Parts)),
		slog.Int64("size_bytes", handle.Size),
		slog.Int("columns", source.Schema().NumFields()),
	)
	return &BoundSource{Ref: ref, URI: uri, Schema: source.Schema(), Handle: handle, source: source}, nil
}

// bindNode validates n bottom-up and returns it with stars expanded and join
// keys oriented.
func (b *Binder) bindNode(bound *Bound, n plan.Node) (plan.Node, Scope, error) {
	switch node := n.(type) {
	case *plan.Scan:
		return node, bound.Scope(node), nil

	case *plan.Filter:
		input, scope, err := b.bindNode(bound, node.Input)
		if err != nil {
			return nil, nil, err
		}
		if err := checkExpr(scope, node.Predicate); err != nil {
			return nil, nil, err
		}
		return &plan.Filter{Input: input, Predicate: node.Predicate}, scope, nil

	case *plan.Join:
		left, leftScope, err := b.bindNode(bound, node.Left)
		if err != nil {
			return nil, nil, err
		}
		right, rightScope, err := b.bindNode(bound, node.Right)
		if err != nil {
			return nil, nil, err
		}
		keys := make([]plan.KeyPair, len(node.Keys))
		for i, key := range node.Keys {
			oriented, err := orient(key, leftScope, rightScope)
			if err != nil {
				return nil, nil, err
			}
			keys[i] = oriented
		}
		scope := append(leftScope[:len(leftScope):len(leftScope)], rightScope...)
		return &plan.Join{Type: node.Type, Left: left, Right: right, Keys: keys}, scope, nil

	case *plan.Project:
		input, scope, err := b.bindNode(bound, node.Input)
		if err != nil {
			return nil, nil, err
		}
		var columns []plan.OutputColumn
		for _, col := range node.Columns {
			if col.Star {
				expanded := 0
				for _, sc := range scope {
					if col.Ref.Alias != "" && sc.Alias != col.Ref.Alias {
						continue
					}
					columns = append(columns, plan.OutputColumn{Ref: plan.ColumnRef{Alias: sc.Alias, Column: sc.Name}})
					expanded++
				}
				if expanded == 0 && col.Ref.Alias != "" {
					return nil, nil, &BindError{Kind: KindUnknownColumn, Alias: col.Ref.Alias, Column: col.Ref.Alias + ".*"}
				}
				continue
			}
			idx, err := scope.Resolve(col.Ref)
			if err != nil {
				return nil, nil, err
			}
			// Qualify so the executor resolves the same column.
			columns = append(columns, plan.OutputColumn{
				Ref:  plan.ColumnRef{Alias: scope[idx].Alias, Column: scope[idx].Name},
				Name: col.Name,
			})
		}
		project := &plan.Project{Input: input, Columns: columns}
		return project, bound.projectScope(project, scope), nil

	case *plan.Limit:
		input, scope, err := b.bindNode(bound, node.Input)
		if err != nil {
			return nil, nil, err
		}
		return &plan.Limit{Input: input, Count: node.Count}, scope, nil

	default:
		return nil, nil, fmt.Errorf("bind: unexpected plan node %T", n)
	}
}

// projectScope names the output columns of a bound projection. Labels are
// made unique in select-list order.
func (b *Bound) projectScope(project *plan.Project, input Scope) Scope {
	labels := make([]string, len(project.Columns))
	for i, col := range project.Columns {
		labels[i] = col.Label()
	}
	names := columnar.UniqueNames(labels)
	out := make(Scope, len(names))
	for i, col := range project.Columns {
		idx, _ := input.Resolve(col.Ref)
		out[i] = ScopeColumn{Name: names[i], Type: input[idx].Type}
	}
	return out
}

// orient places the left input's column first. Both columns are resolved in
// the combined scope so unqualified names are checked for ambiguity.
func orient(key plan.KeyPair, left, right Scope) (plan.KeyPair, error) {
	combined := append(left[:len(left):len(left)], right...)
	li, err := combined.Resolve(key.Left)
	if err != nil {
		return key, err
	}
	ri, err := combined.Resolve(key.Right)
	if err != nil {
		return key, err
	}
	qualified := func(i int) plan.ColumnRef {
		return plan.ColumnRef{Alias: combined[i].Alias, Column: combined[i].Name}
	}
	lLeft, rLeft := li < len(left), ri < len(left)
	switch {
	case lLeft && !rLeft:
		return plan.KeyPair{Left: qualified(li), Right: qualified(ri), Oriented: true}, nil
	case !lLeft && rLeft:
		return plan.KeyPair{Left: qualified(ri), Right: qualified(li), Oriented: true}, nil
	default:
		return key, &plan.PlanError{
			Kind: plan.KindUnsupportedJoinCondition,
			Msg:  fmt.Sprintf("%s = %s: each equality must compare the left input with the right input", key.Left, key.Right),
		}
	}
}

func checkExpr(scope Scope, expr sqlparser.Expr) error {
	var err error
	sqlparser.Walk(expr, func(e sqlparser.Expr) bool {
		if err != nil {
			return false
		}
		if ref, ok := e.(*sqlparser.ColumnRef); ok {
			_, err = scope.Resolve(plan.ColumnRef{Alias: ref.Table, Column: ref.Column})
		}
		return true
	})
	return err
}
