package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/sqlanywhere/sqlanywhere/internal/observability"
)

// Factory builds the connector for one scheme. It runs at most once per
// registry, on first use of the scheme.
type Factory func(ctx context.Context) (Connector, error)

type registration struct {
	factory Factory
	retry   bool

	once      sync.Once
	connector Connector
	err       error
}

type RegisterOption func(*registration)

// Retried wraps the connector with the registry retry policy. Local
// filesystems are registered without it.
func Retried() RegisterOption {
	return func(r *registration) { r.retry = true }
}

type Registry struct {
	mu      sync.RWMutex
	schemes map[string]*registration
	policy  RetryPolicy
	logger  *slog.Logger
}

func NewRegistry(policy RetryPolicy, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = observability.DiscardLogger()
	}
	return &Registry{
		schemes: map[string]*registration{},
		policy:  policy.normalized(),
		logger:  logger,
	}
}

func (r *Registry) Register(scheme string, factory Factory, opts ...RegisterOption) {
	reg := &registration{factory: factory}
	for _, opt := range opts {
		opt(reg)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemes[strings.ToLower(scheme)] = reg
}

func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schemes := make([]string, 0, len(r.schemes))
	for scheme := range r.schemes {
		schemes = append(schemes, scheme)
	}
	slices.Sort(schemes)
	return schemes
}

// Lookup parses uri and checks that its scheme is registered. It performs no I/O.
func (r *Registry) Lookup(uri string) (Location, error) {
	loc, err := ParseLocation(uri)
	if err != nil {
		return Location{}, Wrap(uri, err)
	}
	r.mu.RLock()
	_, ok := r.schemes[loc.Scheme]
	r.mu.RUnlock()
	if !ok {
		return Location{}, &Error{
			Kind: KindUnknownScheme,
			URI:  uri,
			Err:  fmt.Errorf("no connector registered for %q (have %s)", loc.Scheme, strings.Join(r.Schemes(), ", ")),
		}
	}
	return loc, nil
}

func (r *Registry) connector(ctx context.Context, scheme string) (Connector, error) {
	r.mu.RLock()
	reg, ok := r.schemes[scheme]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownScheme, scheme)
	}
	reg.once.Do(func() {
		conn, err := reg.factory(context.WithoutCancel(ctx))
		if err != nil {
			reg.err = fmt.Errorf("initialise %s connector: %w", scheme, err)
			return
		}
		if reg.retry {
			conn = WithRetry(conn, scheme, r.policy)
		}
		reg.connector = conn
		r.logger.Debug("storage connector ready", slog.String("scheme", scheme), slog.Bool("retry", reg.retry))
	})
	return reg.connector, reg.err
}

// Resolve locates uri and returns a handle for reading it. A URI naming a
// directory or key prefix resolves to every object below it, in key order.
func (r *Registry) Resolve(ctx context.Context, uri string) (*Handle, error) {
	loc, err := r.Lookup(uri)
	if err != nil {
		return nil, err
	}
	conn, err := r.connector(ctx, loc.Scheme)
	if err != nil {
		return nil, Wrap(uri, err)
	}

	handle := &Handle{URI: uri, Location: loc, conn: conn}
	if loc.IsPrefix() {
		if err := handle.listParts(ctx, loc); err != nil {
			return nil, Wrap(uri, err)
		}
		return handle, nil
	}

	info, err := conn.Stat(ctx, loc)
	switch {
	case err == nil && !info.IsPrefix:
		handle.Parts = []Part{{Location: loc, Info: info}}
		handle.Size = info.Size
		return handle, nil
	case err == nil && info.IsPrefix:
		if err := handle.listParts(ctx, loc.AsPrefix()); err != nil {
			return nil, Wrap(uri, err)
		}
		return handle, nil
	case errors.Is(err, ErrNotFound) && loc.Scheme != "file":
		// Object stores have no directories; a missing key may still be a prefix.
		if listErr := handle.listParts(ctx, loc.AsPrefix()); listErr == nil {
			return handle, nil
		}
		return nil, Wrap(uri, err)
	default:
		return nil, Wrap(uri, err)
	}
}

func (h *Handle) listParts(ctx context.Context, prefix Location) error {
	objects, err := h.conn.List(ctx, prefix)
	if err != nil {
		return err
	}
	parts := make([]Part, 0, len(objects))
	for _, obj := range objects {
		if obj.IsPrefix || strings.HasSuffix(obj.Key, "/") {
			continue
		}
		parts = append(parts, Part{Location: prefix.Child(obj.Key), Info: obj})
	}
	if len(parts) == 0 {
		return fmt.Errorf("%w: no objects below %s", ErrNotFound, prefix.Raw)
	}
	slices.SortFunc(parts, func(a, b Part) int { return strings.Compare(a.Info.Key, b.Info.Key) })
	h.Segmented = true
	h.Parts = parts
	h.Size = 0
	for _, part := range parts {
		h.Size += part.Info.Size
	}
	return nil
}
