package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAccessDenied  = errors.New("access denied")
	ErrTransient     = errors.New("transient failure")
	ErrUnknownScheme = errors.New("unknown scheme")
	ErrInvalidURI    = errors.New("invalid uri")
)

type Kind string

const (
	KindNotFound      Kind = "NotFound"
	KindAccessDenied  Kind = "AccessDenied"
	KindTransient     Kind = "Transient"
	KindUnknownScheme Kind = "UnknownScheme"
	KindInvalidURI    Kind = "InvalidURI"
)

func (k Kind) sentinel() error {
	switch k {
	case KindNotFound:
		return ErrNotFound
	case KindAccessDenied:
		return ErrAccessDenied
	case KindUnknownScheme:
		return ErrUnknownScheme
	case KindInvalidURI:
		return ErrInvalidURI
	default:
		return ErrTransient
	}
}

// Error is the StorageError surfaced to callers: every failure leaving the
// resolver carries its kind and the URI it concerns.
type Error struct {
	Kind Kind
	URI  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("storage %s: %s", e.Kind, e.URI)
	}
	return fmt.Sprintf("storage %s: %s: %v", e.Kind, e.URI, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil || errors.Is(err, ErrTransient) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// KindOf classifies err. Unrecognised I/O failures count as transient.
func KindOf(err error) Kind {
	var storageErr *Error
	switch {
	case errors.As(err, &storageErr):
		return storageErr.Kind
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrAccessDenied):
		return KindAccessDenied
	case errors.Is(err, ErrUnknownScheme):
		return KindUnknownScheme
	case errors.Is(err, ErrInvalidURI):
		return KindInvalidURI
	default:
		return KindTransient
	}
}

// Wrap attaches uri to err. Context cancellation passes through untouched.
func Wrap(uri string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var storageErr *Error
	if errors.As(err, &storageErr) {
		return err
	}
	return &Error{Kind: KindOf(err), URI: uri, Err: err}
}

// IsNetworkFailure reports connection-level failures that connectors treat as transient.
func IsNetworkFailure(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE)
}
