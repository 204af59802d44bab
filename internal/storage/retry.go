package storage

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/sqlanywhere/sqlanywhere/internal/observability"
)

// RetryPolicy bounds how transient connector failures are retried. MaxAttempts
// counts the first try.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 4, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Millisecond
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

func (p RetryPolicy) backoff() retry.Backoff {
	p = p.normalized()
	b := retry.NewExponential(p.BaseDelay)
	b = retry.WithCappedDuration(p.MaxDelay, b)
	b = retry.WithJitterPercent(10, b)
	return retry.WithMaxRetries(uint64(p.MaxAttempts-1), b)
}

func (p RetryPolicy) do(ctx context.Context, scheme string, fn func(context.Context) error) error {
	return retry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && IsTransient(err) {
			observability.IncrementStorageRetry(scheme)
			return retry.RetryableError(err)
		}
		return err
	})
}

// WithRetry wraps c so transient failures are retried under policy. Reads that
// fail mid-stream resume from the last delivered byte.
func WithRetry(c Connector, scheme string, policy RetryPolicy) Connector {
	return &retryingConnector{next: c, scheme: scheme, policy: policy.normalized(), sleep: sleepContext}
}

type retryingConnector struct {
	next   Connector
	scheme string
	policy RetryPolicy
	sleep  func(ctx context.Context, d time.Duration) error
}

func (r *retryingConnector) Stat(ctx context.Context, loc Location) (ObjectInfo, error) {
	var info ObjectInfo
	err := r.policy.do(ctx, r.scheme, func(ctx context.Context) error {
		var err error
		info, err = r.next.Stat(ctx, loc)
		return err
	})
	return info, err
}

func (r *retryingConnector) List(ctx context.Context, loc Location) ([]ObjectInfo, error) {
	var objects []ObjectInfo
	err := r.policy.do(ctx, r.scheme, func(ctx context.Context) error {
		var err error
		objects, err = r.next.List(ctx, loc)
		return err
	})
	return objects, err
}

func (r *retryingConnector) Open(ctx context.Context, loc Location, offset int64) (io.ReadCloser, error) {
	reader := &resumableReader{ctx: ctx, conn: r, loc: loc, offset: offset}
	if err := reader.reopen(); err != nil {
		return nil, err
	}
	return reader, nil
}

func (r *retryingConnector) open(ctx context.Context, loc Location, offset int64) (io.ReadCloser, error) {
	var rc io.ReadCloser
	err := r.policy.do(ctx, r.scheme, func(ctx context.Context) error {
		var err error
		rc, err = r.next.Open(ctx, loc, offset)
		return err
	})
	return rc, err
}

type resumableReader struct {
	ctx      context.Context
	conn     *retryingConnector
	loc      Location
	offset   int64
	current io.ReadCloser
	// backoff paces one streak of failed reads; any delivered byte ends the streak.
	backoff retry.Backoff
	closed  bool
}

func (r *resumableReader) reopen() error {
	rc, err := r.conn.open(r.ctx, r.loc, r.offset)
	if err != nil {
		return err
	}
	r.current = rc
	return nil
}

func (r *resumableReader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, errors.New("read from closed reader")
	}
	for {
		if r.current == nil {
			if err := r.reopen(); err != nil {
				return 0, err
			}
		}
		n, err := r.current.Read(p)
		r.offset += int64(n)
		if n > 0 {
			r.backoff = nil
		}
		if err == nil || err == io.EOF || !IsTransient(err) {
			return n, err
		}

		_ = r.current.Close()
		r.current = nil
		if n > 0 {
			observability.IncrementStorageRetry(r.conn.scheme)
			return n, nil
		}
		if r.backoff == nil {
			r.backoff = r.conn.policy.backoff()
		}
		delay, stop := r.backoff.Next()
		if stop {
			return 0, err
		}
		observability.IncrementStorageRetry(r.conn.scheme)
		if err := r.conn.sleep(r.ctx, delay); err != nil {
			return 0, err
		}
	}
}

func (r *resumableReader) Close() error {
	r.closed = true
	if r.current == nil {
		return nil
	}
	err := r.current.Close()
	r.current = nil
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
