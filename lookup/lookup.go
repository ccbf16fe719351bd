// Package lookup defines the resolver interface through which scanned tags
// are turned into asset records, plus the mandatory timeout wrapper. The
// domain lookup service itself is an external collaborator; this package only
// fixes its contract and failure semantics.
package lookup

import (
	"context"
	"errors"
	"time"

	"tagstream/scan"
)

// ErrNotFound is the clean negative: the tag resolves to nothing. It is not a
// failure and is never cached or retried differently from any other lookup.
var ErrNotFound = errors.New("lookup: record not found")

// ErrTimeout is returned by the timeout wrapper when the underlying resolver
// does not answer within the bound. Callers downgrade it to a "not found"
// result; it never surfaces as a protocol error.
var ErrTimeout = errors.New("lookup: resolve timed out")

// Resolver resolves a scanned tag within a scope (the authenticated
// identity's organization). Implementations must honor ctx cancellation where
// they can, but the timeout wrapper does not depend on it.
type Resolver interface {
	Resolve(ctx context.Context, tag, scopeID string) (*scan.Record, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, tag, scopeID string) (*scan.Record, error)

// Resolve implements Resolver.
func (f ResolverFunc) Resolve(ctx context.Context, tag, scopeID string) (*scan.Record, error) {
	return f(ctx, tag, scopeID)
}

// WithTimeout wraps a resolver so every Resolve call returns within limit,
// even if the inner resolver ignores its context and blocks. The abandoned
// inner call is left to finish on its own; its result is discarded.
func WithTimeout(inner Resolver, limit time.Duration) Resolver {
	if limit <= 0 {
		return inner
	}
	return &timeoutResolver{inner: inner, limit: limit}
}

type timeoutResolver struct {
	inner Resolver
	limit time.Duration
}

type resolveResult struct {
	rec *scan.Record
	err error
}

func (r *timeoutResolver) Resolve(ctx context.Context, tag, scopeID string) (*scan.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, r.limit)
	defer cancel()

	done := make(chan resolveResult, 1)
	go func() {
		rec, err := r.inner.Resolve(ctx, tag, scopeID)
		done <- resolveResult{rec: rec, err: err}
	}()

	select {
	case res := <-done:
		return res.rec, res.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}
}
