// Package middleware provides ready-made filters for the dispatch pipeline.
//
// Each constructor returns a *filter.Filter with a fixed Kind and a default
// Order; registering two filters of the same kind keeps only one. The
// default orders nest the filters like this:
//
//	tracing → logging → rate limit → auth → timeout → action
package middleware

import (
	"context"

	"muxrpc/filter"
)

// Default orders. Lower runs earlier before the action and later after it.
const (
	OrderTracing   = -300
	OrderLogging   = -200
	OrderRateLimit = -100
	OrderAuth      = -50
	OrderTimeout   = 0
	OrderErrors    = 100
)

// WithOrder returns a copy of f that runs at order.
func WithOrder(f *filter.Filter, order int) *filter.Filter {
	c := *f
	c.Order = order
	return &c
}

// callValue stores per-call state a filter's Before hook hands to its After
// hook.
func callValue[T any](ctx context.Context, key any) (T, bool) {
	v, ok := ctx.Value(key).(T)
	return v, ok
}
