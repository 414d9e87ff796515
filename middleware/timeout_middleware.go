package middleware

import (
	"context"
	"time"

	"muxrpc/filter"
)

type cancelKey struct{}

// Timeout bounds each call with a deadline. The action sees it through its
// context; an action that returns ctx.Err() fails with DeadlineExceeded.
func Timeout(timeout time.Duration) *filter.Filter {
	return &filter.Filter{
		Kind:  "timeout",
		Order: OrderTimeout,
		Before: func(c *filter.ExecutingContext) {
			ctx, cancel := context.WithTimeout(c.Ctx, timeout)
			c.Ctx = context.WithValue(ctx, cancelKey{}, cancel)
		},
		After: func(c *filter.ExecutedContext) {
			if cancel, ok := callValue[context.CancelFunc](c.Ctx, cancelKey{}); ok {
				cancel()
			}
		},
	}
}
