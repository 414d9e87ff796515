package middleware

import (
	"sync"

	"golang.org/x/time/rate"
	"google.golang.org/grpc/codes"

	"muxrpc/filter"
	"muxrpc/message"
)

// RateLimit rejects calls beyond a token bucket shared by every session.
func RateLimit(r float64, burst int) *filter.Filter {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return &filter.Filter{
		Kind:  "ratelimit",
		Order: OrderRateLimit,
		Before: func(c *filter.ExecutingContext) {
			if !limiter.Allow() {
				c.Reject(message.Errorf(codes.ResourceExhausted, "rate limit exceeded"))
			}
		},
	}
}

const limiterTag = "muxrpc.ratelimit"

// SessionRateLimit gives every session its own token bucket, kept in the
// session's tag store. Calls without a session are not limited.
func SessionRateLimit(r float64, burst int) *filter.Filter {
	var mu sync.Mutex
	return &filter.Filter{
		Kind:  "ratelimit",
		Order: OrderRateLimit,
		Before: func(c *filter.ExecutingContext) {
			sess := c.Call.Session
			if sess == nil {
				return
			}
			mu.Lock()
			limiter, ok := sess.Get(limiterTag)
			if !ok {
				limiter = rate.NewLimiter(rate.Limit(r), burst)
				sess.Set(limiterTag, limiter)
			}
			mu.Unlock()
			if !limiter.(*rate.Limiter).Allow() {
				c.Reject(message.Errorf(codes.ResourceExhausted, "rate limit exceeded"))
			}
		},
	}
}
