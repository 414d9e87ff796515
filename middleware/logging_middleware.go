package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"muxrpc/filter"
)

type startKey struct{}

// Logging logs every call with its duration once it has finished. Failed
// calls are logged at warn level.
func Logging(logger *zap.Logger) *filter.Filter {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("call")
	return &filter.Filter{
		Kind:  "logging",
		Order: OrderLogging,
		Before: func(c *filter.ExecutingContext) {
			c.Ctx = context.WithValue(c.Ctx, startKey{}, time.Now())
		},
		After: func(c *filter.ExecutedContext) {
			fields := []zap.Field{
				zap.String("action", c.Call.Action),
				zap.Stringer("protocol", c.Call.Protocol),
			}
			if c.Call.Session != nil {
				fields = append(fields, zap.String("session", c.Call.Session.ID()))
			}
			if start, ok := callValue[time.Time](c.Ctx, startKey{}); ok {
				fields = append(fields, zap.Duration("duration", time.Since(start)))
			}
			if c.ShortCircuited {
				fields = append(fields, zap.Bool("short_circuited", true))
			}
			if err := c.Err(); err != nil {
				logger.Warn("call failed", append(fields, zap.Error(err))...)
				return
			}
			logger.Info("call", fields...)
		},
	}
}
