package middleware

import (
	"google.golang.org/grpc/codes"

	"muxrpc/filter"
	"muxrpc/message"
)

// RequireTag rejects calls from sessions that do not carry tag, e.g. a user
// name set by a login action.
func RequireTag(tag string) *filter.Filter {
	return &filter.Filter{
		Kind:  "auth",
		Order: OrderAuth,
		Before: func(c *filter.ExecutingContext) {
			if c.Call.Session == nil {
				c.Reject(message.Errorf(codes.Unauthenticated, "no session"))
				return
			}
			if _, ok := c.Call.Session.Get(tag); !ok {
				c.Reject(message.Errorf(codes.PermissionDenied, "%s requires %q", c.Call.Action, tag))
			}
		},
	}
}
