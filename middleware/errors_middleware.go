package middleware

import (
	"muxrpc/filter"
)

// Recover turns the errors fn accepts into successful results. fn returns
// the replacement result and whether it handled err.
func Recover(fn func(err error) (any, bool)) *filter.Filter {
	return &filter.Filter{
		Kind:  "recover",
		Order: OrderErrors,
		OnException: func(c *filter.ExceptionContext) {
			if result, ok := fn(c.Err); ok {
				c.Handled = true
				c.Result = result
			}
		},
	}
}

// MapErrors rewrites errors before they reach the caller, e.g. to attach a
// code to a domain error. It never marks an error handled.
func MapErrors(fn func(err error) error) *filter.Filter {
	return &filter.Filter{
		Kind:  "errors",
		Order: OrderErrors,
		OnException: func(c *filter.ExceptionContext) {
			if mapped := fn(c.Err); mapped != nil {
				c.Err = mapped
			}
		},
	}
}
