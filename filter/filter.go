// Package filter runs interceptors around every dispatched action.
//
// A filter declares which hooks it implements by setting them; the pipeline
// only looks at that capability set. Pre-invoke hooks run in ascending
// Order, exception hooks run in ascending Order until one handles the error,
// and post-invoke hooks run in descending Order for every filter whose
// pre-invoke stage was reached:
//
//	Before(-1) → Before(0) → Before(5) → invoke → After(5) → After(0) → After(-1)
package filter

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"muxrpc/session"
)

var (
	// ErrUnhandledAction is wrapped by the error Run returns when the action
	// failed and no exception hook handled it.
	ErrUnhandledAction = errors.New("filter: unhandled action error")
	// ErrIncompatibleFilter is returned when a filter is registered for a
	// protocol it does not support.
	ErrIncompatibleFilter = errors.New("filter: incompatible with protocol")
	ErrInvalidFilter      = errors.New("filter: invalid filter")
)

// Hook is a bit set of the stages a filter takes part in.
type Hook uint8

const (
	HookBefore Hook = 1 << iota
	HookAfter
	HookException
)

func (h Hook) Has(o Hook) bool { return h&o == o }

func (h Hook) String() string {
	var parts []string
	if h.Has(HookBefore) {
		parts = append(parts, "before")
	}
	if h.Has(HookAfter) {
		parts = append(parts, "after")
	}
	if h.Has(HookException) {
		parts = append(parts, "exception")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Filter is an interceptor. Filters of the same Kind replace each other
// unless AllowMultiple is set.
type Filter struct {
	Kind          string
	Order         int
	AllowMultiple bool
	// Protocols restricts the filter to some protocol kinds; empty means all.
	Protocols []session.Kind

	Before      func(*ExecutingContext)
	After       func(*ExecutedContext)
	OnException func(*ExceptionContext)
}

// Hooks returns the filter's capability set.
func (f *Filter) Hooks() Hook {
	var h Hook
	if f.Before != nil {
		h |= HookBefore
	}
	if f.After != nil {
		h |= HookAfter
	}
	if f.OnException != nil {
		h |= HookException
	}
	return h
}

// Supports reports whether the filter may run for kind.
func (f *Filter) Supports(kind session.Kind) bool {
	return len(f.Protocols) == 0 || slices.Contains(f.Protocols, kind)
}

// Validate rejects filters that can never run.
func (f *Filter) Validate() error {
	if f == nil {
		return fmt.Errorf("%w: nil filter", ErrInvalidFilter)
	}
	if f.Hooks() == 0 {
		return fmt.Errorf("%w: %q implements no hook", ErrInvalidFilter, f.Kind)
	}
	return nil
}

func (f *Filter) String() string {
	return fmt.Sprintf("%s(order=%d, hooks=%s)", f.Kind, f.Order, f.Hooks())
}

// identity is the deduplication key: the Kind, or the filter itself when it
// has none.
func (f *Filter) identity() any {
	if f.Kind == "" {
		return f
	}
	return f.Kind
}

// Call describes the action being run.
type Call struct {
	Session  *session.Session
	Protocol session.Kind
	Action   string
	Command  uint32 // zero for HTTP routes
	Route    string // "GET /users/:id" for HTTP routes
}

// ExecutingContext is seen by pre-invoke hooks. Ctx and Args may be replaced.
type ExecutingContext struct {
	Ctx  context.Context
	Call *Call
	Args any

	result any
	err    error
	done   bool
}

// SetResult short-circuits the call with v: the remaining pre-invoke hooks
// and the action are skipped.
func (c *ExecutingContext) SetResult(v any) {
	c.result, c.err, c.done = v, nil, true
}

// Reject short-circuits the call with err, which is then offered to the
// exception hooks like an error raised by the action.
func (c *ExecutingContext) Reject(err error) {
	c.result, c.err, c.done = nil, err, true
}

func (c *ExecutingContext) ShortCircuited() bool { return c.done }

// ExecutedContext is seen by post-invoke hooks. Result may be replaced.
type ExecutedContext struct {
	Ctx            context.Context
	Call           *Call
	Args           any
	Result         any
	ShortCircuited bool

	err error
}

// Err is the error the call ends with, nil when it succeeded or an
// exception hook handled the failure.
func (c *ExecutedContext) Err() error { return c.err }

// ExceptionContext is seen by exception hooks. Setting Handled stops the
// remaining exception hooks and turns Result into the call's result.
type ExceptionContext struct {
	Ctx     context.Context
	Call    *Call
	Args    any
	Err     error
	Handled bool
	Result  any
}

// ActionError is returned by Run for failures no exception hook handled.
type ActionError struct {
	Action string
	Err    error
}

func (e *ActionError) Error() string { return e.Err.Error() }

func (e *ActionError) Unwrap() []error { return []error{ErrUnhandledAction, e.Err} }
