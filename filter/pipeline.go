package filter

import (
	"cmp"
	"context"
	"fmt"
	"runtime/debug"
	"slices"

	"muxrpc/session"
)

// Select merges global and handler-declared filters into execution order.
// A declared filter replaces a global one of the same Kind; within each
// group the first registration of a Kind wins. Filters with AllowMultiple
// are never deduplicated. The result is stable-sorted by Order, so equal
// orders keep registration order with global filters first.
func Select(global, declared []*Filter) []*Filter {
	declaredKinds := make(map[any]bool, len(declared))
	for _, f := range declared {
		if !f.AllowMultiple {
			declaredKinds[f.identity()] = true
		}
	}

	out := make([]*Filter, 0, len(global)+len(declared))
	seen := make(map[any]bool, len(global)+len(declared))
	add := func(f *Filter) {
		if f.AllowMultiple {
			out = append(out, f)
			return
		}
		id := f.identity()
		if seen[id] {
			return
		}
		seen[id] = true
		out = append(out, f)
	}
	for _, f := range global {
		if !f.AllowMultiple && declaredKinds[f.identity()] {
			continue
		}
		add(f)
	}
	for _, f := range declared {
		add(f)
	}
	slices.SortStableFunc(out, func(a, b *Filter) int { return cmp.Compare(a.Order, b.Order) })
	return out
}

// Invoker runs the action itself.
type Invoker func(ctx context.Context, args any) (any, error)

// Pipeline is an immutable, ordered filter chain.
type Pipeline struct {
	filters []*Filter
}

// New builds a pipeline from filters already in execution order.
func New(filters []*Filter) *Pipeline {
	return &Pipeline{filters: slices.Clone(filters)}
}

// Filters returns the chain in execution order.
func (p *Pipeline) Filters() []*Filter { return slices.Clone(p.filters) }

func (p *Pipeline) Len() int { return len(p.filters) }

// Run executes invoke inside the chain. A non-nil error is always an
// *ActionError.
func (p *Pipeline) Run(ctx context.Context, call *Call, args any, invoke Invoker) (any, error) {
	exec := &ExecutingContext{Ctx: ctx, Call: call, Args: args}
	reached := 0
	for _, f := range p.filters {
		reached++
		if f.Before == nil {
			continue
		}
		if err := guard(func() { f.Before(exec) }); err != nil {
			exec.Reject(err)
		}
		if exec.done {
			break
		}
	}

	var result any
	var err error
	if exec.done {
		result, err = exec.result, exec.err
	} else {
		var invokeErr error
		if err = guard(func() { result, invokeErr = invoke(exec.Ctx, exec.Args) }); err == nil {
			err = invokeErr
		}
		if err != nil {
			result = nil
		}
	}

	if err != nil {
		ex := &ExceptionContext{Ctx: exec.Ctx, Call: call, Args: exec.Args, Err: err}
		for _, f := range p.filters {
			if f.OnException == nil {
				continue
			}
			f.OnException(ex)
			if ex.Handled {
				break
			}
		}
		if ex.Handled {
			result, err = ex.Result, nil
		} else {
			err = &ActionError{Action: call.Action, Err: ex.Err}
		}
	}

	done := &ExecutedContext{
		Ctx:            exec.Ctx,
		Call:           call,
		Args:           exec.Args,
		Result:         result,
		ShortCircuited: exec.done,
		err:            err,
	}
	for i := reached - 1; i >= 0; i-- {
		if f := p.filters[i]; f.After != nil {
			f.After(done)
		}
	}
	if err != nil {
		return nil, err
	}
	return done.Result, nil
}

// PanicError is what a recovered panic in an action or pre-invoke hook
// turns into.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// guard runs fn, converting a panic into a *PanicError. fn's own error is
// passed through its closure.
func guard(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	fn()
	return nil
}

// Scope holds the global filters of one protocol kind and refuses filters
// that do not support it.
type Scope struct {
	kind    session.Kind
	filters []*Filter
}

func NewScope(kind session.Kind) *Scope { return &Scope{kind: kind} }

func (s *Scope) Kind() session.Kind { return s.kind }

// Add registers f for the scope's protocol.
func (s *Scope) Add(f *Filter) error {
	if err := f.Validate(); err != nil {
		return err
	}
	if !f.Supports(s.kind) {
		return fmt.Errorf("%w: %q cannot run for %s", ErrIncompatibleFilter, f.Kind, s.kind)
	}
	s.filters = append(s.filters, f)
	return nil
}

func (s *Scope) Filters() []*Filter { return slices.Clone(s.filters) }
