// Package service maps command ids and HTTP routes to handlers and runs
// them through the filter pipeline.
//
// Handlers are registered explicitly; nothing is discovered by reflection:
//
//	m := service.NewMap()
//	m.Handle(3, "Arith.Add", service.Action(func(ctx context.Context, a *AddArgs) (int, error) {
//		return a.A + a.B, nil
//	}))
package service

import (
	"context"

	"muxrpc/bind"
	"muxrpc/filter"
	"muxrpc/session"
)

// Role says which side of a connection implements an action.
type Role uint8

const (
	// RoleSelf actions are implemented by this process and dispatched here.
	RoleSelf Role = iota
	// RoleRemote actions are implemented by the peer; this process only
	// calls them.
	RoleRemote
)

func (r Role) String() string {
	if r == RoleRemote {
		return "remote"
	}
	return "self"
}

// Handler is a bound action: Bind turns a loosely-typed payload into the
// action's parameter and Invoke runs it.
type Handler struct {
	Bind   func(payload any) (any, error)
	Invoke func(ctx context.Context, args any) (any, error)
}

// Action builds a Handler from a typed function. The parameter type binds
// itself through bind.Binder.
func Action[A any, PA interface {
	*A
	bind.Binder
}, R any](fn func(ctx context.Context, args *A) (R, error)) Handler {
	return Handler{
		Bind: func(payload any) (any, error) {
			a := new(A)
			if err := PA(a).BindPayload(payload); err != nil {
				return nil, err
			}
			return a, nil
		},
		Invoke: func(ctx context.Context, args any) (any, error) {
			a, ok := args.(*A)
			if !ok {
				return nil, &bind.Error{Msg: "arguments replaced with an incompatible value"}
			}
			return fn(ctx, a)
		},
	}
}

// Raw builds a Handler that receives the decoded payload untouched.
func Raw(fn func(ctx context.Context, payload any) (any, error)) Handler {
	return Handler{
		Bind:   func(payload any) (any, error) { return payload, nil },
		Invoke: fn,
	}
}

// Descriptor is the registered binding between a command id or an HTTP
// route and its handler.
type Descriptor struct {
	Command uint32 // zero for HTTP routes
	Method  string // HTTP method for routes
	Pattern string // httprouter pattern for routes
	Name    string
	Role    Role
	Handler Handler
	Filters []*filter.Filter // declared on the handler

	pipelines map[session.Kind]*filter.Pipeline
}

// Route formats the descriptor's HTTP route, e.g. "GET /users/:id".
func (d *Descriptor) Route() string {
	if d.Pattern == "" {
		return ""
	}
	return d.Method + " " + d.Pattern
}

// Pipeline returns the filter chain that applies when the action runs over
// kind. It is empty until the map is frozen.
func (d *Descriptor) Pipeline(kind session.Kind) *filter.Pipeline {
	if p, ok := d.pipelines[kind]; ok {
		return p
	}
	return filter.New(nil)
}

// Option customizes a Descriptor at registration.
type Option func(*Descriptor)

// WithFilters declares filters on the handler.
func WithFilters(fs ...*filter.Filter) Option {
	return func(d *Descriptor) {
		d.Filters = append(d.Filters, fs...)
	}
}
