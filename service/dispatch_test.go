package service

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc/codes"

	"muxrpc/bind"
	"muxrpc/codec"
	"muxrpc/correlation"
	"muxrpc/filter"
	"muxrpc/message"
	"muxrpc/protocol"
	"muxrpc/session"
)

type addArgs struct{ A, B int }

func (a *addArgs) BindPayload(v any) error {
	return bind.Fields(v,
		bind.Required("a", bind.Int(&a.A)),
		bind.Required("b", bind.Int(&a.B)),
	)
}

var errDivide = errors.New("division by zero")

func newFixture(t *testing.T, opts ...Option) (*Dispatcher, *session.Session, *observer.ObservedLogs) {
	t.Helper()
	m := NewMap()
	must(t, m.Handle(3, "Arith.Add", Action(func(_ context.Context, a *addArgs) (int, error) {
		return a.A + a.B, nil
	}), opts...))
	must(t, m.Handle(4, "Arith.Div", Action(func(_ context.Context, a *addArgs) (int, error) {
		if a.B == 0 {
			return 0, errDivide
		}
		return a.A / a.B, nil
	}), opts...))
	must(t, m.Handle(5, "Flags.False", Raw(func(context.Context, any) (any, error) {
		return false, nil
	})))
	must(t, m.Handle(6, "Panic", Raw(func(context.Context, any) (any, error) {
		panic("kaboom")
	})))
	must(t, m.Remote(100, "Peer.Notify"))

	core, logs := observer.New(zap.DebugLevel)
	d := NewDispatcher(m, zap.New(core))
	mgr := session.NewManager(correlation.NewTable(), nil)
	sess := mgr.Accept(session.KindRPC, "test", nil, codec.Default())
	return d, sess, logs
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func request(t *testing.T, cmd uint32, flags protocol.Flags, payload any) *protocol.Packet {
	t.Helper()
	body, err := codec.Default().Encode(payload)
	if err != nil {
		t.Fatal(err)
	}
	return &protocol.Packet{Command: cmd, CallID: 42, Flags: flags, Payload: body}
}

func decode(t *testing.T, p *protocol.Packet) any {
	t.Helper()
	v, err := codec.Default().Decode(p.Payload)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func remoteError(t *testing.T, p *protocol.Packet) *message.Error {
	t.Helper()
	if p == nil || !p.Flags.IsException() {
		t.Fatalf("expected an exception reply, got %+v", p)
	}
	return message.Decode(codec.Default(), p.Payload)
}

func TestDispatchSuccess(t *testing.T) {
	d, sess, _ := newFixture(t)
	reply := d.Dispatch(context.Background(), sess, request(t, 3, 0, map[string]any{"A": 1, "b": 2}))
	if reply == nil || !reply.Flags.IsResponse() || reply.Flags.IsException() || reply.CallID != 42 {
		t.Fatalf("reply = %+v", reply)
	}
	if n, ok := decode(t, reply).(interface{ String() string }); !ok || n.String() != "3" {
		t.Fatalf("result = %#v", decode(t, reply))
	}
}

func TestDispatchFalsyResultIsNotAnException(t *testing.T) {
	d, sess, _ := newFixture(t)
	reply := d.Dispatch(context.Background(), sess, request(t, 5, 0, nil))
	if reply.Flags.IsException() {
		t.Fatal("false result flagged as exception")
	}
	if decode(t, reply) != false {
		t.Fatalf("result = %#v", decode(t, reply))
	}
}

func TestDispatchUnhandledError(t *testing.T) {
	d, sess, logs := newFixture(t)
	reply := d.Dispatch(context.Background(), sess, request(t, 4, 0, []any{1, 0}))
	e := remoteError(t, reply)
	if e.Message != errDivide.Error() || e.Code != codes.Unknown {
		t.Fatalf("remote error = %+v", e)
	}
	if logs.FilterMessage("action failed").Len() != 1 {
		t.Fatal("unhandled error was not logged")
	}
}

func TestDispatchHandledException(t *testing.T) {
	fallback := &filter.Filter{
		Kind: "fallback",
		OnException: func(c *filter.ExceptionContext) {
			c.Handled = true
			c.Result = -1
		},
	}
	d, sess, _ := newFixture(t, WithFilters(fallback))
	reply := d.Dispatch(context.Background(), sess, request(t, 4, 0, []any{1, 0}))
	if reply.Flags.IsException() {
		t.Fatalf("handled exception produced an exception reply: %+v", remoteError(t, reply))
	}
	if n, ok := decode(t, reply).(interface{ String() string }); !ok || n.String() != "-1" {
		t.Fatalf("result = %#v", decode(t, reply))
	}
}

func TestDispatchErrors(t *testing.T) {
	tests := []struct {
		name    string
		cmd     uint32
		payload any
		code    codes.Code
	}{
		{"unknown command", 99, nil, codes.Unimplemented},
		{"remote role", 100, nil, codes.Unimplemented},
		{"missing field", 3, map[string]any{"a": 1}, codes.InvalidArgument},
		{"wrong type", 3, map[string]any{"a": "x", "b": 1}, codes.InvalidArgument},
		{"panic", 6, nil, codes.Internal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, sess, _ := newFixture(t)
			e := remoteError(t, d.Dispatch(context.Background(), sess, request(t, tt.cmd, 0, tt.payload)))
			if e.Code != tt.code || e.Message == "" {
				t.Fatalf("got %+v, want code %s", e, tt.code)
			}
		})
	}
}

func TestDispatchUndecodablePayload(t *testing.T) {
	d, sess, _ := newFixture(t)
	pkt := &protocol.Packet{Command: 3, CallID: 1, Payload: []byte("{not json")}
	if e := remoteError(t, d.Dispatch(context.Background(), sess, pkt)); e.Code != codes.InvalidArgument {
		t.Fatalf("got %+v", e)
	}
}

func TestDispatchOneWay(t *testing.T) {
	m := NewMap()
	ran := make(chan int, 1)
	must(t, m.Handle(7, "Fire", Action(func(_ context.Context, a *addArgs) (any, error) {
		ran <- a.A
		return "ignored", nil
	})))
	d := NewDispatcher(m, nil)
	sess := session.NewManager(nil, nil).Accept(session.KindRPC, "x", nil, nil)

	if reply := d.Dispatch(context.Background(), sess, request(t, 7, protocol.FlagOneWay, []any{9, 0})); reply != nil {
		t.Fatalf("one-way request produced %+v", reply)
	}
	if got := <-ran; got != 9 {
		t.Fatalf("handler saw %d", got)
	}
	// Failures stay silent too.
	if reply := d.Dispatch(context.Background(), sess, request(t, 7, protocol.FlagOneWay, "bad")); reply != nil {
		t.Fatalf("failed one-way request produced %+v", reply)
	}
}

func TestHandlerSeesSession(t *testing.T) {
	m := NewMap()
	must(t, m.Handle(8, "WhoAmI", Raw(func(ctx context.Context, _ any) (any, error) {
		sess, ok := session.FromContext(ctx)
		if !ok {
			return nil, errors.New("no session")
		}
		user, _ := sess.Get("user")
		return user, nil
	})))
	d := NewDispatcher(m, nil)
	sess := session.NewManager(nil, nil).Accept(session.KindWebSocket, "x", nil, nil)
	sess.Set("user", "alice")

	reply := d.Dispatch(context.Background(), sess, request(t, 8, 0, nil))
	if decode(t, reply) != "alice" {
		t.Fatalf("result = %#v", decode(t, reply))
	}
}

func TestFilterOrderThroughDispatch(t *testing.T) {
	var order []int
	mk := func(n int) *filter.Filter {
		return &filter.Filter{
			Kind:   "f" + string(rune('a'+n+1)),
			Order:  n,
			Before: func(*filter.ExecutingContext) { order = append(order, n) },
			After:  func(*filter.ExecutedContext) { order = append(order, n) },
		}
	}
	m := NewMap()
	must(t, m.Use(mk(5), mk(-1)))
	must(t, m.Handle(3, "Add", Action(func(_ context.Context, a *addArgs) (int, error) {
		return a.A + a.B, nil
	}), WithFilters(mk(0))))
	d := NewDispatcher(m, nil)
	sess := session.NewManager(nil, nil).Accept(session.KindRPC, "x", nil, nil)
	d.Dispatch(context.Background(), sess, request(t, 3, 0, []any{1, 2}))

	want := []int{-1, 0, 5, 5, 0, -1}
	if len(order) != len(want) {
		t.Fatalf("order = %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestProtocolScopedFilters(t *testing.T) {
	m := NewMap()
	hits := map[session.Kind]int{}
	count := &filter.Filter{Kind: "count", Before: func(c *filter.ExecutingContext) { hits[c.Call.Protocol]++ }}
	must(t, m.UseFor(session.KindWebSocket, count))
	rpcOnly := &filter.Filter{Kind: "rpc", Protocols: []session.Kind{session.KindRPC}, Before: func(*filter.ExecutingContext) {}}
	if err := m.UseFor(session.KindHTTP, rpcOnly); !errors.Is(err, filter.ErrIncompatibleFilter) {
		t.Fatalf("UseFor = %v", err)
	}
	must(t, m.Handle(1, "Echo", Raw(func(_ context.Context, v any) (any, error) { return v, nil })))
	d := NewDispatcher(m, nil)

	mgr := session.NewManager(nil, nil)
	for _, k := range session.Kinds {
		d.Dispatch(context.Background(), mgr.Accept(k, "x", nil, nil), request(t, 1, 0, "hi"))
	}
	if hits[session.KindWebSocket] != 1 || hits[session.KindRPC] != 0 || hits[session.KindHTTP] != 0 {
		t.Fatalf("hits = %v", hits)
	}
}

func TestMapConfigurationErrors(t *testing.T) {
	m := NewMap()
	echo := Raw(func(_ context.Context, v any) (any, error) { return v, nil })
	if err := m.Handle(0, "Heartbeat", echo); !errors.Is(err, ErrReservedCommand) {
		t.Fatalf("cmd 0: %v", err)
	}
	must(t, m.Handle(1, "Echo", echo))
	if err := m.Handle(1, "Echo2", echo); !errors.Is(err, ErrDuplicateCommand) {
		t.Fatalf("duplicate: %v", err)
	}
	if err := m.Handle(2, "Broken", Handler{}); !errors.Is(err, ErrInvalidHandler) {
		t.Fatalf("empty handler: %v", err)
	}
	must(t, m.Route("GET", "/echo/:v", "Echo", echo))
	if err := m.Route("GET", "/echo/:v", "Echo", echo); !errors.Is(err, ErrDuplicateRoute) {
		t.Fatalf("duplicate route: %v", err)
	}
	if err := m.Use(&filter.Filter{Kind: "noop"}); !errors.Is(err, filter.ErrInvalidFilter) {
		t.Fatalf("hookless filter: %v", err)
	}
	m.Freeze()
	if err := m.Handle(3, "Late", echo); !errors.Is(err, ErrFrozen) {
		t.Fatalf("after freeze: %v", err)
	}
	if d, ok := m.Lookup("Echo"); !ok || d.Command != 1 {
		t.Fatal("Lookup failed")
	}
	if routes := m.Routes(); len(routes) != 1 || routes[0].Route() != "GET /echo/:v" {
		t.Fatalf("routes = %v", routes)
	}
}

func TestStatus(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{nil, codes.OK},
		{&bind.Error{Msg: "x"}, codes.InvalidArgument},
		{correlation.ErrTimeout, codes.DeadlineExceeded},
		{context.Canceled, codes.Canceled},
		{correlation.ErrConnectionClosed, codes.Unavailable},
		{&filter.ActionError{Err: message.Errorf(codes.NotFound, "gone")}, codes.NotFound},
		{errors.New("plain"), codes.Unknown},
	}
	for _, tt := range tests {
		if got := Status(tt.err); got != tt.want {
			t.Errorf("Status(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestPanicInPostHookKeepsStack(t *testing.T) {
	m := NewMap()
	must(t, m.Handle(3, "Arith.Add", Action(func(_ context.Context, a *addArgs) (int, error) {
		return a.A + a.B, nil
	}), WithFilters(&filter.Filter{
		Kind:  "broken",
		After: func(*filter.ExecutedContext) { panic("after hook") },
	})))
	d := NewDispatcher(m, zap.NewNop())
	sess := session.NewManager(correlation.NewTable(), nil).Accept(session.KindRPC, "test", nil, codec.Default())
	desc, _ := m.Resolve(3)

	_, err := d.Execute(context.Background(), sess, desc, []any{1, 2})
	var pe *filter.PanicError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *filter.PanicError", err)
	}
	if len(pe.Stack) == 0 {
		t.Fatal("recovered panic carries no stack")
	}
}
