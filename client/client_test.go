package client

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc/codes"

	"muxrpc/bind"
	"muxrpc/codec"
	"muxrpc/correlation"
	"muxrpc/loadbalance"
	"muxrpc/message"
	"muxrpc/registry"
	"muxrpc/server"
	"muxrpc/service"
	"muxrpc/session"
)

type Args struct {
	A, B int
}

func (a *Args) BindPayload(v any) error {
	return bind.Fields(v,
		bind.Required("a", bind.Int(&a.A)),
		bind.Optional("b", bind.Int(&a.B)),
	)
}

type Reply struct {
	Result int
}

func (r *Reply) BindPayload(v any) error {
	return bind.Int(&r.Result)(v)
}

type testServer struct {
	*server.Server
	fired    chan int
	release  chan struct{}
	sessions chan *session.Session
}

func startServer(t *testing.T, name string, opts ...server.Option) *testServer {
	t.Helper()
	ts := &testServer{
		fired:    make(chan int, 4),
		release:  make(chan struct{}),
		sessions: make(chan *session.Session, 4),
	}
	opts = append([]server.Option{
		server.WithAddr("127.0.0.1:0"),
		server.WithLogger(zaptest.NewLogger(t)),
	}, opts...)
	s := server.New(opts...)
	s.Handle(3, "Arith.Add", service.Action(func(_ context.Context, a *Args) (int, error) {
		return a.A + a.B, nil
	}))
	s.Handle(4, "Arith.Div", service.Action(func(_ context.Context, a *Args) (int, error) {
		if a.B == 0 {
			return 0, message.Errorf(codes.InvalidArgument, "division by zero")
		}
		return a.A / a.B, nil
	}))
	s.Handle(5, "Slow", service.Raw(func(ctx context.Context, _ any) (any, error) {
		select {
		case <-ts.release:
		case <-ctx.Done():
		}
		return nil, nil
	}))
	s.Handle(6, "Whoami", service.Raw(func(context.Context, any) (any, error) {
		return name, nil
	}))
	s.Handle(7, "Events.Fire", service.Action(func(_ context.Context, a *Args) (any, error) {
		ts.fired <- a.A
		return nil, nil
	}))
	s.Sessions().OnConnect(func(sess *session.Session) {
		select {
		case ts.sessions <- sess:
		default:
		}
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		close(ts.release)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	ts.Server = s
	return ts
}

func dial(t *testing.T, s *testServer, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	c, err := Dial(context.Background(), s.Addr().String(), opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClientCall(t *testing.T) {
	s := startServer(t, "a")
	c := dial(t, s)

	// Call Arith.Add(1, 2) = 3. Field names bind case-insensitively, so
	// the struct's "A"/"B" keys reach the "a"/"b" parameters.
	reply := &Reply{}
	if err := c.CallInto(context.Background(), 3, &Args{A: 1, B: 2}, reply); err != nil {
		t.Fatal(err)
	}
	if reply.Result != 3 {
		t.Fatalf("Expect result = 3, get %v", reply.Result)
	}
}

func TestClientProtoCodec(t *testing.T) {
	s := startServer(t, "a")
	c := dial(t, s, WithCodec(&codec.ProtoCodec{}))

	v, err := c.Call(context.Background(), 3, []int{4, 5})
	if err != nil {
		t.Fatal(err)
	}
	if v != float64(9) {
		t.Fatalf("result = %#v", v)
	}
}

func TestClientRemoteError(t *testing.T) {
	s := startServer(t, "a")
	c := dial(t, s)

	_, err := c.Call(context.Background(), 4, []int{1, 0})
	var remote *message.Error
	if !errors.As(err, &remote) || remote.Code != codes.InvalidArgument {
		t.Fatalf("got %v", err)
	}
}

func TestClientNotify(t *testing.T) {
	s := startServer(t, "a")
	c := dial(t, s)

	if err := c.Notify(7, []int{11}); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-s.fired:
		if got != 11 {
			t.Fatalf("handler saw %d", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification never arrived")
	}
}

func TestServerCallsClient(t *testing.T) {
	s := startServer(t, "a")

	local := service.NewMap()
	local.Handle(9, "Client.Echo", service.Raw(func(_ context.Context, v any) (any, error) {
		return fmt.Sprint("echo: ", v), nil
	}))
	dial(t, s, WithServices(local))

	var sess *session.Session
	select {
	case sess = <-s.sessions:
	case <-time.After(2 * time.Second):
		t.Fatal("no session")
	}
	v, err := s.Call(context.Background(), sess, 9, "hi")
	if err != nil {
		t.Fatal(err)
	}
	if v != "echo: hi" {
		t.Fatalf("result = %#v", v)
	}
}

func TestClientCloseFailsPendingCalls(t *testing.T) {
	s := startServer(t, "a")
	c := dial(t, s, WithCallTimeout(0))

	errc := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), 5, nil)
		errc <- err
	}()
	deadline := time.Now().Add(2 * time.Second)
	for c.table.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	c.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, correlation.ErrConnectionClosed) {
			t.Fatalf("got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call survived Close")
	}
	if _, err := c.Call(context.Background(), 3, []int{1, 2}); err == nil {
		t.Fatal("call on a closed client succeeded")
	}
}

func TestHeartbeatKeepsIdleConnection(t *testing.T) {
	s := startServer(t, "a", server.WithIdleTimeout(200*time.Millisecond), server.WithHeartbeat(0))
	c := dial(t, s, WithHeartbeat(50*time.Millisecond))

	time.Sleep(600 * time.Millisecond)
	if _, err := c.Call(context.Background(), 3, []int{1, 1}); err != nil {
		t.Fatalf("idle connection dropped despite heartbeats: %v", err)
	}

	silent := dial(t, s, WithHeartbeat(0))
	select {
	case <-silent.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("silent connection outlived the idle timeout")
	}
}

func TestDialWebSocket(t *testing.T) {
	s := startServer(t, "a")
	c, err := DialWebSocket(context.Background(), "ws://"+s.Addr().String()+"/ws",
		WithLogger(zaptest.NewLogger(t)), WithCodec(&codec.ProtoCodec{}))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if c.Session().Codec().Name() != "muxrpc.proto" {
		t.Fatalf("negotiated %s", c.Session().Codec().Name())
	}

	v, err := c.Call(context.Background(), 3, map[string]int{"a": 2, "b": 5})
	if err != nil {
		t.Fatal(err)
	}
	if v != float64(7) {
		t.Fatalf("result = %#v", v)
	}
}

func TestBalancedAcrossServers(t *testing.T) {
	reg := registry.NewMemory()
	a := startServer(t, "a", server.WithRegistry(reg, "arith"))
	startServer(t, "b", server.WithRegistry(reg, "arith"))

	bal := NewBalanced(reg, &loadbalance.RoundRobinBalancer{}, "arith", WithLogger(zaptest.NewLogger(t)))
	defer bal.Close()
	ctx := context.Background()

	seen := map[any]bool{}
	for i := 0; i < 10; i++ {
		v, err := bal.Call(ctx, "", 6, nil)
		if err != nil {
			t.Fatal(err)
		}
		seen[v] = true
	}
	if len(seen) != 2 {
		t.Fatalf("round robin reached %v", seen)
	}

	// Once a leaves the registry every call lands on b.
	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.Stop(stopCtx); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		eps, _ := bal.Endpoints(ctx)
		if len(eps) == 1 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	for i := 0; i < 3; i++ {
		v, err := bal.Call(ctx, "", 6, nil)
		if err != nil {
			t.Fatal(err)
		}
		if v != "b" {
			t.Fatalf("call %d went to %v", i, v)
		}
	}
}

func TestBalancedNoEndpoints(t *testing.T) {
	bal := NewBalanced(registry.NewMemory(), nil, "nothing")
	defer bal.Close()
	if _, err := bal.Call(context.Background(), "", 3, nil); !errors.Is(err, loadbalance.ErrNoEndpoints) {
		t.Fatalf("got %v", err)
	}
}
