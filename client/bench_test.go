package client

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"muxrpc/server"
	"muxrpc/service"
)

func setupBench(b *testing.B) *Client {
	b.Helper()
	s := server.New(server.WithAddr("127.0.0.1:0"), server.WithLogger(zap.NewNop()))
	s.Handle(3, "Arith.Add", service.Action(func(_ context.Context, a *Args) (int, error) {
		return a.A + a.B, nil
	}))
	if err := s.Start(context.Background()); err != nil {
		b.Fatal(err)
	}
	c, err := Dial(context.Background(), s.Addr().String())
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() {
		c.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return c
}

// One goroutine, one call in flight.
func BenchmarkSerialCall(b *testing.B) {
	c := setupBench(b)
	args := map[string]int{"a": 1, "b": 2}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := c.Call(context.Background(), 3, args); err != nil {
			b.Fatal(err)
		}
	}
}

// Many goroutines sharing one multiplexed connection.
func BenchmarkConcurrentCall(b *testing.B) {
	c := setupBench(b)
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		args := map[string]int{"a": 1, "b": 2}
		for pb.Next() {
			if _, err := c.Call(context.Background(), 3, args); err != nil {
				b.Error(err)
				return
			}
		}
	})
}
