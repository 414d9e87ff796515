package registry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryRegistry(t *testing.T) {
	reg := NewMemory()
	ctx := context.Background()

	reg.Register(ctx, "Arith", Endpoint{Addr: ":8001", Weight: 10}, 10)
	reg.Register(ctx, "Arith", Endpoint{Addr: ":8002", Weight: 5}, 10)
	reg.Register(ctx, "Arith", Endpoint{Addr: ":8002", Weight: 7}, 10) // re-register replaces

	eps, _ := reg.Discover(ctx, "Arith")
	if len(eps) != 2 {
		t.Fatalf("expect 2 endpoints, got %+v", eps)
	}
	if err := reg.Deregister(ctx, "Arith", ":8001"); err != nil {
		t.Fatal(err)
	}
	if err := reg.Deregister(ctx, "Arith", ":8001"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second deregister: %v", err)
	}
	eps, _ = reg.Discover(ctx, "Arith")
	if len(eps) != 1 || eps[0].Weight != 7 {
		t.Fatalf("after deregister: %+v", eps)
	}
}

func TestMemoryWatch(t *testing.T) {
	reg := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	updates := reg.Watch(ctx, "Echo")

	if eps := <-updates; len(eps) != 0 {
		t.Fatalf("initial = %+v", eps)
	}
	reg.Register(ctx, "Echo", Endpoint{Addr: "a"}, 0)
	reg.Register(ctx, "Echo", Endpoint{Addr: "b"}, 0)

	// Unread updates collapse into the latest list.
	if eps := <-updates; len(eps) != 2 {
		t.Fatalf("latest = %+v", eps)
	}

	cancel()
	select {
	case _, ok := <-updates:
		if ok {
			t.Fatal("unexpected update after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("watch channel not closed")
	}
}

func TestEndpointSpeaks(t *testing.T) {
	open := Endpoint{Addr: "x"}
	rpc := Endpoint{Addr: "y", Protocols: []string{"rpc", "http"}}
	if !open.Speaks("websocket") || !rpc.Speaks("http") || rpc.Speaks("websocket") {
		t.Fatal("Speaks mismatch")
	}
}
