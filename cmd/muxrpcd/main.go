// muxrpcd serves a small demo service on one port over the binary RPC
// protocol, WebSocket, plain HTTP routes and the JSON-RPC bridge.
//
//	muxrpcd -addr :8080 -etcd 127.0.0.1:2379 -advertise 10.0.0.5:8080
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"muxrpc/bind"
	"muxrpc/message"
	"muxrpc/middleware"
	"muxrpc/registry"
	"muxrpc/server"
	"muxrpc/service"
	"muxrpc/session"
)

// Command ids of the demo service.
const (
	cmdAdd    = 1
	cmdDiv    = 2
	cmdLogin  = 10
	cmdWhoami = 11
	cmdSay    = 20
	cmdChat   = 100 // pushed to WebSocket sessions
)

type pair struct {
	A, B int
}

func (p *pair) BindPayload(v any) error {
	return bind.Fields(v,
		bind.Required("a", bind.Int(&p.A)),
		bind.Required("b", bind.Int(&p.B)),
	)
}

type login struct {
	User string
}

func (l *login) BindPayload(v any) error {
	return bind.Fields(v, bind.Required("user", bind.String(&l.User)))
}

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	etcd := flag.String("etcd", os.Getenv("MUXRPC_ETCD"), "comma separated etcd endpoints; empty disables registration")
	name := flag.String("service", "muxrpc", "service name to register")
	advertise := flag.String("advertise", "", "address published to the registry")
	rate := flag.Float64("rate", 1000, "calls per second per session")
	timeout := flag.Duration("timeout", 5*time.Second, "per-call handler timeout")
	dev := flag.Bool("dev", false, "human readable logs")
	flag.Parse()

	logger, err := newLogger(*dev)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	opts := []server.Option{server.WithAddr(*addr), server.WithLogger(logger)}
	if *etcd != "" {
		reg, err := registry.NewEtcdRegistry(strings.Split(*etcd, ","), registry.WithLogger(logger))
		if err != nil {
			logger.Fatal("connect etcd", zap.Error(err))
		}
		defer reg.Close()
		opts = append(opts, server.WithRegistry(reg, *name))
		if *advertise != "" {
			opts = append(opts, server.WithAdvertiseAddr(*advertise))
		}
	}

	srv := server.New(opts...)
	if err := srv.Use(
		middleware.Tracing(nil),
		middleware.Logging(logger),
		middleware.SessionRateLimit(*rate, int(*rate)),
		middleware.Timeout(*timeout),
	); err != nil {
		logger.Fatal("install filters", zap.Error(err))
	}
	if err := register(srv); err != nil {
		logger.Fatal("register actions", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := srv.Start(ctx); err != nil {
		logger.Fatal("start", zap.Error(err))
	}
	<-ctx.Done()

	shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(shutdown); err != nil {
		logger.Error("shutdown", zap.Error(err))
	}
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func register(srv *server.Server) error {
	m := srv.Services()
	add := service.Action(func(_ context.Context, p *pair) (int, error) {
		return p.A + p.B, nil
	})
	div := service.Action(func(_ context.Context, p *pair) (int, error) {
		if p.B == 0 {
			return 0, message.Errorf(codes.InvalidArgument, "division by zero")
		}
		return p.A / p.B, nil
	})
	whoami := service.Raw(func(ctx context.Context, _ any) (any, error) {
		sess, _ := session.FromContext(ctx)
		user, _ := sess.Get("user")
		return user, nil
	})
	say := service.Raw(func(ctx context.Context, v any) (any, error) {
		sess, _ := session.FromContext(ctx)
		user, _ := sess.Get("user")
		n := srv.Broadcast(session.KindWebSocket, cmdChat, map[string]any{"from": user, "text": v})
		return n, nil
	})
	authed := service.WithFilters(middleware.RequireTag("user"))

	for _, err := range []error{
		m.Handle(cmdAdd, "Arith.Add", add),
		m.Handle(cmdDiv, "Arith.Div", div),
		m.Handle(cmdLogin, "Auth.Login", service.Action(func(ctx context.Context, l *login) (string, error) {
			sess, _ := session.FromContext(ctx)
			sess.Set("user", l.User)
			return sess.ID(), nil
		})),
		m.Handle(cmdWhoami, "Auth.Whoami", whoami, authed),
		m.Handle(cmdSay, "Chat.Say", say, authed),
		m.Remote(cmdChat, "Chat.Message"),
		m.Route("GET", "/arith/add", "Arith.AddQuery", add),
		m.Route("GET", "/arith/div/:a/:b", "Arith.DivPath", div),
		m.Route("GET", "/sessions", "Sessions.Count", service.Raw(func(context.Context, any) (any, error) {
			counts := make(map[string]int, len(session.Kinds))
			for _, k := range session.Kinds {
				counts[k.String()] = srv.Sessions().Count(k)
			}
			return counts, nil
		})),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}
