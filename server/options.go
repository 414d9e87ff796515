package server

import (
	"time"

	"go.uber.org/zap"

	"muxrpc/detect"
	"muxrpc/protocol"
	"muxrpc/registry"
	"muxrpc/transport"
)

// Options configures a Server. Zero durations disable the corresponding
// timeout.
type Options struct {
	Addr   string
	Logger *zap.Logger

	MaxPayload    int
	Lookahead     int
	DetectTimeout time.Duration
	IdleTimeout   time.Duration
	WriteTimeout  time.Duration
	Heartbeat     time.Duration
	CallTimeout   time.Duration // default bound on server-initiated calls
	SweepInterval time.Duration // how often expired calls are swept
	SendQueue     int
	MaxConns      int // zero means unlimited

	RPCPath       string // JSON-RPC 2.0 bridge
	WebSocketPath string

	Registry      registry.Registry
	ServiceName   string
	AdvertiseAddr string // defaults to the bound address
	RegistryTTL   int64
	Version       string
	Weight        int
}

func DefaultOptions() Options {
	return Options{
		Addr:          ":8080",
		Logger:        zap.NewNop(),
		MaxPayload:    protocol.DefaultMaxPayload,
		Lookahead:     detect.DefaultLookahead,
		DetectTimeout: detect.DefaultTimeout,
		IdleTimeout:   2 * time.Minute,
		WriteTimeout:  10 * time.Second,
		Heartbeat:     30 * time.Second,
		CallTimeout:   30 * time.Second,
		SweepInterval: time.Second,
		SendQueue:     transport.DefaultSendQueue,
		RPCPath:       "/rpc",
		WebSocketPath: "/ws",
		ServiceName:   "muxrpc",
		RegistryTTL:   10,
	}
}

type Option func(*Options)

func WithAddr(addr string) Option {
	return func(o *Options) { o.Addr = addr }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithMaxPayload bounds the payload of a single packet.
func WithMaxPayload(n int) Option {
	return func(o *Options) { o.MaxPayload = n }
}

// WithLookahead bounds how many bytes protocol detection may buffer.
func WithLookahead(n int) Option {
	return func(o *Options) { o.Lookahead = n }
}

// WithDetectTimeout bounds how long a new connection may take to show
// which protocol it speaks.
func WithDetectTimeout(d time.Duration) Option {
	return func(o *Options) { o.DetectTimeout = d }
}

// WithIdleTimeout closes stream sessions that receive nothing for d.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *Options) { o.IdleTimeout = d }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(o *Options) { o.WriteTimeout = d }
}

// WithHeartbeat sets the interval at which idle stream sessions are pinged.
func WithHeartbeat(d time.Duration) Option {
	return func(o *Options) { o.Heartbeat = d }
}

func WithCallTimeout(d time.Duration) Option {
	return func(o *Options) { o.CallTimeout = d }
}

// WithMaxConns caps the number of simultaneously accepted connections.
func WithMaxConns(n int) Option {
	return func(o *Options) { o.MaxConns = n }
}

// WithRegistry advertises the listener under service while the server runs.
func WithRegistry(reg registry.Registry, service string) Option {
	return func(o *Options) {
		o.Registry = reg
		if service != "" {
			o.ServiceName = service
		}
	}
}

// WithAdvertiseAddr sets the address written to the registry. The listen
// address (":8080") is usually not routable, so production setups pass an
// explicit host:port here.
func WithAdvertiseAddr(addr string) Option {
	return func(o *Options) { o.AdvertiseAddr = addr }
}

// WithPaths moves the JSON-RPC bridge and the WebSocket endpoint. An empty
// path disables that endpoint.
func WithPaths(rpc, websocket string) Option {
	return func(o *Options) {
		o.RPCPath = rpc
		o.WebSocketPath = websocket
	}
}
