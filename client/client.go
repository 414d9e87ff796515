// Package client connects to a muxrpc server over the binary RPC protocol
// or WebSocket.
//
// A connection is full duplex: calls issued here are multiplexed over it by
// call id, and the server may call actions registered on the client's own
// service map over the same connection.
//
//	goroutine-1 ──Call(cmd=3)──┐
//	goroutine-2 ──Call(cmd=4)──┼──→ one connection ──→ Server
//	server      ──Call(cmd=9)──┘    (actions in Options.Services answer it)
package client

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"muxrpc/bind"
	"muxrpc/codec"
	"muxrpc/correlation"
	"muxrpc/protocol"
	"muxrpc/service"
	"muxrpc/session"
	"muxrpc/transport"
)

type Options struct {
	Logger       *zap.Logger
	Codec        codec.Codec
	DialTimeout  time.Duration
	CallTimeout  time.Duration // zero waits until ctx is done
	Heartbeat    time.Duration // zero disables heartbeats
	IdleTimeout  time.Duration
	WriteTimeout time.Duration
	MaxPayload   int
	SendQueue    int
	Services     *service.Map // actions the server may call on this client
}

func DefaultOptions() Options {
	return Options{
		Logger:       zap.NewNop(),
		Codec:        codec.Default(),
		DialTimeout:  5 * time.Second,
		CallTimeout:  30 * time.Second,
		Heartbeat:    15 * time.Second,
		WriteTimeout: 10 * time.Second,
		MaxPayload:   protocol.DefaultMaxPayload,
		SendQueue:    transport.DefaultSendQueue,
	}
}

type Option func(*Options)

func WithLogger(l *zap.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithCodec selects the payload codec announced to the server.
func WithCodec(c codec.Codec) Option {
	return func(o *Options) { o.Codec = c }
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *Options) { o.DialTimeout = d }
}

func WithCallTimeout(d time.Duration) Option {
	return func(o *Options) { o.CallTimeout = d }
}

// WithHeartbeat sets how often an idle connection is pinged. Keep it below
// the server's idle timeout.
func WithHeartbeat(d time.Duration) Option {
	return func(o *Options) { o.Heartbeat = d }
}

func WithIdleTimeout(d time.Duration) Option {
	return func(o *Options) { o.IdleTimeout = d }
}

// WithServices registers the actions the server may invoke on this client.
func WithServices(m *service.Map) Option {
	return func(o *Options) { o.Services = m }
}

func apply(opts []Option) Options {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Codec == nil {
		o.Codec = codec.Default()
	}
	return o
}

// Client is one connection to a server.
type Client struct {
	opts   Options
	logger *zap.Logger
	table  *correlation.Table
	sess   *session.Session
	done   chan struct{}
	err    error
}

// Dial opens an RPC stream to addr and announces the payload codec.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	o := apply(opts)
	d := net.Dialer{Timeout: o.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if err := transport.WritePreface(conn, o.Codec); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write preface: %w", err)
	}
	fc := transport.NewStreamConn(conn, o.MaxPayload, o.IdleTimeout, o.WriteTimeout)
	return start(session.KindRPC, addr, fc, o.Codec, o), nil
}

// DialWebSocket connects to a server's WebSocket endpoint, e.g.
// "ws://host:8080/ws". The codec is negotiated as a subprotocol.
func DialWebSocket(ctx context.Context, url string, opts ...Option) (*Client, error) {
	o := apply(opts)
	dialer := websocket.Dialer{
		HandshakeTimeout: o.DialTimeout,
		Subprotocols:     []string{o.Codec.Name()},
	}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	fc := transport.NewWSConn(ws, o.MaxPayload, o.IdleTimeout, o.WriteTimeout)
	return start(session.KindWebSocket, url, fc, fc.Codec(), o), nil
}

func start(kind session.Kind, remote string, fc transport.FrameConn, c codec.Codec, o Options) *Client {
	services := o.Services
	if services == nil {
		services = service.NewMap()
	}
	logger := o.Logger.Named("client")
	table := correlation.NewTable()
	peer := transport.NewPeer(fc, service.NewDispatcher(services, o.Logger), table, transport.Options{
		Logger:    o.Logger,
		SendQueue: o.SendQueue,
		Heartbeat: o.Heartbeat,
	})
	sess := session.NewManager(table, o.Logger).Accept(kind, remote, peer, c)

	cl := &Client{
		opts:   o,
		logger: logger,
		table:  table,
		sess:   sess,
		done:   make(chan struct{}),
	}
	go func() {
		cl.err = peer.Serve(sess)
		if cl.err != nil {
			logger.Warn("connection lost", zap.String("remote", remote), zap.Error(cl.err))
		}
		close(cl.done)
	}()
	return cl
}

// Call invokes cmd on the server and returns the decoded result. A remote
// failure is returned as a *message.Error.
func (c *Client) Call(ctx context.Context, cmd uint32, args any) (any, error) {
	return transport.Call(ctx, c.table, c.sess, cmd, args, c.opts.CallTimeout)
}

// CallInto invokes cmd and binds the result onto reply.
func (c *Client) CallInto(ctx context.Context, cmd uint32, args any, reply bind.Binder) error {
	v, err := c.Call(ctx, cmd, args)
	if err != nil {
		return err
	}
	return reply.BindPayload(v)
}

// Notify sends a one-way request.
func (c *Client) Notify(cmd uint32, args any) error {
	return transport.Notify(c.sess, cmd, args)
}

// Session is the client's end of the connection.
func (c *Client) Session() *session.Session { return c.sess }

// Done is closed once the connection has ended.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended; nil while it is up or after an
// orderly close.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close ends the connection. Calls still waiting fail with
// correlation.ErrConnectionClosed.
func (c *Client) Close() error {
	c.sess.Close(nil)
	<-c.done
	return nil
}
