// Package server runs one listener that speaks the binary RPC protocol,
// WebSocket and HTTP at once, and dispatches every request to the same
// registered actions.
//
// Connection lifecycle:
//
//	Accept conn → detect protocol (bounded lookahead, peeked bytes replayed)
//	  → rpc:        read preface → Peer (read loop + write pump) → Dispatcher
//	  → websocket:  http.Server → upgrade → Peer over binary messages → Dispatcher
//	  → http:       http.Server → route or JSON-RPC bridge → Dispatcher.Execute
//
// RPC and WebSocket sessions are full duplex: the server can call actions
// the remote side registered over the same connection (Server.Call).
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	"muxrpc/codec"
	"muxrpc/correlation"
	"muxrpc/detect"
	"muxrpc/filter"
	"muxrpc/registry"
	"muxrpc/service"
	"muxrpc/session"
	"muxrpc/transport"
)

var (
	ErrServerClosed = errors.New("server: closed")
	ErrStarted      = errors.New("server: already started")
)

// Server owns the listener, the action map, the sessions and the
// correlation table for calls it initiates.
type Server struct {
	opts       Options
	logger     *zap.Logger
	services   *service.Map
	table      *correlation.Table
	sessions   *session.Manager
	dispatcher *service.Dispatcher
	detector   *detect.Detector

	listener  net.Listener
	httpLn    *connListener
	httpSrv   *http.Server
	httpConns sync.Map // net.Conn -> *httpConn
	advertise string   // address written to the registry, empty when not advertised

	started  atomic.Bool
	shutdown atomic.Bool // set before the listener closes so Accept errors read as intentional
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{} // raw connections owned by handleConn
}

// New creates a server. Actions and filters are registered on Services()
// before Start.
func New(opts ...Option) *Server {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	table := correlation.NewTable()
	return &Server{
		opts:     o,
		logger:   o.Logger.Named("server"),
		services: service.NewMap(),
		table:    table,
		sessions: session.NewManager(table, o.Logger),
		conns:    make(map[net.Conn]struct{}),
	}
}

func (s *Server) Services() *service.Map          { return s.services }
func (s *Server) Sessions() *session.Manager      { return s.sessions }
func (s *Server) Table() *correlation.Table       { return s.table }
func (s *Server) Dispatcher() *service.Dispatcher { return s.dispatcher }

// Handle registers an action under cmd.
func (s *Server) Handle(cmd uint32, name string, h service.Handler, opts ...service.Option) error {
	return s.services.Handle(cmd, name, h, opts...)
}

// Use registers global filters.
func (s *Server) Use(fs ...*filter.Filter) error {
	return s.services.Use(fs...)
}

// Addr returns the bound address, nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start freezes the action map, binds the listener and serves in the
// background until Stop. ctx bounds the startup work only.
//
// Startup order:
//  1. Freeze the action map and compile every pipeline
//  2. Build the HTTP route table (conflicting routes fail here)
//  3. Listen, then start the sweeper, the HTTP server and the accept loop
//  4. Advertise the bound address to the registry, if one is configured
func (s *Server) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrStarted
	}
	s.dispatcher = service.NewDispatcher(s.services, s.opts.Logger)
	handler, err := s.buildHandler()
	if err != nil {
		s.started.Store(false)
		return err
	}
	s.detector = detect.New(detect.Defaults(),
		detect.WithLookahead(s.opts.Lookahead),
		detect.WithTimeout(s.opts.DetectTimeout))

	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		s.started.Store(false)
		return fmt.Errorf("listen %s: %w", s.opts.Addr, err)
	}
	if s.opts.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.opts.MaxConns)
	}
	s.listener = ln
	s.httpLn = newConnListener(ln.Addr())
	s.httpSrv = &http.Server{
		Handler:           handler,
		ConnContext:       s.connContext,
		ConnState:         s.connState,
		ErrorLog:          zap.NewStdLog(s.logger.Named("http")),
		ReadHeaderTimeout: s.opts.DetectTimeout,
		IdleTimeout:       s.opts.IdleTimeout,
	}

	bg, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	if s.opts.SweepInterval > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.table.Run(bg, s.opts.SweepInterval)
		}()
	}
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.Serve(s.httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server failed", zap.Error(err))
		}
	}()
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()
	s.logger.Info("listening", zap.Stringer("addr", ln.Addr()))

	if s.opts.Registry != nil {
		addr := s.opts.AdvertiseAddr
		if addr == "" {
			addr = ln.Addr().String()
		}
		ep := registry.Endpoint{
			Addr:      addr,
			Protocols: protocolNames(),
			Weight:    s.opts.Weight,
			Version:   s.opts.Version,
		}
		if err := s.opts.Registry.Register(ctx, s.opts.ServiceName, ep, s.opts.RegistryTTL); err != nil {
			s.Stop(context.Background())
			return fmt.Errorf("advertise %s: %w", addr, err)
		}
		s.advertise = addr
	}
	return nil
}

func protocolNames() []string {
	names := make([]string, 0, len(session.Kinds))
	for _, k := range session.Kinds {
		names = append(names, k.String())
	}
	return names
}

// acceptLoop hands every connection to its own goroutine.
func (s *Server) acceptLoop() {
	var backoff time.Duration
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.shutdown.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			// Typically fd exhaustion; retry with growing pauses.
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff < time.Second {
				backoff *= 2
			}
			s.logger.Warn("accept failed", zap.Error(err), zap.Duration("retry_in", backoff))
			time.Sleep(backoff)
			continue
		}
		backoff = 0
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// handleConn classifies conn and routes it to its protocol handler. A
// connection whose first bytes match no protocol is closed without ever
// becoming a session.
func (s *Server) handleConn(raw net.Conn) {
	if !s.track(raw) {
		raw.Close()
		return
	}
	defer s.untrack(raw)

	proto, conn, err := s.detector.Detect(raw)
	if err != nil {
		s.logger.Debug("protocol detection failed",
			zap.String("remote", raw.RemoteAddr().String()),
			zap.Error(err))
		raw.Close()
		return
	}

	switch proto.Kind {
	case session.KindRPC:
		s.serveRPC(conn)
	default:
		// WebSocket upgrades and plain requests are both HTTP on the wire.
		if !s.httpLn.deliver(conn) {
			conn.Close()
		}
	}
}

func (s *Server) serveRPC(conn net.Conn) {
	c, err := transport.ReadPreface(conn, s.opts.DetectTimeout)
	if err != nil {
		s.logger.Debug("rejecting rpc stream",
			zap.String("remote", conn.RemoteAddr().String()),
			zap.Error(err))
		conn.Close()
		return
	}
	fc := transport.NewStreamConn(conn, s.opts.MaxPayload, s.opts.IdleTimeout, s.opts.WriteTimeout)
	s.servePeer(session.KindRPC, conn.RemoteAddr().String(), fc, c)
}

// servePeer runs a stream session until its connection ends.
func (s *Server) servePeer(kind session.Kind, remote string, fc transport.FrameConn, c codec.Codec) {
	peer := transport.NewPeer(fc, s.dispatcher, s.table, transport.Options{
		Logger:    s.opts.Logger,
		SendQueue: s.opts.SendQueue,
		Heartbeat: s.opts.Heartbeat,
	})
	sess := s.sessions.Accept(kind, remote, peer, c)
	if s.shutdown.Load() {
		sess.Close(ErrServerClosed)
	}
	if err := peer.Serve(sess); err != nil {
		s.logger.Debug("session ended",
			zap.String("session", sess.ID()),
			zap.Stringer("kind", kind),
			zap.Error(err))
	}
}

func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown.Load() {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}

// Call invokes cmd on the remote side of sess and waits for its reply. Only
// RPC and WebSocket sessions can carry server-initiated calls.
func (s *Server) Call(ctx context.Context, sess *session.Session, cmd uint32, args any) (any, error) {
	return transport.Call(ctx, s.table, sess, cmd, args, s.opts.CallTimeout)
}

// Notify sends a one-way request to the remote side of sess.
func (s *Server) Notify(sess *session.Session, cmd uint32, args any) error {
	return transport.Notify(sess, cmd, args)
}

// Broadcast notifies every live session of kind (zero for all kinds) that
// can carry server-initiated packets. It returns how many were sent.
func (s *Server) Broadcast(kind session.Kind, cmd uint32, args any) int {
	n := 0
	for _, sess := range s.sessions.Snapshot(kind) {
		if !sess.CanSend() {
			continue
		}
		if err := transport.Notify(sess, cmd, args); err != nil {
			s.logger.Debug("broadcast skipped session", zap.String("session", sess.ID()), zap.Error(err))
			continue
		}
		n++
	}
	return n
}

// Stop performs graceful shutdown:
//  1. Deregister from the registry, so clients stop picking this endpoint
//  2. Set the shutdown flag, then close the listener
//  3. Close every session; pending calls fail with ErrConnectionClosed
//  4. Shut the HTTP server down and wait for background goroutines
//
// ctx bounds the wait. Every failure is reported, combined.
func (s *Server) Stop(ctx context.Context) error {
	if !s.started.Load() || !s.shutdown.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if s.opts.Registry != nil && s.advertise != "" {
		err = multierr.Append(err, s.opts.Registry.Deregister(ctx, s.opts.ServiceName, s.advertise))
	}
	if cerr := s.listener.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
		err = multierr.Append(err, cerr)
	}

	closed := s.sessions.CloseAll(ErrServerClosed)
	s.closeConns()
	err = multierr.Append(err, s.httpSrv.Shutdown(ctx))
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = multierr.Append(err, fmt.Errorf("waiting for connections: %w", ctx.Err()))
	}
	s.logger.Info("stopped", zap.Int("sessions_closed", closed), zap.Error(err))
	return err
}
