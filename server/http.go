package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"muxrpc/codec"
	"muxrpc/message"
	"muxrpc/service"
	"muxrpc/session"
	"muxrpc/transport"
)

var ErrRouteConflict = errors.New("server: conflicting http routes")

// buildHandler assembles the route table: every registered route, the
// JSON-RPC bridge and the WebSocket endpoint. httprouter panics on
// conflicting patterns; that panic becomes ErrRouteConflict.
func (s *Server) buildHandler() (h http.Handler, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrRouteConflict, r)
		}
	}()

	router := httprouter.New()
	for _, desc := range s.services.Routes() {
		router.Handle(desc.Method, desc.Pattern, s.routeHandler(desc))
	}
	if s.opts.RPCPath != "" {
		bridge, err := newBridge(s)
		if err != nil {
			return nil, err
		}
		router.Handler(http.MethodPost, s.opts.RPCPath, bridge)
	}
	if s.opts.WebSocketPath != "" {
		router.GET(s.opts.WebSocketPath, s.serveWebSocket)
	}
	router.PanicHandler = func(w http.ResponseWriter, r *http.Request, v any) {
		s.logger.Error("http handler panicked", zap.String("path", r.URL.Path), zap.Any("panic", v))
		writeError(w, message.Errorf(codes.Internal, "internal error"))
	}
	return router, nil
}

// httpConn holds the session of one HTTP connection. The session is made on
// the first request and lives until the connection closes or is hijacked.
type httpConn struct {
	remote string
	mu     sync.Mutex
	sess   *session.Session
	closed bool
}

type connKey struct{}

func (s *Server) connContext(ctx context.Context, c net.Conn) context.Context {
	hc := &httpConn{remote: c.RemoteAddr().String()}
	s.httpConns.Store(c, hc)
	return context.WithValue(ctx, connKey{}, hc)
}

func (s *Server) connState(c net.Conn, state http.ConnState) {
	if state != http.StateClosed && state != http.StateHijacked {
		return
	}
	v, ok := s.httpConns.LoadAndDelete(c)
	if !ok {
		return
	}
	hc := v.(*httpConn)
	hc.mu.Lock()
	hc.closed = true
	sess := hc.sess
	hc.mu.Unlock()
	if sess != nil {
		sess.Close(nil)
	}
}

// httpSession returns the session of the connection r arrived on. release
// must be called when the request is done.
func (s *Server) httpSession(r *http.Request) (sess *session.Session, release func()) {
	hc, ok := r.Context().Value(connKey{}).(*httpConn)
	if !ok {
		// Served outside the listener, e.g. through ServeHTTP in a test.
		sess = s.sessions.Accept(session.KindHTTP, r.RemoteAddr, nil, codec.Default())
		return sess, func() { sess.Close(nil) }
	}
	hc.mu.Lock()
	defer hc.mu.Unlock()
	if hc.sess == nil {
		hc.sess = s.sessions.Accept(session.KindHTTP, hc.remote, nil, codec.Default())
		if hc.closed {
			hc.sess.Close(nil)
		}
	}
	return hc.sess, func() {}
}

// ServeHTTP serves the HTTP surface without the shared listener. It is
// valid after Start.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpSrv.Handler.ServeHTTP(w, r)
}

// routeHandler runs desc for an HTTP request. The payload is the JSON body
// merged with the query string and the path parameters, later sources
// winning on duplicate names.
func (s *Server) routeHandler(desc *service.Descriptor) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		sess, release := s.httpSession(r)
		defer release()

		payload, err := requestPayload(w, r, ps, s.opts.MaxPayload)
		if err != nil {
			writeError(w, service.Describe(err))
			return
		}
		result, err := s.dispatcher.Execute(r.Context(), sess, desc, payload)
		if err != nil {
			s.logger.Warn("http action failed",
				zap.String("route", desc.Route()),
				zap.String("session", sess.ID()),
				zap.Error(err))
			writeError(w, service.Describe(err))
			return
		}
		writeResult(w, result)
	}
}

func requestPayload(w http.ResponseWriter, r *http.Request, ps httprouter.Params, limit int) (any, error) {
	var body any
	if r.Body != nil {
		data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, int64(limit)))
		if err != nil {
			return nil, message.Errorf(codes.ResourceExhausted, "read body: %v", err)
		}
		if len(bytes.TrimSpace(data)) > 0 {
			if body, err = codec.Default().Decode(data); err != nil {
				return nil, message.Errorf(codes.InvalidArgument, "malformed JSON body: %v", err)
			}
		}
	}

	query := r.URL.Query()
	if len(query) == 0 && len(ps) == 0 {
		return body, nil
	}
	obj, ok := body.(map[string]any)
	if body == nil {
		obj, ok = make(map[string]any, len(query)+len(ps)), true
	}
	if !ok {
		return nil, message.Errorf(codes.InvalidArgument, "query and path parameters need a JSON object body")
	}
	for k, vs := range query {
		if len(vs) == 1 {
			obj[k] = vs[0]
			continue
		}
		list := make([]any, len(vs))
		for i, v := range vs {
			list[i] = v
		}
		obj[k] = list
	}
	for _, p := range ps {
		obj[p.Key] = p.Value
	}
	return obj, nil
}

func writeResult(w http.ResponseWriter, result any) {
	body, err := codec.Default().Encode(result)
	if err != nil {
		writeError(w, message.Errorf(codes.Internal, "encode result: %v", err))
		return
	}
	if body == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func writeError(w http.ResponseWriter, e *message.Error) {
	body, err := e.Encode(codec.Default())
	if err != nil {
		body, _ = (&message.Error{Code: e.Code, Message: e.Message}).Encode(codec.Default())
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(HTTPStatus(e.Code))
	w.Write(body)
}

// HTTPStatus maps a status code to the HTTP status an HTTP client sees.
func HTTPStatus(c codes.Code) int {
	switch c {
	case codes.OK:
		return http.StatusOK
	case codes.Canceled:
		return 499
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange:
		return http.StatusBadRequest
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists, codes.Aborted:
		return http.StatusConflict
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.Unimplemented:
		return http.StatusNotImplemented
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// serveWebSocket upgrades the request and runs the connection as a stream
// session. The negotiated subprotocol picks the payload codec.
func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	upgrader := websocket.Upgrader{
		Subprotocols:     transport.Subprotocols,
		HandshakeTimeout: s.opts.DetectTimeout,
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		s.logger.Debug("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	fc := transport.NewWSConn(ws, s.opts.MaxPayload, s.opts.IdleTimeout, s.opts.WriteTimeout)
	s.servePeer(session.KindWebSocket, r.RemoteAddr, fc, fc.Codec())
}
