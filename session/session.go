// Package session owns the live connections of a server once their protocol
// has been classified.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"muxrpc/codec"
	"muxrpc/protocol"
)

// Kind is the protocol a connection was classified as.
type Kind uint8

const (
	KindRPC Kind = iota + 1
	KindWebSocket
	KindHTTP
)

// Kinds lists every protocol kind in detection priority order.
var Kinds = []Kind{KindRPC, KindWebSocket, KindHTTP}

func (k Kind) String() string {
	switch k {
	case KindRPC:
		return "rpc"
	case KindWebSocket:
		return "websocket"
	case KindHTTP:
		return "http"
	}
	return "unknown"
}

var (
	ErrClosed     = errors.New("session: closed")
	ErrNoOutbound = errors.New("session: protocol cannot carry server-initiated packets")
)

// Outbound is the write side of a stream transport. Send must be safe for
// concurrent use and must not interleave frames.
type Outbound interface {
	Send(p *protocol.Packet) error
	Close() error
}

// Session is one classified, live connection. It is created and destroyed by
// a Manager; everything else only holds references to it.
type Session struct {
	id      string
	remote  string
	kind    Kind
	created time.Time
	codec   codec.Codec
	out     Outbound
	manager *Manager

	ctx    context.Context
	cancel context.CancelFunc
	alive  atomic.Bool

	mu       sync.Mutex
	tags     map[string]any
	buf      *[]byte
	borrowed bool
}

func (s *Session) ID() string               { return s.id }
func (s *Session) RemoteAddr() string       { return s.remote }
func (s *Session) Kind() Kind               { return s.kind }
func (s *Session) CreatedAt() time.Time     { return s.created }
func (s *Session) Codec() codec.Codec       { return s.codec }
func (s *Session) Alive() bool              { return s.alive.Load() }
func (s *Session) Context() context.Context { return s.ctx }

// Set attaches application data to the session, e.g. an authenticated user.
func (s *Session) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tags == nil {
		s.tags = make(map[string]any)
	}
	s.tags[key] = value
}

func (s *Session) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.tags[key]
	return v, ok
}

func (s *Session) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tags, key)
}

// Tags returns a copy of the tag store.
func (s *Session) Tags() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.tags))
	for k, v := range s.tags {
		out[k] = v
	}
	return out
}

// Send writes a packet toward the peer.
func (s *Session) Send(p *protocol.Packet) error {
	if !s.alive.Load() {
		return ErrClosed
	}
	if s.out == nil {
		return ErrNoOutbound
	}
	return s.out.Send(p)
}

// CanSend reports whether packets can be pushed to the peer.
func (s *Session) CanSend() bool { return s.out != nil }

// Close destroys the session. It is safe to call more than once.
func (s *Session) Close(cause error) {
	s.manager.Close(s, cause)
}

// BorrowBuffer hands the receive buffer to the connection's reader. A
// borrowed buffer goes back to the pool only after ReturnBuffer, so a close
// from another goroutine never recycles memory the reader still uses.
func (s *Session) BorrowBuffer() *[]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf == nil {
		return nil
	}
	s.borrowed = true
	return s.buf
}

func (s *Session) ReturnBuffer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.borrowed = false
	if !s.alive.Load() {
		s.releaseLocked()
	}
}

func (s *Session) releaseLocked() {
	if s.buf == nil || s.borrowed {
		return
	}
	s.manager.putBuffer(s.buf)
	s.buf = nil
}

type ctxKey struct{}

// NewContext returns a context carrying sess.
func NewContext(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, ctxKey{}, sess)
}

// FromContext returns the session handling the current call, if any.
func FromContext(ctx context.Context) (*Session, bool) {
	sess, ok := ctx.Value(ctxKey{}).(*Session)
	return sess, ok
}
