package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"muxrpc/codec"
	"muxrpc/correlation"
)

// DefaultBufferSize is the initial capacity of a pooled receive buffer.
const DefaultBufferSize = 4096

// Manager tracks live sessions per protocol kind and tears them down exactly
// once.
type Manager struct {
	table  *correlation.Table
	logger *zap.Logger
	pool   sync.Pool

	mu       sync.RWMutex
	sessions map[string]*Session
	byKind   map[Kind]map[string]*Session

	hookMu       sync.RWMutex
	onConnect    []func(*Session)
	onDisconnect []func(*Session, error)
}

// NewManager creates a manager whose sessions resolve their pending calls in
// table when they close. A nil logger disables logging.
func NewManager(table *correlation.Table, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		table:    table,
		logger:   logger.Named("session"),
		sessions: make(map[string]*Session),
		byKind:   make(map[Kind]map[string]*Session),
	}
	m.pool.New = func() any {
		b := make([]byte, 0, DefaultBufferSize)
		return &b
	}
	return m
}

// Table returns the correlation table shared by the manager's sessions.
func (m *Manager) Table() *correlation.Table { return m.table }

// OnConnect registers a hook fired after a session is accepted.
func (m *Manager) OnConnect(fn func(*Session)) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.onConnect = append(m.onConnect, fn)
}

// OnDisconnect registers a hook fired once when a session closes. cause is
// nil for an orderly close.
func (m *Manager) OnDisconnect(fn func(*Session, error)) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.onDisconnect = append(m.onDisconnect, fn)
}

// Accept creates and registers a session. out may be nil for protocols that
// cannot carry server-initiated packets.
func (m *Manager) Accept(kind Kind, remote string, out Outbound, c codec.Codec) *Session {
	if c == nil {
		c = codec.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:      uuid.NewString(),
		remote:  remote,
		kind:    kind,
		created: time.Now(),
		codec:   c,
		out:     out,
		manager: m,
		ctx:     ctx,
		cancel:  cancel,
	}
	if kind != KindHTTP {
		s.buf = m.pool.Get().(*[]byte)
	}
	s.alive.Store(true)

	m.mu.Lock()
	m.sessions[s.id] = s
	set, ok := m.byKind[kind]
	if !ok {
		set = make(map[string]*Session)
		m.byKind[kind] = set
	}
	set[s.id] = s
	m.mu.Unlock()

	m.logger.Debug("session accepted",
		zap.String("session", s.id),
		zap.Stringer("kind", kind),
		zap.String("remote", remote))

	m.hookMu.RLock()
	hooks := m.onConnect
	m.hookMu.RUnlock()
	for _, fn := range hooks {
		m.safely("connect", func() { fn(s) })
	}
	return s
}

// Close destroys sess: it stops the outbound side, fails every pending call
// issued over it, recycles its buffer and fires the disconnect hooks. Only
// the first call has any effect; it reports whether it was that call.
func (m *Manager) Close(s *Session, cause error) bool {
	if s == nil || !s.alive.CompareAndSwap(true, false) {
		return false
	}

	m.mu.Lock()
	delete(m.sessions, s.id)
	if set := m.byKind[s.kind]; set != nil {
		delete(set, s.id)
	}
	m.mu.Unlock()

	s.cancel()
	if s.out != nil {
		if err := s.out.Close(); err != nil {
			m.logger.Debug("close outbound", zap.String("session", s.id), zap.Error(err))
		}
	}
	pending := 0
	if m.table != nil {
		pending = m.table.CloseSession(s.id)
	}

	s.mu.Lock()
	s.releaseLocked()
	s.mu.Unlock()

	fields := []zap.Field{
		zap.String("session", s.id),
		zap.Stringer("kind", s.kind),
		zap.Duration("lifetime", time.Since(s.created)),
	}
	if pending > 0 {
		fields = append(fields, zap.Int("failed_calls", pending))
	}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	m.logger.Debug("session closed", fields...)

	m.hookMu.RLock()
	hooks := m.onDisconnect
	m.hookMu.RUnlock()
	for _, fn := range hooks {
		m.safely("disconnect", func() { fn(s, cause) })
	}
	return true
}

// Get returns a live session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Snapshot returns the sessions of one kind alive at the time of the call,
// or of every kind when kind is zero. The slice is the caller's to keep.
func (m *Manager) Snapshot(kind Kind) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.sessions
	if kind != 0 {
		src = m.byKind[kind]
	}
	out := make([]*Session, 0, len(src))
	for _, s := range src {
		out = append(out, s)
	}
	return out
}

// Count returns the number of live sessions of kind, or of all kinds when
// kind is zero.
func (m *Manager) Count(kind Kind) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if kind == 0 {
		return len(m.sessions)
	}
	return len(m.byKind[kind])
}

// CloseAll closes every live session and returns how many it closed.
func (m *Manager) CloseAll(cause error) int {
	n := 0
	for _, s := range m.Snapshot(0) {
		if m.Close(s, cause) {
			n++
		}
	}
	return n
}

func (m *Manager) putBuffer(b *[]byte) {
	// Oversized buffers are left to the garbage collector.
	if cap(*b) > 64*DefaultBufferSize {
		return
	}
	*b = (*b)[:0]
	m.pool.Put(b)
}

// safely runs a lifecycle hook; a panicking hook is logged, never propagated.
func (m *Manager) safely(hook string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("lifecycle hook panicked", zap.String("hook", hook), zap.Any("panic", r))
		}
	}()
	fn()
}
