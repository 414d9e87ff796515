// Package correlation tracks calls this process has issued toward a peer and
// routes each reply back to the goroutine waiting for it.
//
//	goroutine-1 ──Register(s1, 1)──┐
//	goroutine-2 ──Register(s1, 2)──┼──→ Table ←── Resolve(s1, 2) ── read loop
//	goroutine-3 ──Register(s2, 1)──┘
//
// Entries are keyed by session and call id. Every entry is resolved exactly
// once, by a reply, a timeout, an explicit cancel or the closing of its
// session, and resolving always removes it.
package correlation

import (
	"context"
	"errors"
	"sync"
	"time"

	"muxrpc/protocol"
)

var (
	ErrTimeout          = errors.New("correlation: call timed out")
	ErrConnectionClosed = errors.New("correlation: connection closed")
	ErrDuplicateCall    = errors.New("correlation: call id already pending")
)

// Result is what a pending call resolves with: either the reply packet or an
// error explaining why no reply will come.
type Result struct {
	Packet *protocol.Packet
	Err    error
}

type entry struct {
	session  string
	callID   uint32
	ch       chan Result // capacity 1, written once by whoever removed the entry
	deadline time.Time
	timer    *time.Timer
}

// Pending is the caller's handle on a registered call.
type Pending struct {
	table *Table
	e     *entry
}

func (p *Pending) CallID() uint32 { return p.e.callID }

// Deadline returns the expiry time, or the zero time when the call has none.
func (p *Pending) Deadline() time.Time { return p.e.deadline }

// Done is readable once the call has been resolved.
func (p *Pending) Done() <-chan Result { return p.e.ch }

// Wait blocks until the call resolves or ctx is done. A cancelled context
// removes the entry so a late reply is dropped.
func (p *Pending) Wait(ctx context.Context) Result {
	select {
	case r := <-p.e.ch:
		return r
	case <-ctx.Done():
		if p.table.remove(p.e.session, p.e.callID, p.e) {
			return Result{Err: ctx.Err()}
		}
		// Someone else resolved it first; their result is on its way.
		return <-p.e.ch
	}
}

// Table is safe for concurrent use. One table is owned by each server or
// client instance; nothing about it is process-global.
type Table struct {
	mu       sync.Mutex
	sessions map[string]map[uint32]*entry
	seq      uint32
	count    int
}

func NewTable() *Table {
	return &Table{sessions: make(map[string]map[uint32]*entry)}
}

// NextCallID returns an id that is not pending for the session. Ids grow
// monotonically, skip 0 and wrap around.
func (t *Table) NextCallID(session string) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	calls := t.sessions[session]
	for {
		t.seq++
		if t.seq == 0 {
			continue
		}
		if _, busy := calls[t.seq]; !busy {
			return t.seq
		}
	}
}

// Register records an outstanding call. With a positive timeout the call
// resolves with ErrTimeout once the deadline passes.
func (t *Table) Register(session string, callID uint32, timeout time.Duration) (*Pending, error) {
	e := &entry{session: session, callID: callID, ch: make(chan Result, 1)}

	t.mu.Lock()
	defer t.mu.Unlock()
	calls, ok := t.sessions[session]
	if !ok {
		calls = make(map[uint32]*entry)
		t.sessions[session] = calls
	}
	if _, dup := calls[callID]; dup {
		return nil, ErrDuplicateCall
	}
	if timeout > 0 {
		e.deadline = time.Now().Add(timeout)
		e.timer = time.AfterFunc(timeout, func() {
			if t.remove(session, callID, e) {
				e.ch <- Result{Err: ErrTimeout}
			}
		})
	}
	calls[callID] = e
	t.count++
	return &Pending{table: t, e: e}, nil
}

// Resolve fulfils a pending call. It reports false when no such call is
// pending, which callers treat as a duplicate or late reply.
func (t *Table) Resolve(session string, callID uint32, r Result) bool {
	e := t.take(session, callID)
	if e == nil {
		return false
	}
	e.ch <- r
	return true
}

// Cancel abandons a pending call; the waiter observes context.Canceled.
func (t *Table) Cancel(session string, callID uint32) bool {
	return t.Resolve(session, callID, Result{Err: context.Canceled})
}

// ExpireOlderThan resolves every call whose deadline is not after now with
// ErrTimeout and returns how many it expired.
func (t *Table) ExpireOlderThan(now time.Time) int {
	var expired []*entry
	t.mu.Lock()
	for session, calls := range t.sessions {
		for id, e := range calls {
			if e.deadline.IsZero() || e.deadline.After(now) {
				continue
			}
			t.drop(session, id, e)
			expired = append(expired, e)
		}
	}
	t.mu.Unlock()

	for _, e := range expired {
		e.ch <- Result{Err: ErrTimeout}
	}
	return len(expired)
}

// CloseSession resolves every call registered for the session with
// ErrConnectionClosed.
func (t *Table) CloseSession(session string) int {
	t.mu.Lock()
	calls := t.sessions[session]
	closed := make([]*entry, 0, len(calls))
	for id, e := range calls {
		t.drop(session, id, e)
		closed = append(closed, e)
	}
	t.mu.Unlock()

	for _, e := range closed {
		e.ch <- Result{Err: ErrConnectionClosed}
	}
	return len(closed)
}

// Len returns the number of pending calls across all sessions.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Run calls ExpireOlderThan every interval until ctx is done. interval must
// be positive.
func (t *Table) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.ExpireOlderThan(now)
		}
	}
}

func (t *Table) take(session string, callID uint32) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.sessions[session][callID]
	if !ok {
		return nil
	}
	t.drop(session, callID, e)
	return e
}

// remove deletes the entry only if it is still the one registered, so a
// recycled call id is never removed by a stale timer or waiter.
func (t *Table) remove(session string, callID uint32, want *entry) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.sessions[session][callID]
	if !ok || e != want {
		return false
	}
	t.drop(session, callID, e)
	return true
}

// drop must be called with t.mu held.
func (t *Table) drop(session string, callID uint32, e *entry) {
	if e.timer != nil {
		e.timer.Stop()
	}
	calls := t.sessions[session]
	delete(calls, callID)
	if len(calls) == 0 {
		delete(t.sessions, session)
	}
	t.count--
}
