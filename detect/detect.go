// Package detect classifies a freshly accepted connection by the first bytes
// it sends, without consuming them.
//
// Protocols are tried in registration order. A protocol that cannot decide
// yet (NeedMore) blocks every protocol after it, so a lower-priority match
// only wins once all higher-priority protocols have ruled themselves out.
// Detection gives up after a bounded lookahead window or a read deadline.
package detect

import (
	"bufio"
	"fmt"
	"net"
	"time"

	"muxrpc/protocol"
	"muxrpc/session"
)

const (
	DefaultLookahead = 4096
	DefaultTimeout   = 10 * time.Second
	minLookahead     = 16
)

// ErrUndetected is returned when no protocol claims the connection. It is a
// protocol error: the connection must be closed.
var ErrUndetected = fmt.Errorf("%w: no protocol signature matched", protocol.ErrProtocol)

// Result is a protocol's verdict on a prefix.
type Result uint8

const (
	NoMatch Result = iota
	Match
	NeedMore
)

func (r Result) String() string {
	switch r {
	case Match:
		return "match"
	case NeedMore:
		return "need-more"
	}
	return "no-match"
}

// Protocol is a signature matcher for one protocol kind.
type Protocol struct {
	Kind  session.Kind
	Name  string
	Match func(prefix []byte) Result
}

type Option func(*Detector)

// WithLookahead bounds how many bytes detection may buffer.
func WithLookahead(n int) Option {
	return func(d *Detector) {
		if n < minLookahead {
			n = minLookahead
		}
		d.lookahead = n
	}
}

// WithTimeout bounds how long detection waits for bytes. Zero disables the
// deadline.
func WithTimeout(t time.Duration) Option {
	return func(d *Detector) { d.timeout = t }
}

type Detector struct {
	protocols []Protocol
	lookahead int
	timeout   time.Duration
}

// New returns a detector trying protocols in the given order. With no
// protocols it uses RPC, WebSocket and HTTP.
func New(protocols []Protocol, opts ...Option) *Detector {
	if len(protocols) == 0 {
		protocols = Defaults()
	}
	d := &Detector{
		protocols: protocols,
		lookahead: DefaultLookahead,
		timeout:   DefaultTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Detector) Lookahead() int { return d.lookahead }

// Classify decides from prefix alone. final means no further bytes will
// arrive, so NeedMore verdicts count as NoMatch.
func (d *Detector) Classify(prefix []byte, final bool) (Protocol, Result) {
	for _, p := range d.protocols {
		r := p.Match(prefix)
		if r == NeedMore && final {
			r = NoMatch
		}
		switch r {
		case Match:
			return p, Match
		case NeedMore:
			return Protocol{}, NeedMore
		}
	}
	return Protocol{}, NoMatch
}

// Detect reads just enough of conn to classify it. The returned conn
// replays every byte inspected, so the protocol handler sees the stream from
// its first byte.
func (d *Detector) Detect(conn net.Conn) (Protocol, net.Conn, error) {
	if d.timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(d.timeout)); err != nil {
			return Protocol{}, nil, err
		}
		defer conn.SetReadDeadline(time.Time{})
	}

	br := bufio.NewReaderSize(conn, d.lookahead)
	want := 1
	for {
		prefix, err := br.Peek(want)
		if err != nil {
			// The peer stopped sending (EOF, deadline, reset): decide with
			// whatever arrived.
			if p, r := d.Classify(prefix, true); r == Match {
				return p, &replayConn{Conn: conn, r: br}, nil
			}
			return Protocol{}, nil, fmt.Errorf("%w after %d bytes: %v", ErrUndetected, len(prefix), err)
		}
		// Peek may have buffered more than asked for; look at all of it.
		prefix, _ = br.Peek(br.Buffered())

		p, r := d.Classify(prefix, len(prefix) >= d.lookahead)
		switch r {
		case Match:
			return p, &replayConn{Conn: conn, r: br}, nil
		case NoMatch:
			return Protocol{}, nil, fmt.Errorf("%w within %d bytes", ErrUndetected, len(prefix))
		}
		want = len(prefix) + 1
	}
}

// replayConn serves the bytes buffered during detection before reading
// from the underlying connection again.
type replayConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *replayConn) Read(p []byte) (int, error) {
	if c.r != nil {
		if c.r.Buffered() > 0 {
			return c.r.Read(p)
		}
		c.r = nil
	}
	return c.Conn.Read(p)
}
