// Package transport runs the packet flow of one stream session. The same
// Peer serves both ends of a connection: it dispatches the requests the
// other side sends and routes the replies to calls this side issued.
//
//	goroutine-1 ──Call(seq=1)──┐
//	goroutine-2 ──Call(seq=2)──┼──→ write queue ──→ writePump ──→ conn
//	handler     ──reply────────┘
//
//	readLoop: ←── response(seq=2) → correlation table → goroutine-2 wakes up
//	          ←── request(cmd=3)  → go Dispatch → reply queued
package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"muxrpc/correlation"
	"muxrpc/protocol"
	"muxrpc/session"
)

const DefaultSendQueue = 256

// Dispatcher handles inbound requests; a nil reply means none is due.
type Dispatcher interface {
	Dispatch(ctx context.Context, sess *session.Session, pkt *protocol.Packet) *protocol.Packet
}

// Options tunes a Peer.
type Options struct {
	Logger    *zap.Logger
	SendQueue int
	// Heartbeat is the interval at which the write pump pings the remote
	// side; zero disables heartbeats.
	Heartbeat time.Duration
}

// Peer owns one connection's read loop and write pump. It implements
// session.Outbound.
type Peer struct {
	conn       FrameConn
	dispatcher Dispatcher
	table      *correlation.Table
	logger     *zap.Logger
	heartbeat  time.Duration

	send      chan *protocol.Packet
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
	inflight  sync.WaitGroup
}

func NewPeer(conn FrameConn, d Dispatcher, table *correlation.Table, opts Options) *Peer {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.SendQueue <= 0 {
		opts.SendQueue = DefaultSendQueue
	}
	return &Peer{
		conn:       conn,
		dispatcher: d,
		table:      table,
		logger:     opts.Logger.Named("transport"),
		heartbeat:  opts.Heartbeat,
		send:       make(chan *protocol.Packet, opts.SendQueue),
		done:       make(chan struct{}),
	}
}

// Send queues a packet for the write pump. It blocks while the queue is
// full and fails once the peer is closed.
func (p *Peer) Send(pkt *protocol.Packet) error {
	select {
	case <-p.done:
		return session.ErrClosed
	default:
	}
	select {
	case p.send <- pkt:
		return nil
	case <-p.done:
		return session.ErrClosed
	}
}

// Close stops the write pump and closes the connection, which ends the
// read loop.
func (p *Peer) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		p.closeErr = p.conn.Close()
	})
	return p.closeErr
}

// Done is closed when the peer has been closed.
func (p *Peer) Done() <-chan struct{} { return p.done }

// Serve runs the connection until it fails or is closed, then closes sess.
// It returns the error that ended the read loop, nil for an orderly close.
func (p *Peer) Serve(sess *session.Session) error {
	go p.writePump(sess)

	buf := sess.BorrowBuffer()
	err := p.readLoop(sess, buf)
	sess.ReturnBuffer()

	if isClosing(err) {
		err = nil
	}
	sess.Close(err)
	p.Close()
	return err
}

func (p *Peer) readLoop(sess *session.Session, buf *[]byte) error {
	for {
		pkt, err := p.conn.ReadPacket(buf)
		if err != nil {
			return err
		}
		switch {
		case pkt.Flags.IsResponse():
			if !p.table.Resolve(sess.ID(), pkt.CallID, correlation.Result{Packet: pkt}) {
				p.logger.Debug("dropping late or unknown reply",
					zap.String("session", sess.ID()),
					zap.Uint32("call_id", pkt.CallID))
			}
		case pkt.Command == protocol.CommandHeartbeat:
		default:
			// A slow handler must not hold up the packets behind it.
			p.inflight.Add(1)
			go p.handle(sess, pkt)
		}
	}
}

func (p *Peer) handle(sess *session.Session, pkt *protocol.Packet) {
	defer p.inflight.Done()
	reply := p.dispatcher.Dispatch(sess.Context(), sess, pkt)
	if reply == nil {
		return
	}
	if err := p.Send(reply); err != nil {
		p.logger.Debug("reply not sent",
			zap.String("session", sess.ID()),
			zap.Uint32("call_id", pkt.CallID),
			zap.Error(err))
	}
}

// Wait blocks until every dispatched request has finished or ctx is done.
func (p *Peer) Wait(ctx context.Context) error {
	idle := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(idle)
	}()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Peer) writePump(sess *session.Session) {
	var tick <-chan time.Time
	if p.heartbeat > 0 {
		ticker := time.NewTicker(p.heartbeat)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case pkt := <-p.send:
			if err := p.conn.WritePacket(pkt); err != nil {
				p.logger.Debug("write failed", zap.String("session", sess.ID()), zap.Error(err))
				sess.Close(err)
				return
			}
		case <-tick:
			if err := p.conn.Ping(); err != nil {
				sess.Close(err)
				return
			}
		case <-p.done:
			return
		}
	}
}

func isClosing(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
