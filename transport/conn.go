package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"

	"muxrpc/codec"
	"muxrpc/protocol"
)

// FrameConn moves whole packets over a connection. ReadPacket is only
// called from the read loop, WritePacket and Ping only from the write pump;
// Close may be called from anywhere.
type FrameConn interface {
	// ReadPacket blocks until one packet is available. buf is the
	// session's receive buffer and may be nil.
	ReadPacket(buf *[]byte) (*protocol.Packet, error)
	WritePacket(p *protocol.Packet) error
	// Ping proves liveness to the peer while the connection is idle.
	Ping() error
	Close() error
}

// StreamConn frames packets over a byte stream with the length-prefixed
// packet layout.
type StreamConn struct {
	conn         net.Conn
	maxPayload   int
	idleTimeout  time.Duration
	writeTimeout time.Duration
	pending      error // read error held back until buffered bytes are drained
}

// NewStreamConn wraps conn. A zero maxPayload uses the protocol default;
// zero timeouts disable the corresponding deadline.
func NewStreamConn(conn net.Conn, maxPayload int, idleTimeout, writeTimeout time.Duration) *StreamConn {
	if maxPayload <= 0 {
		maxPayload = protocol.DefaultMaxPayload
	}
	return &StreamConn{conn: conn, maxPayload: maxPayload, idleTimeout: idleTimeout, writeTimeout: writeTimeout}
}

func (c *StreamConn) ReadPacket(buf *[]byte) (*protocol.Packet, error) {
	if buf == nil {
		b := make([]byte, 0, 4096)
		buf = &b
	}
	b := *buf
	defer func() { *buf = b }()

	for {
		p, n, err := protocol.Decode(b, c.maxPayload)
		if err != nil {
			return nil, err
		}
		if p != nil {
			// Shift the remainder to the front; the buffer is reused.
			b = b[:copy(b, b[n:])]
			return p, nil
		}
		if c.pending != nil {
			if errors.Is(c.pending, io.EOF) && len(b) > 0 {
				return nil, fmt.Errorf("%w: stream ended mid packet", protocol.ErrShortFrame)
			}
			return nil, c.pending
		}
		if len(b) == cap(b) {
			grown := make([]byte, len(b), 2*cap(b)+protocol.HeaderSize)
			copy(grown, b)
			b = grown
		}
		if c.idleTimeout > 0 {
			c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
		}
		m, err := c.conn.Read(b[len(b):cap(b)])
		b = b[:len(b)+m]
		if err != nil {
			c.pending = err
		}
	}
}

func (c *StreamConn) WritePacket(p *protocol.Packet) error {
	frame, err := protocol.Encode(p)
	if err != nil {
		return err
	}
	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	_, err = c.conn.Write(frame)
	return err
}

// Ping writes a heartbeat packet.
func (c *StreamConn) Ping() error {
	return c.WritePacket(&protocol.Packet{Command: protocol.CommandHeartbeat, Flags: protocol.FlagOneWay})
}

func (c *StreamConn) Close() error { return c.conn.Close() }

// WritePreface announces the payload codec at the start of an RPC stream.
func WritePreface(conn net.Conn, c codec.Codec) error {
	_, err := conn.Write(protocol.Preface(byte(c.Type())))
	return err
}

// ReadPreface consumes the preface of an RPC stream and returns the codec
// it announces.
func ReadPreface(conn net.Conn, timeout time.Duration) (codec.Codec, error) {
	if timeout > 0 {
		conn.SetReadDeadline(time.Now().Add(timeout))
		defer conn.SetReadDeadline(time.Time{})
	}
	var b [protocol.PrefaceSize]byte
	if _, err := io.ReadFull(conn, b[:]); err != nil {
		return nil, fmt.Errorf("read preface: %w", err)
	}
	ct, err := protocol.ParsePreface(b[:])
	if err != nil {
		return nil, err
	}
	c, err := codec.GetCodec(codec.CodecType(ct))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrBadPreface, err)
	}
	return c, nil
}

// WebSocket subprotocols select the payload codec of a WebSocket session.
var Subprotocols = []string{"muxrpc.json", "muxrpc.proto"}

// WSConn carries one packet per binary WebSocket message.
type WSConn struct {
	conn         *websocket.Conn
	maxPayload   int
	idleTimeout  time.Duration
	writeTimeout time.Duration
}

// NewWSConn wraps an established WebSocket. With a positive idleTimeout the
// peer must send a message or answer a ping within that window.
func NewWSConn(conn *websocket.Conn, maxPayload int, idleTimeout, writeTimeout time.Duration) *WSConn {
	if maxPayload <= 0 {
		maxPayload = protocol.DefaultMaxPayload
	}
	conn.SetReadLimit(int64(protocol.LengthSize + protocol.HeaderSize + maxPayload))
	c := &WSConn{conn: conn, maxPayload: maxPayload, idleTimeout: idleTimeout, writeTimeout: writeTimeout}
	if idleTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(idleTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(idleTimeout))
		})
	}
	return c
}

// Codec returns the payload codec negotiated through the subprotocol.
func (c *WSConn) Codec() codec.Codec {
	if cd, ok := codec.ByName(c.conn.Subprotocol()); ok {
		return cd
	}
	return codec.Default()
}

func (c *WSConn) ReadPacket(*[]byte) (*protocol.Packet, error) {
	typ, data, err := c.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, io.EOF
		}
		if errors.Is(err, websocket.ErrReadLimit) {
			return nil, fmt.Errorf("%w: %v", protocol.ErrFrameTooLarge, err)
		}
		return nil, err
	}
	if c.idleTimeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
	}
	if typ != websocket.BinaryMessage {
		return nil, fmt.Errorf("%w: unexpected websocket message type %d", protocol.ErrProtocol, typ)
	}
	return protocol.DecodeMessage(data, c.maxPayload)
}

func (c *WSConn) WritePacket(p *protocol.Packet) error {
	frame, err := protocol.Encode(p)
	if err != nil {
		return err
	}
	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (c *WSConn) Ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
}

// Close sends a close frame before dropping the connection.
func (c *WSConn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.conn.Close()
}
