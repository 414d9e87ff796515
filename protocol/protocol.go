// Package protocol implements the binary packet framing for muxrpc.
//
// Every packet is length-prefixed so the receiver can cut packets out of an
// accumulating byte stream without knowing anything about the payload.
//
// Packet format (network byte order):
//
//	0        4         8        12  13
//	┌────────┬─────────┬─────────┬──┬──────────────────┐
//	│  len   │ command │ call id │fl│   payload ...    │
//	│ uint32 │ uint32  │ uint32  │  │ len-9 bytes      │
//	└────────┴─────────┴─────────┴──┴──────────────────┘
//
// len covers everything after the length field itself. An RPC stream opens
// with a 5-byte preface ("mrp", version, codec type) that identifies the
// protocol on a shared port and selects the payload codec for the connection.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Preface bytes: "mrp" (muxrpc protocol) followed by the version.
// The first PrefaceSignatureSize bytes are what the protocol detector matches.
const (
	MagicNumber byte = 0x6d // 'm'
	MagicByte2  byte = 0x72 // 'r'
	MagicByte3  byte = 0x70 // 'p'
	Version     byte = 0x01

	PrefaceSize          = 5 // 3 (magic) + 1 (version) + 1 (codec)
	PrefaceSignatureSize = 4

	LengthSize = 4
	HeaderSize = 9 // 4 (command) + 4 (call id) + 1 (flags), counted by len

	// DefaultMaxPayload bounds the payload of a single packet.
	DefaultMaxPayload = 4 << 20
)

// CommandHeartbeat is reserved for keepalive probes. Heartbeats are always
// one-way and never reach the dispatcher.
const CommandHeartbeat uint32 = 0

// Flags distinguishes requests, responses and one-way calls.
type Flags byte

const (
	FlagResponse  Flags = 1 << 0
	FlagOneWay    Flags = 1 << 1
	FlagException Flags = 1 << 2

	flagsKnown = FlagResponse | FlagOneWay | FlagException
)

func (f Flags) IsResponse() bool  { return f&FlagResponse != 0 }
func (f Flags) IsOneWay() bool    { return f&FlagOneWay != 0 }
func (f Flags) IsException() bool { return f&FlagException != 0 }

func (f Flags) String() string {
	s := "request"
	if f.IsResponse() {
		s = "response"
	}
	if f.IsOneWay() {
		s += "|oneway"
	}
	if f.IsException() {
		s += "|exception"
	}
	return s
}

// Validate reports whether f is a legal flag combination.
func (f Flags) Validate() error {
	if f&^flagsKnown != 0 {
		return fmt.Errorf("%w: reserved flag bits set: %08b", ErrReservedFlags, byte(f))
	}
	if f.IsResponse() && f.IsOneWay() {
		return fmt.Errorf("%w: response cannot be one-way", ErrReservedFlags)
	}
	if f.IsException() && !f.IsResponse() {
		return fmt.Errorf("%w: exception flag on a request", ErrReservedFlags)
	}
	return nil
}

// Protocol errors. All of them are fatal to the connection: once a length or
// header field is wrong the stream cannot be resynchronized.
var (
	ErrProtocol      = errors.New("protocol error")
	ErrFrameTooLarge = fmt.Errorf("%w: frame too large", ErrProtocol)
	ErrShortFrame    = fmt.Errorf("%w: frame shorter than header", ErrProtocol)
	ErrReservedFlags = fmt.Errorf("%w: invalid flags", ErrProtocol)
	ErrBadPreface    = fmt.Errorf("%w: invalid preface", ErrProtocol)
)

// Packet is one framed unit of the RPC protocol.
type Packet struct {
	Command uint32
	CallID  uint32
	Flags   Flags
	Payload []byte
}

// Reply builds the response skeleton for a request packet.
func (p *Packet) Reply(payload []byte) *Packet {
	return &Packet{Command: p.Command, CallID: p.CallID, Flags: FlagResponse, Payload: payload}
}

// ExceptionReply builds an exception-flagged response for a request packet.
func (p *Packet) ExceptionReply(payload []byte) *Packet {
	return &Packet{Command: p.Command, CallID: p.CallID, Flags: FlagResponse | FlagException, Payload: payload}
}

// Encode serializes p into a freshly allocated frame.
func Encode(p *Packet) ([]byte, error) {
	return AppendPacket(make([]byte, 0, LengthSize+HeaderSize+len(p.Payload)), p)
}

// AppendPacket appends the frame for p to dst.
// It refuses to produce anything a conforming peer would reject.
func AppendPacket(dst []byte, p *Packet) ([]byte, error) {
	if err := p.Flags.Validate(); err != nil {
		return dst, err
	}
	if uint64(len(p.Payload)) > uint64(^uint32(0))-HeaderSize {
		return dst, ErrFrameTooLarge
	}
	dst = binary.BigEndian.AppendUint32(dst, uint32(HeaderSize+len(p.Payload)))
	dst = binary.BigEndian.AppendUint32(dst, p.Command)
	dst = binary.BigEndian.AppendUint32(dst, p.CallID)
	dst = append(dst, byte(p.Flags))
	return append(dst, p.Payload...), nil
}

// Decode attempts to cut one complete packet from the front of buf.
//
// When buf does not yet hold a complete packet Decode returns (nil, 0, nil)
// and the caller must wait for more bytes. buf is never modified and the
// returned payload does not alias it. The length and flags are validated as
// soon as the fixed header is available, so an oversized frame is rejected
// before its body arrives.
func Decode(buf []byte, maxPayload int) (*Packet, int, error) {
	if len(buf) < LengthSize {
		return nil, 0, nil
	}
	n := binary.BigEndian.Uint32(buf[:LengthSize])
	if n < HeaderSize {
		return nil, 0, fmt.Errorf("%w: length %d", ErrShortFrame, n)
	}
	if maxPayload > 0 && uint64(n-HeaderSize) > uint64(maxPayload) {
		return nil, 0, fmt.Errorf("%w: payload %d exceeds maximum %d", ErrFrameTooLarge, n-HeaderSize, maxPayload)
	}
	if len(buf) >= LengthSize+HeaderSize {
		if err := Flags(buf[12]).Validate(); err != nil {
			return nil, 0, err
		}
	}
	total := LengthSize + int(n)
	if len(buf) < total {
		return nil, 0, nil
	}

	p := &Packet{
		Command: binary.BigEndian.Uint32(buf[4:8]),
		CallID:  binary.BigEndian.Uint32(buf[8:12]),
		Flags:   Flags(buf[12]),
	}
	if total > LengthSize+HeaderSize {
		p.Payload = make([]byte, total-LengthSize-HeaderSize)
		copy(p.Payload, buf[LengthSize+HeaderSize:total])
	}
	return p, total, nil
}

// DecodeMessage decodes a message that must contain exactly one packet, as
// used by message-oriented transports such as WebSocket.
func DecodeMessage(msg []byte, maxPayload int) (*Packet, error) {
	p, n, err := Decode(msg, maxPayload)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("%w: truncated message of %d bytes", ErrShortFrame, len(msg))
	}
	if n != len(msg) {
		return nil, fmt.Errorf("%w: %d trailing bytes after packet", ErrProtocol, len(msg)-n)
	}
	return p, nil
}

// Preface returns the stream preface announcing the given payload codec.
func Preface(codecType byte) []byte {
	return []byte{MagicNumber, MagicByte2, MagicByte3, Version, codecType}
}

// ParsePreface validates a preface and returns the announced codec type.
func ParsePreface(b []byte) (byte, error) {
	if len(b) < PrefaceSize {
		return 0, fmt.Errorf("%w: %d bytes", ErrBadPreface, len(b))
	}
	if b[0] != MagicNumber || b[1] != MagicByte2 || b[2] != MagicByte3 {
		return 0, fmt.Errorf("%w: invalid magic number: %x", ErrBadPreface, b[0:3])
	}
	if b[3] != Version {
		return 0, fmt.Errorf("%w: unsupported version: %d", ErrBadPreface, b[3])
	}
	return b[4], nil
}

// HasSignature reports whether b starts like an RPC preface. It needs
// PrefaceSignatureSize bytes to answer; ok is false when b is shorter.
func HasSignature(b []byte) (match, ok bool) {
	sig := [PrefaceSignatureSize]byte{MagicNumber, MagicByte2, MagicByte3, Version}
	for i := 0; i < len(b) && i < PrefaceSignatureSize; i++ {
		if b[i] != sig[i] {
			return false, true
		}
	}
	if len(b) < PrefaceSignatureSize {
		return false, false
	}
	return true, true
}
