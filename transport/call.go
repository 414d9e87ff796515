package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"muxrpc/correlation"
	"muxrpc/message"
	"muxrpc/protocol"
	"muxrpc/session"
)

// Call issues a request to the peer behind sess and waits for the reply.
// The result is the decoded reply payload; an exception reply is returned
// as a *message.Error. A positive timeout bounds the wait on top of ctx.
func Call(ctx context.Context, table *correlation.Table, sess *session.Session, cmd uint32, args any, timeout time.Duration) (any, error) {
	if cmd == protocol.CommandHeartbeat {
		return nil, fmt.Errorf("transport: command %d is reserved", cmd)
	}
	c := sess.Codec()
	body, err := c.Encode(args)
	if err != nil {
		return nil, fmt.Errorf("encode arguments: %w", err)
	}

	var pending *correlation.Pending
	for {
		id := table.NextCallID(sess.ID())
		pending, err = table.Register(sess.ID(), id, timeout)
		if !errors.Is(err, correlation.ErrDuplicateCall) {
			break
		}
	}
	if err != nil {
		return nil, err
	}

	pkt := &protocol.Packet{Command: cmd, CallID: pending.CallID(), Payload: body}
	if err := sess.Send(pkt); err != nil {
		table.Cancel(sess.ID(), pending.CallID())
		return nil, err
	}

	r := pending.Wait(ctx)
	if r.Err != nil {
		return nil, r.Err
	}
	if r.Packet.Flags.IsException() {
		return nil, message.Decode(c, r.Packet.Payload)
	}
	v, err := c.Decode(r.Packet.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	return v, nil
}

// Notify sends a one-way request; no reply will come back.
func Notify(sess *session.Session, cmd uint32, args any) error {
	if cmd == protocol.CommandHeartbeat {
		return fmt.Errorf("transport: command %d is reserved", cmd)
	}
	body, err := sess.Codec().Encode(args)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	return sess.Send(&protocol.Packet{Command: cmd, Flags: protocol.FlagOneWay, Payload: body})
}
