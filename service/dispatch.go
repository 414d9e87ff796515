package service

import (
	"context"
	"errors"
	"runtime/debug"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"muxrpc/bind"
	"muxrpc/correlation"
	"muxrpc/filter"
	"muxrpc/message"
	"muxrpc/protocol"
	"muxrpc/session"
)

// Dispatcher executes inbound requests against a frozen Map.
//
//	packet → Resolve(cmd) → codec.Decode → Bind → Pipeline.Run(Invoke) → codec.Encode → reply
type Dispatcher struct {
	services *Map
	logger   *zap.Logger
}

// NewDispatcher freezes m and returns a dispatcher over it.
func NewDispatcher(m *Map, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	m.Freeze()
	return &Dispatcher{services: m, logger: logger.Named("dispatch")}
}

func (d *Dispatcher) Services() *Map { return d.services }

// Dispatch runs one request packet and returns the reply to send, or nil
// when no reply is due: one-way requests never get one, even on failure.
func (d *Dispatcher) Dispatch(ctx context.Context, sess *session.Session, pkt *protocol.Packet) *protocol.Packet {
	if pkt.Flags.IsResponse() {
		return nil
	}
	desc, ok := d.services.Resolve(pkt.Command)
	if !ok {
		return d.fail(sess, pkt, "", message.Errorf(codes.Unimplemented, "unknown command %d", pkt.Command))
	}
	if desc.Role != RoleSelf {
		return d.fail(sess, pkt, desc.Name, message.Errorf(codes.Unimplemented, "%s is implemented by the peer", desc.Name))
	}

	payload, err := sess.Codec().Decode(pkt.Payload)
	if err != nil {
		return d.fail(sess, pkt, desc.Name, message.Errorf(codes.InvalidArgument, "decode payload: %v", err))
	}
	result, err := d.Execute(ctx, sess, desc, payload)
	if err != nil {
		return d.fail(sess, pkt, desc.Name, err)
	}
	if pkt.Flags.IsOneWay() {
		return nil
	}
	body, err := sess.Codec().Encode(result)
	if err != nil {
		return d.fail(sess, pkt, desc.Name, message.Errorf(codes.Internal, "encode result: %v", err))
	}
	return pkt.Reply(body)
}

// Execute binds payload and runs the action through the pipeline for the
// session's protocol. It is shared by every protocol front end.
func (d *Dispatcher) Execute(ctx context.Context, sess *session.Session, desc *Descriptor, payload any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, &filter.PanicError{Value: r, Stack: debug.Stack()}
		}
	}()

	args, err := desc.Handler.Bind(payload)
	if err != nil {
		return nil, err
	}
	call := &filter.Call{
		Session:  sess,
		Protocol: sess.Kind(),
		Action:   desc.Name,
		Command:  desc.Command,
		Route:    desc.Route(),
	}
	ctx = session.NewContext(ctx, sess)
	return desc.Pipeline(sess.Kind()).Run(ctx, call, args, desc.Handler.Invoke)
}

// fail logs err and builds the exception reply for pkt.
func (d *Dispatcher) fail(sess *session.Session, pkt *protocol.Packet, action string, err error) *protocol.Packet {
	desc := Describe(err)
	fields := []zap.Field{
		zap.String("session", sess.ID()),
		zap.Uint32("command", pkt.Command),
		zap.Uint32("call_id", pkt.CallID),
		zap.Stringer("code", desc.Code),
		zap.Error(err),
	}
	if action != "" {
		fields = append(fields, zap.String("action", action))
	}
	var pe *filter.PanicError
	if errors.As(err, &pe) {
		d.logger.Error("action panicked", append(fields, zap.ByteString("stack", pe.Stack))...)
	} else {
		d.logger.Warn("action failed", fields...)
	}

	if pkt.Flags.IsOneWay() {
		return nil
	}
	body, encErr := desc.Encode(sess.Codec())
	if encErr != nil {
		// The descriptor's data could not be encoded; the message alone still
		// tells the caller what went wrong.
		body, _ = (&message.Error{Code: desc.Code, Message: desc.Message}).Encode(sess.Codec())
	}
	return pkt.ExceptionReply(body)
}

// Status maps an error raised while executing an action to its wire code.
func Status(err error) codes.Code {
	var me *message.Error
	var pe *filter.PanicError
	switch {
	case err == nil:
		return codes.OK
	case errors.As(err, &me):
		return me.Code
	case errors.Is(err, bind.ErrBinding):
		return codes.InvalidArgument
	case errors.As(err, &pe):
		return codes.Internal
	case errors.Is(err, correlation.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, correlation.ErrConnectionClosed), errors.Is(err, session.ErrClosed):
		return codes.Unavailable
	}
	return codes.Unknown
}

// Describe converts err into the descriptor carried by an exception reply.
func Describe(err error) *message.Error {
	return message.FromError(err, Status(err))
}
