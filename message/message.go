// Package message defines the error descriptor carried by exception replies.
//
// A reply with the exception flag set never carries a result; its payload is
// an Error encoded with the connection's payload codec:
//
//	{"code": 2, "message": "division by zero", "data": ...}
//
// Code uses the canonical gRPC status codes so both ends (and HTTP clients)
// share one vocabulary for failure kinds.
package message

import (
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"

	"muxrpc/codec"
)

// Error is a failure that crosses the wire. Handlers may return one to
// choose the code the remote side observes.
type Error struct {
	Code    codes.Code
	Message string
	Data    any
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error: code = %s desc = %s", e.Code, e.Message)
}

// Errorf builds an *Error with a formatted message.
func Errorf(code codes.Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the code carried by err, or codes.Unknown.
func CodeOf(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return codes.Unknown
}

// FromError converts err into a descriptor. An *Error anywhere in the chain
// keeps its code and data; everything else is reported with fallback.
func FromError(err error, fallback codes.Code) *Error {
	var e *Error
	if errors.As(err, &e) {
		return &Error{Code: e.Code, Message: e.Message, Data: e.Data}
	}
	msg := err.Error()
	if msg == "" {
		msg = fallback.String()
	}
	return &Error{Code: fallback, Message: msg}
}

// Encode serializes the descriptor with c.
func (e *Error) Encode(c codec.Codec) ([]byte, error) {
	m := map[string]any{
		"code":    uint32(e.Code),
		"message": e.Message,
	}
	if e.Data != nil {
		m["data"] = e.Data
	}
	return c.Encode(m)
}

// Decode reconstructs a descriptor from an exception payload. A payload that
// cannot be understood still yields an error so the caller never mistakes a
// failed call for a result.
func Decode(c codec.Codec, payload []byte) *Error {
	v, err := c.Decode(payload)
	if err != nil {
		return &Error{Code: codes.Unknown, Message: "undecodable remote error: " + err.Error()}
	}
	m, ok := v.(map[string]any)
	if !ok {
		return &Error{Code: codes.Unknown, Message: fmt.Sprint(v)}
	}
	e := &Error{Code: codes.Unknown, Data: m["data"]}
	if s, ok := m["message"].(string); ok {
		e.Message = s
	}
	switch n := m["code"].(type) {
	case float64:
		e.Code = codes.Code(uint32(n))
	case json.Number:
		if i, err := n.Int64(); err == nil {
			e.Code = codes.Code(uint32(i))
		}
	}
	if e.Message == "" {
		e.Message = e.Code.String()
	}
	return e
}
