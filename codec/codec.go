// Package codec implements the loosely-typed payload encodings carried inside
// packets. A payload decodes to nested map[string]any / []any / scalars; the
// dispatcher binds those values onto handler parameters.
package codec

import (
	"encoding/json"
	"fmt"
)

// CodecType is the byte announced in the stream preface.
type CodecType byte

const (
	CodecTypeJSON  CodecType = 0
	CodecTypeProto CodecType = 1
)

type Codec interface {
	// Encode turns a Go value into a payload. A nil value encodes to an
	// empty payload.
	Encode(v any) ([]byte, error)
	// Decode turns a payload into a loosely-typed value. An empty payload
	// decodes to nil.
	Decode(data []byte) (any, error)
	Type() CodecType // 0=JSON, 1=Proto
	Name() string
}

var (
	jsonCodec  Codec = &JSONCodec{}
	protoCodec Codec = &ProtoCodec{}
)

// GetCodec returns the codec announced by a preface byte.
func GetCodec(codecType CodecType) (Codec, error) {
	switch codecType {
	case CodecTypeJSON:
		return jsonCodec, nil
	case CodecTypeProto:
		return protoCodec, nil
	}
	return nil, fmt.Errorf("codec: unsupported codec type %d", codecType)
}

// ByName looks a codec up by its name, as used for WebSocket subprotocols.
func ByName(name string) (Codec, bool) {
	switch name {
	case jsonCodec.Name():
		return jsonCodec, true
	case protoCodec.Name():
		return protoCodec, true
	}
	return nil, false
}

// Default is the codec used when a transport does not negotiate one.
func Default() Codec { return jsonCodec }

// Normalize converts an arbitrary Go value (structs, typed maps and slices)
// into the loosely-typed form a decoder would produce.
func Normalize(v any) (any, error) {
	switch v.(type) {
	case nil, bool, string, float64:
		return v, nil
	}
	return roundTrip(v)
}

// roundTrip re-reads v through its JSON form. Numbers come back as float64,
// the only numeric type every codec accepts.
func roundTrip(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
