package codec

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// ProtoCodec encodes payloads as google.protobuf.Value messages: a compact
// binary form of the same map/list/scalar model JSON has.
type ProtoCodec struct{}

func (c *ProtoCodec) Encode(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	pv, err := structpb.NewValue(v)
	if err != nil {
		// Structs, typed collections and json.Number go through their JSON
		// form first.
		norm, nerr := roundTrip(v)
		if nerr != nil {
			return nil, fmt.Errorf("codec: proto encode: %w", nerr)
		}
		if pv, err = structpb.NewValue(norm); err != nil {
			return nil, fmt.Errorf("codec: proto encode: %w", err)
		}
	}
	return proto.Marshal(pv)
}

func (c *ProtoCodec) Decode(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var pv structpb.Value
	if err := proto.Unmarshal(data, &pv); err != nil {
		return nil, fmt.Errorf("codec: proto decode: %w", err)
	}
	return pv.AsInterface(), nil
}

func (c *ProtoCodec) Type() CodecType {
	return CodecTypeProto
}

func (c *ProtoCodec) Name() string {
	return "muxrpc.proto"
}
