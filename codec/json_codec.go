package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
)

// JSONCodec uses Go's standard library encoding/json for serialization.
// Numbers decode as json.Number so integers keep their precision until they
// are bound to a concrete parameter type.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return nil, errors.New("json: trailing data after payload")
	}
	return v, nil
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}

func (c *JSONCodec) Name() string {
	return "muxrpc.json"
}
