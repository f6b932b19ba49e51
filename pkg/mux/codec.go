package mux

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// codecName is registered as the wire content-subtype for every connection
// the multiplexer makes or serves. There is no protoc-generated descriptor
// set in this deployment, so RPC payloads are ordinary Go structs encoded
// as JSON rather than protobuf wire format; everything else about the
// transport (HTTP/2 framing, streaming, deadlines, status codes, keepalive)
// is the real grpc-go stack.
const codecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("mux: json marshal: %w", err)
	}
	return b, nil
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("mux: json unmarshal: %w", err)
	}
	return nil
}

func (jsonCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
