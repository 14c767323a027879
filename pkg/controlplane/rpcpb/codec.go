package rpcpb

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// codecName is registered as a grpc.CallContentSubtype, letting the
// client force this codec per-call without touching the server's
// default proto codec registration process-wide.
const codecName = "json"

// jsonCodec implements encoding.Codec for the plain Go structs in this
// package, standing in for protoc-generated proto.Message marshaling.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// CodecName is the content-subtype to pass via grpc.CallContentSubtype
// on every call made against this service.
const CodecName = codecName
