// Package transport provides the gRPC client plumbing shared by the host
// notifier (§4.3) and the data-interface facade (§4.5): both talk to
// platform services over "synchronous bus calls with a 10s deadline",
// modeled here as gRPC unary calls.
//
// Neither collaborator's wire contract is protoc-generated; the PEL
// manager and the platform services it calls already agree on plain Go
// struct shapes, so this package registers a JSON codec (CodecName) with grpc-go instead
// of requiring a .proto/message-compiler step for this repo's own types.
package transport

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype this package registers, passed to
// grpc.CallContentSubtype by Dial's default call options.
const CodecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec implements encoding.Codec by marshaling request/response values
// as JSON rather than protobuf wire format.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return CodecName }
