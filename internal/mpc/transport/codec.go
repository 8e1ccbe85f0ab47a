package transport

import "encoding/json"

// jsonCodec lets the transport carry protocol.Envelope values over gRPC
// without protoc-generated message types: this build has no protoc
// available to compile a .proto service definition, so the wire
// messages are plain structs marshaled through grpc's pluggable codec
// hook instead of generated protobuf code.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return codecName }
