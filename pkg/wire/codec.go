// Package wire holds the gRPC codec and compressor shared by the federation
// and gossip services.
package wire

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/proto"
)

// CodecName is the gRPC content-subtype of the overlay codec.
const CodecName = "overlay"

func init() {
	encoding.RegisterCodec(Codec{})
	encoding.RegisterCompressor(zstdCompressor{})
}

// Codec encodes protobuf messages with proto and everything else as JSON.
type Codec struct{}

func (Codec) Name() string { return CodecName }

func (Codec) Marshal(v any) ([]byte, error) {
	if m, ok := v.(proto.Message); ok {
		return proto.Marshal(m)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("wire: failed to marshal %T: %w", v, err)
	}
	return data, nil
}

func (Codec) Unmarshal(data []byte, v any) error {
	if m, ok := v.(proto.Message); ok {
		return proto.Unmarshal(data, m)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("wire: failed to unmarshal %T: %w", v, err)
	}
	return nil
}

// CallOptions selects the overlay codec and zstd compression for a call.
func CallOptions() []grpc.CallOption {
	return []grpc.CallOption{
		grpc.CallContentSubtype(CodecName),
		grpc.UseCompressor(CompressorName),
	}
}

// DialOptions makes CallOptions the default for every call on a connection.
func DialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithDefaultCallOptions(CallOptions()...),
	}
}
