package transport

import (
	"google.golang.org/grpc/encoding"

	"github.com/zde37/kadnet/pkg/wire"
)

// codecName is the gRPC content subtype the transport speaks.
const codecName = "cbor"

func init() {
	encoding.RegisterCodec(cborCodec{})
}

// cborCodec lets gRPC carry wire types without protobuf stubs.
type cborCodec struct{}

func (cborCodec) Marshal(v any) ([]byte, error) {
	return wire.Marshal(v)
}

func (cborCodec) Unmarshal(data []byte, v any) error {
	return wire.Unmarshal(data, v)
}

func (cborCodec) Name() string {
	return codecName
}
