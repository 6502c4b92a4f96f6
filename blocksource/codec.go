package blocksource

import (
	"bytes"
	"encoding/gob"

	"google.golang.org/grpc/encoding"
)

// gobCodecName is registered as a grpc content-subtype. The real
// wallet RPC wire format is protobuf; this engine talks to the
// block-source purely through the BlockSource interface (see
// blocksource.go) and never needs bit-for-bit wire compatibility with
// it, so a gob codec is used here to get genuine grpc framing,
// flow control, and interceptor chains without generated .pb.go code.
const gobCodecName = "gob"

func init() {
	encoding.RegisterCodec(gobCodec{})
}

type gobCodec struct{}

func (gobCodec) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func (gobCodec) Name() string { return gobCodecName }
