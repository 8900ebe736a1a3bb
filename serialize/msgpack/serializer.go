package msgpack

import (
	"bytes"
	"reflect"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

var handle = &codec.MsgpackHandle{}

func init() {
	handle.MapType = reflect.TypeOf(map[string]any{})
	handle.RawToString = true
}

// Serializer -> MessagePack, the default compact binary format
type Serializer struct{}

func (s Serializer) Code() byte {
	return 3
}

func (s Serializer) Name() string {
	return "msgpack"
}

func (s Serializer) Encode(val any) ([]byte, error) {
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, handle).Encode(val); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s Serializer) Decode(data []byte, val any) error {
	return codec.NewDecoder(bytes.NewReader(data), handle).Decode(val)
}
