package snappy

import (
	"erpc/compress"

	"github.com/golang/snappy"
)

var _ compress.Compressor = Compressor{}

// Compressor uses the snappy block format.
type Compressor struct{}

func (Compressor) Code() byte {
	return 3
}

func (Compressor) Name() string {
	return "snappy"
}

func (Compressor) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (Compressor) Uncompress(data []byte) ([]byte, error) {
	return snappy.Decode(nil, data)
}
