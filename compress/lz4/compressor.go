package lz4

import (
	"bytes"
	"io"

	"erpc/compress"

	"github.com/pierrec/lz4/v4"
)

var _ compress.Compressor = Compressor{}

// Compressor uses the lz4 frame format, which records the uncompressed size
// and so needs no guess for the output buffer.
type Compressor struct{}

func (Compressor) Code() byte {
	return 2
}

func (Compressor) Name() string {
	return "lz4"
}

func (Compressor) Compress(data []byte) ([]byte, error) {
	buf := bytes.NewBuffer(nil)
	w := lz4.NewWriter(buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (Compressor) Uncompress(data []byte) ([]byte, error) {
	return io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
}
