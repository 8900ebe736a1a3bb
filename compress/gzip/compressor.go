package gzip

import (
	"bytes"
	"compress/gzip"
	"io"

	"erpc/compress"
)

var _ compress.Compressor = Compressor{}

// Compressor implements the Compressor interface
type Compressor struct{}

func (Compressor) Code() byte {
	return 1
}

func (Compressor) Name() string {
	return "gzip"
}

func (Compressor) Compress(data []byte) ([]byte, error) {
	res := bytes.NewBuffer(nil)
	w := gzip.NewWriter(res)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	// Close must run before reading res, otherwise the tail is never flushed.
	if err := w.Close(); err != nil {
		return nil, err
	}
	return res.Bytes(), nil
}

func (Compressor) Uncompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = r.Close()
	}()
	return io.ReadAll(r)
}
