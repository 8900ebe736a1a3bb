package compress

// Compressor compresses the serialized payload of a call.
type Compressor interface {
	Code() byte
	Name() string
	Compress(data []byte) ([]byte, error)
	Uncompress(data []byte) ([]byte, error)
}

var _ Compressor = DoNothingCompressor{}

// DoNothingCompressor is used when no compression is configured, so callers never
// have to nil check.
type DoNothingCompressor struct{}

func (DoNothingCompressor) Code() byte {
	return 0
}

func (DoNothingCompressor) Name() string {
	return "none"
}

func (DoNothingCompressor) Compress(data []byte) ([]byte, error) {
	return data, nil
}

func (DoNothingCompressor) Uncompress(data []byte) ([]byte, error) {
	return data, nil
}
