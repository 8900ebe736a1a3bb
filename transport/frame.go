package transport

import (
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"
)

// Frame layout, big endian:
//
//	magic(2) "er" | version(1) | kind(1) | call id(8) | body length(4) | body
const HeaderLength = 16

const (
	magic0       = 'e'
	magic1       = 'r'
	FrameVersion = 1

	DefaultMaxBodyLength = 16 << 20
)

const (
	KindRequest byte = iota + 1
	KindResponse
	KindPing
	KindPong
)

var (
	ErrBadMagic      = errors.New("transport: bad frame magic")
	ErrFrameTooLarge = errors.New("transport: frame body too large")
)

type Frame struct {
	Kind   byte
	CallID uint64
	Body   []byte
}

// WriteFrame writes f with a single Write call, so concurrent writers only
// need to serialize calls to WriteFrame.
func WriteFrame(w io.Writer, f Frame) error {
	bs := make([]byte, HeaderLength+len(f.Body))
	bs[0] = magic0
	bs[1] = magic1
	bs[2] = FrameVersion
	bs[3] = f.Kind
	binary.BigEndian.PutUint64(bs[4:12], f.CallID)
	binary.BigEndian.PutUint32(bs[12:16], uint32(len(f.Body)))
	copy(bs[HeaderLength:], f.Body)
	_, err := w.Write(bs)
	return err
}

func ReadFrame(r io.Reader, maxBodyLength uint32) (Frame, error) {
	var header [HeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, err
	}
	if header[0] != magic0 || header[1] != magic1 {
		return Frame{}, ErrBadMagic
	}
	f := Frame{
		Kind:   header[3],
		CallID: binary.BigEndian.Uint64(header[4:12]),
	}
	bodyLength := binary.BigEndian.Uint32(header[12:16])
	if maxBodyLength > 0 && bodyLength > maxBodyLength {
		return Frame{}, errors.Wrapf(ErrFrameTooLarge, "%d bytes", bodyLength)
	}
	if bodyLength > 0 {
		f.Body = make([]byte, bodyLength)
		if _, err := io.ReadFull(r, f.Body); err != nil {
			return Frame{}, err
		}
	}
	return f, nil
}
