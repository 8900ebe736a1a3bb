package transport

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrame(t *testing.T) {
	testCases := []struct {
		name    string
		input   func() []byte
		maxBody uint32
		want    Frame
		wantErr error
	}{
		{
			name: "request",
			input: func() []byte {
				buf := &bytes.Buffer{}
				_ = WriteFrame(buf, Frame{Kind: KindRequest, CallID: 1 << 50, Body: []byte("hello")})
				return buf.Bytes()
			},
			want: Frame{Kind: KindRequest, CallID: 1 << 50, Body: []byte("hello")},
		},
		{
			name: "ping without body",
			input: func() []byte {
				buf := &bytes.Buffer{}
				_ = WriteFrame(buf, Frame{Kind: KindPing})
				return buf.Bytes()
			},
			want: Frame{Kind: KindPing},
		},
		{
			name: "bad magic",
			input: func() []byte {
				return make([]byte, HeaderLength)
			},
			wantErr: ErrBadMagic,
		},
		{
			name: "truncated body",
			input: func() []byte {
				buf := &bytes.Buffer{}
				_ = WriteFrame(buf, Frame{Kind: KindResponse, CallID: 2, Body: []byte("hello")})
				return buf.Bytes()[:buf.Len()-1]
			},
			wantErr: io.ErrUnexpectedEOF,
		},
		{
			name: "too large",
			input: func() []byte {
				buf := &bytes.Buffer{}
				_ = WriteFrame(buf, Frame{Kind: KindResponse, CallID: 3, Body: make([]byte, 64)})
				return buf.Bytes()
			},
			maxBody: 32,
			wantErr: ErrFrameTooLarge,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f, err := ReadFrame(bytes.NewReader(tc.input()), tc.maxBody)
			assert.ErrorIs(t, err, tc.wantErr)
			if err != nil {
				return
			}
			require.Equal(t, tc.want, f)
		})
	}
}
