package message

import (
	"encoding/binary"

	"erpc/internal/errs"
)

// HeadLength | BodyLength | CallID | Version | Compressor | Serializer
const responseFixedLength = 4 + 4 + 8 + 1 + 1 + 1

// Response is the wire form of a result. Error is the provider's
// application error text, empty on success.
type Response struct {
	HeadLength uint32
	BodyLength uint32
	CallID     uint64
	Version    uint8
	Compressor uint8
	Serializer uint8
	Error      []byte
	Data       []byte
}

func (resp *Response) CalculateHeaderLength() {
	resp.HeadLength = responseFixedLength + uint32(len(resp.Error))
}

func (resp *Response) CalculateBodyLength() {
	resp.BodyLength = uint32(len(resp.Data))
}

func EncodeResp(resp *Response) []byte {
	resp.CalculateHeaderLength()
	resp.CalculateBodyLength()
	bs := make([]byte, int(resp.HeadLength)+int(resp.BodyLength))
	binary.BigEndian.PutUint32(bs[0:4], resp.HeadLength)
	binary.BigEndian.PutUint32(bs[4:8], resp.BodyLength)
	binary.BigEndian.PutUint64(bs[8:16], resp.CallID)
	bs[16] = resp.Version
	bs[17] = resp.Compressor
	bs[18] = resp.Serializer

	cur := bs[responseFixedLength:]
	cur = cur[copy(cur, resp.Error):]
	copy(cur, resp.Data)
	return bs
}

func DecodeResp(bs []byte) (*Response, error) {
	if len(bs) < responseFixedLength {
		return nil, errs.Decode(nil, "response too short: %d bytes", len(bs))
	}
	resp := &Response{
		HeadLength: binary.BigEndian.Uint32(bs[0:4]),
		BodyLength: binary.BigEndian.Uint32(bs[4:8]),
		CallID:     binary.BigEndian.Uint64(bs[8:16]),
		Version:    bs[16],
		Compressor: bs[17],
		Serializer: bs[18],
	}
	if resp.HeadLength < responseFixedLength ||
		uint64(resp.HeadLength)+uint64(resp.BodyLength) != uint64(len(bs)) {
		return nil, errs.Decode(nil, "response length mismatch: head %d body %d actual %d",
			resp.HeadLength, resp.BodyLength, len(bs))
	}
	if resp.HeadLength > responseFixedLength {
		resp.Error = bs[responseFixedLength:resp.HeadLength]
	}
	if resp.BodyLength > 0 {
		resp.Data = bs[resp.HeadLength:]
	}
	return resp, nil
}
