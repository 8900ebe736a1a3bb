package message

import (
	"bytes"
	"encoding/binary"
	"strings"

	"erpc/internal/errs"
)

const (
	splitter     = '\n'
	pairSplitter = '\r'

	// Version is the wire version written by this client.
	Version uint8 = 1

	// HeadLength | BodyLength | CallID | Version | Compressor | Serializer | Deadline
	requestFixedLength = 4 + 4 + 8 + 1 + 1 + 1 + 8
)

// Request is the wire form of a call.
type Request struct {
	HeadLength uint32
	BodyLength uint32
	CallID     uint64
	Version    uint8
	Compressor uint8
	Serializer uint8
	// Deadline in unix milliseconds, 0 means none.
	Deadline int64

	ServiceName string
	MethodName  string

	// Meta carries custom metadata, keys and values must not contain '\n' or '\r'.
	Meta map[string]string

	Data []byte
}

func (req *Request) CalculateHeaderLength() {
	headLength := requestFixedLength + len(req.ServiceName) + 1 + len(req.MethodName) + 1
	for key, value := range req.Meta {
		// key \r value \n
		headLength += len(key) + 1 + len(value) + 1
	}
	req.HeadLength = uint32(headLength)
}

func (req *Request) CalculateBodyLength() {
	req.BodyLength = uint32(len(req.Data))
}

// EncodeReq writes req in the length-prefixed layout. Lengths are recalculated.
func EncodeReq(req *Request) ([]byte, error) {
	if strings.IndexByte(req.ServiceName, splitter) >= 0 || strings.IndexByte(req.MethodName, splitter) >= 0 {
		return nil, errs.Encode(nil, "service or method name contains a line break")
	}
	for key, value := range req.Meta {
		if strings.ContainsAny(key, "\r\n") || strings.ContainsAny(value, "\r\n") {
			return nil, errs.Encode(nil, "meta %q contains a separator", key)
		}
	}
	req.CalculateHeaderLength()
	req.CalculateBodyLength()

	bs := make([]byte, int(req.HeadLength)+int(req.BodyLength))
	binary.BigEndian.PutUint32(bs[0:4], req.HeadLength)
	binary.BigEndian.PutUint32(bs[4:8], req.BodyLength)
	binary.BigEndian.PutUint64(bs[8:16], req.CallID)
	bs[16] = req.Version
	bs[17] = req.Compressor
	bs[18] = req.Serializer
	binary.BigEndian.PutUint64(bs[19:27], uint64(req.Deadline))

	cur := bs[requestFixedLength:]
	cur = cur[copy(cur, req.ServiceName):]
	cur[0] = splitter
	cur = cur[1:]
	cur = cur[copy(cur, req.MethodName):]
	cur[0] = splitter
	cur = cur[1:]
	for key, value := range req.Meta {
		cur = cur[copy(cur, key):]
		cur[0] = pairSplitter
		cur = cur[1:]
		cur = cur[copy(cur, value):]
		cur[0] = splitter
		cur = cur[1:]
	}
	copy(cur, req.Data)
	return bs, nil
}

// DecodeReq parses bs and rejects anything that is not exactly one well formed request.
func DecodeReq(bs []byte) (*Request, error) {
	if len(bs) < requestFixedLength {
		return nil, errs.Decode(nil, "request too short: %d bytes", len(bs))
	}
	req := &Request{
		HeadLength: binary.BigEndian.Uint32(bs[0:4]),
		BodyLength: binary.BigEndian.Uint32(bs[4:8]),
		CallID:     binary.BigEndian.Uint64(bs[8:16]),
		Version:    bs[16],
		Compressor: bs[17],
		Serializer: bs[18],
		Deadline:   int64(binary.BigEndian.Uint64(bs[19:27])),
	}
	if uint64(req.HeadLength)+uint64(req.BodyLength) != uint64(len(bs)) {
		return nil, errs.Decode(nil, "request length mismatch: head %d body %d actual %d",
			req.HeadLength, req.BodyLength, len(bs))
	}
	if req.HeadLength < requestFixedLength+2 {
		return nil, errs.Decode(nil, "request head too short: %d", req.HeadLength)
	}

	header := bs[requestFixedLength:req.HeadLength]
	index := bytes.IndexByte(header, splitter)
	if index < 0 {
		return nil, errs.Decode(nil, "missing service name")
	}
	req.ServiceName = string(header[:index])
	header = header[index+1:]

	index = bytes.IndexByte(header, splitter)
	if index < 0 {
		return nil, errs.Decode(nil, "missing method name")
	}
	req.MethodName = string(header[:index])
	header = header[index+1:]

	for len(header) > 0 {
		index = bytes.IndexByte(header, splitter)
		if index < 0 {
			return nil, errs.Decode(nil, "unterminated meta pair")
		}
		pair := header[:index]
		pairIndex := bytes.IndexByte(pair, pairSplitter)
		if pairIndex < 0 {
			return nil, errs.Decode(nil, "malformed meta pair")
		}
		if req.Meta == nil {
			req.Meta = make(map[string]string, 4)
		}
		req.Meta[string(pair[:pairIndex])] = string(pair[pairIndex+1:])
		header = header[index+1:]
	}
	if req.BodyLength != 0 {
		req.Data = bs[req.HeadLength:]
	}
	return req, nil
}
