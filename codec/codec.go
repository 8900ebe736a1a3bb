package codec

import (
	"fmt"
	"time"

	"erpc/compress"
	"erpc/internal/errs"
	"erpc/message"
	"erpc/serialize"
)

// Codec turns a call into bytes for the transport and a response back into a result.
type Codec interface {
	Name() string
	Encode(call *message.Call) ([]byte, error)
	Decode(bs []byte) (*message.Result, error)
}

var _ Codec = (*Binary)(nil)

// Binary frames calls in the length-prefixed message layout. The payload format is
// delegated to a serializer and a compressor so both can change independently.
type Binary struct {
	serializer serialize.Serializer
	compressor compress.Compressor
}

func New(serializer serialize.Serializer, compressor compress.Compressor) *Binary {
	if compressor == nil {
		compressor = compress.DoNothingCompressor{}
	}
	return &Binary{serializer: serializer, compressor: compressor}
}

func (c *Binary) Name() string {
	return "binary/" + c.serializer.Name() + "+" + c.compressor.Name()
}

func (c *Binary) Serializer() serialize.Serializer {
	return c.serializer
}

func (c *Binary) Encode(call *message.Call) ([]byte, error) {
	data, err := c.serializer.Encode(call.Args)
	if err != nil {
		return nil, errs.Encode(err, "serialize arguments of %s.%s", call.ServiceName, call.Method)
	}
	data, err = c.compressor.Compress(data)
	if err != nil {
		return nil, errs.Encode(err, "compress arguments of %s.%s", call.ServiceName, call.Method)
	}
	var deadline int64
	if !call.Deadline.IsZero() {
		deadline = call.Deadline.UnixMilli()
	}
	req := &message.Request{
		CallID:      call.CallID,
		Version:     message.Version,
		Compressor:  c.compressor.Code(),
		Serializer:  c.serializer.Code(),
		Deadline:    deadline,
		ServiceName: call.ServiceName,
		MethodName:  call.Method,
		Meta:        call.Meta,
		Data:        data,
	}
	return message.EncodeReq(req)
}

func (c *Binary) Decode(bs []byte) (*message.Result, error) {
	resp, err := message.DecodeResp(bs)
	if err != nil {
		return nil, err
	}
	if err = c.checkCodes(resp.Serializer, resp.Compressor); err != nil {
		return nil, err
	}
	res := &message.Result{
		CallID:     resp.CallID,
		Serializer: c.serializer,
	}
	if len(resp.Error) > 0 {
		res.Err = &message.RemoteError{Message: string(resp.Error)}
	}
	if len(resp.Data) > 0 {
		res.Data, err = c.compressor.Uncompress(resp.Data)
		if err != nil {
			return nil, errs.Decode(err, "uncompress result of call %d", resp.CallID)
		}
	}
	return res, nil
}

// DecodeRequest is the provider side of Encode. The returned request carries the
// uncompressed argument payload.
func (c *Binary) DecodeRequest(bs []byte) (*message.Request, error) {
	req, err := message.DecodeReq(bs)
	if err != nil {
		return nil, err
	}
	if err = c.checkCodes(req.Serializer, req.Compressor); err != nil {
		return nil, err
	}
	if len(req.Data) > 0 {
		req.Data, err = c.compressor.Uncompress(req.Data)
		if err != nil {
			return nil, errs.Decode(err, "uncompress arguments of call %d", req.CallID)
		}
	}
	return req, nil
}

// EncodeResult is the provider side of Decode. A non-nil appErr is sent as the
// remote application error and reply is ignored.
func (c *Binary) EncodeResult(callID uint64, reply any, appErr error) ([]byte, error) {
	resp := &message.Response{
		CallID:     callID,
		Version:    message.Version,
		Compressor: c.compressor.Code(),
		Serializer: c.serializer.Code(),
	}
	if appErr != nil {
		// an empty error section reads as success
		text := appErr.Error()
		if text == "" {
			text = fmt.Sprintf("%T with empty message", appErr)
		}
		resp.Error = []byte(text)
		return message.EncodeResp(resp), nil
	}
	data, err := c.serializer.Encode(reply)
	if err != nil {
		return nil, errs.Encode(err, "serialize result of call %d", callID)
	}
	if resp.Data, err = c.compressor.Compress(data); err != nil {
		return nil, errs.Encode(err, "compress result of call %d", callID)
	}
	return message.EncodeResp(resp), nil
}

func (c *Binary) checkCodes(serializer, compressor uint8) error {
	if serializer != c.serializer.Code() {
		return errs.Decode(nil, "serializer %d, want %d", serializer, c.serializer.Code())
	}
	if compressor != c.compressor.Code() {
		return errs.Decode(nil, "compressor %d, want %d", compressor, c.compressor.Code())
	}
	return nil
}

// DeadlineOf converts the wire deadline back to a time, zero when unset.
func DeadlineOf(req *message.Request) time.Time {
	if req.Deadline == 0 {
		return time.Time{}
	}
	return time.UnixMilli(req.Deadline)
}
