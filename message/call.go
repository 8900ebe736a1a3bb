package message

import (
	"sync/atomic"
	"time"

	"erpc/serialize"
)

var callID atomic.Uint64

// NewCallID returns a process-wide unique call id. The 64-bit space is never
// wrapped in practice, so an id is never reused while its response may still arrive.
func NewCallID() uint64 {
	return callID.Add(1)
}

// Call describes one invocation. It must not be modified once handed to the pipeline.
type Call struct {
	ServiceName string
	Method      string
	// Signature is the Go type of the stub method.
	Signature string
	Args      any
	CallID    uint64
	Deadline  time.Time
	// RoutingKey feeds hash based pickers, empty means derive one from the call.
	RoutingKey string
	Meta       map[string]string
}

// Result is a decoded response. Err is set when the provider returned an
// application error.
type Result struct {
	CallID     uint64
	Data       []byte
	Err        *RemoteError
	Serializer serialize.Serializer
}

// Unmarshal decodes the reply payload into val.
func (r *Result) Unmarshal(val any) error {
	if len(r.Data) == 0 || r.Serializer == nil {
		return nil
	}
	return r.Serializer.Decode(r.Data, val)
}

// RemoteError is an error raised by the provider's method, as opposed to a
// transport or codec failure.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "erpc: remote error: " + e.Message
}
