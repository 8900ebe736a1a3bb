package errs

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// per-call errors
var (
	ErrNoEndpointAvailable = errors.New("erpc: no endpoint available")
	ErrConnect             = errors.New("erpc: unable to connect to endpoint")
	ErrConnectionLost      = errors.New("erpc: connection lost while awaiting response")
	ErrTimeout             = errors.New("erpc: call timed out")
	ErrTransportClosed     = errors.New("erpc: transport closed")
	ErrEncode              = errors.New("erpc: encode call failed")
	ErrDecode              = errors.New("erpc: decode result failed")
	ErrClientClosed        = errors.New("erpc: client closed")
)

// assembly errors
var (
	ErrAmbiguousStrategy    = errors.New("erpc: more than one strategy selected")
	ErrNoStrategySelected   = errors.New("erpc: no strategy selected")
	ErrUnresolvedDependency = errors.New("erpc: pipeline dependency not assembled")
	ErrInvalidStub          = errors.New("erpc: stub must be a pointer to struct of func(context.Context, *In) (*Out, error) fields")
)

var (
	ErrProtoSerializeType   = errors.New("serialize: serialization must be proto.Message type")
	ErrProtoDeserializeType = errors.New("serialize: deserialization must be proto.Message type")
	ErrUnknownSerializer    = errors.New("serialize: unknown serializer")
	ErrUnknownCompressor    = errors.New("compress: unknown compressor")
)

func AmbiguousStrategy(point string) error {
	return errors.Wrapf(ErrAmbiguousStrategy, "extension point %q", point)
}

func NoStrategySelected(point, value string) error {
	return errors.Wrapf(ErrNoStrategySelected, "extension point %q, value %q", point, value)
}

func UnresolvedDependency(dep string) error {
	return errors.Wrapf(ErrUnresolvedDependency, "missing %s", dep)
}

func InvalidStubField(field string) error {
	return errors.Wrapf(ErrInvalidStub, "field %s", field)
}

// Decode wraps a decode failure so that errors.Is(err, ErrDecode) holds.
func Decode(cause error, format string, args ...any) error {
	return wrap(ErrDecode, cause, format, args...)
}

// Encode wraps an encode failure so that errors.Is(err, ErrEncode) holds.
func Encode(cause error, format string, args ...any) error {
	return wrap(ErrEncode, cause, format, args...)
}

func Connect(cause error, addr string) error {
	return wrap(ErrConnect, cause, "dial %s", addr)
}

func ConnectionLost(cause error, addr string) error {
	return wrap(ErrConnectionLost, cause, "endpoint %s", addr)
}

func wrap(sentinel, cause error, format string, args ...any) error {
	if cause == nil {
		return errors.Wrapf(sentinel, format, args...)
	}
	return errors.Wrapf(sentinel, "%s: %v", fmt.Sprintf(format, args...), cause)
}
