package transport

import (
	"context"

	"erpc/directory"
	"erpc/internal/errs"

	"github.com/cockroachdb/errors"
)

// Channel performs the network round trip of an encoded call. The deadline is
// taken from ctx. Errors are errs.ErrTimeout, errs.ErrConnect,
// errs.ErrConnectionLost and errs.ErrTransportClosed.
type Channel interface {
	Name() string
	Send(ctx context.Context, ep directory.Endpoint, callID uint64, payload []byte) ([]byte, error)
	Close() error
}

// ContextErr maps a finished ctx to the transport error taxonomy.
func ContextErr(ctx context.Context) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(errs.ErrTimeout, err.Error())
	}
	return err
}
