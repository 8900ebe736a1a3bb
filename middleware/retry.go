package middleware

import (
	"context"
	"time"

	"erpc/internal/errs"
	"erpc/message"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// Retryable reports whether a failed call may be sent again. Only failures
// that happened before the provider could have run the call qualify by default.
type Retryable func(err error) bool

func DefaultRetryable(err error) bool {
	return errors.Is(err, errs.ErrConnect) || errors.Is(err, errs.ErrNoEndpointAvailable)
}

// Retry resends a failed call up to maxRetries times with exponential backoff.
// Every attempt gets a fresh call id and the deadline of the original call,
// which is never extended.
func Retry(maxRetries int, baseDelay time.Duration, retryable Retryable) Middleware {
	if retryable == nil {
		retryable = DefaultRetryable
	}
	logger := zap.L().Named("erpc.middleware.retry")
	return func(next Invoker) Invoker {
		return func(ctx context.Context, call *message.Call) (*message.Result, error) {
			res, err := next(ctx, call)
			for i := 0; i < maxRetries && err != nil && retryable(err); i++ {
				delay := baseDelay * time.Duration(1<<i)
				if !call.Deadline.IsZero() && time.Now().Add(delay).After(call.Deadline) {
					return res, err
				}
				logger.Debug("retry call",
					zap.String("service", call.ServiceName), zap.String("method", call.Method),
					zap.Int("attempt", i+1), zap.Error(err))
				select {
				case <-ctx.Done():
					return res, err
				case <-time.After(delay):
				}
				again := *call
				again.CallID = message.NewCallID()
				res, err = next(ctx, &again)
			}
			return res, err
		}
	}
}
