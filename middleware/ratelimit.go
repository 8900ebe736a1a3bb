package middleware

import (
	"context"

	"erpc/message"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"
)

var ErrRateLimited = errors.New("erpc: client rate limit exceeded")

// RateLimit rejects calls beyond r per second with bursts of burst, without
// touching the network.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next Invoker) Invoker {
		return func(ctx context.Context, call *message.Call) (*message.Result, error) {
			if !limiter.Allow() {
				return nil, errors.Wrapf(ErrRateLimited, "%s.%s", call.ServiceName, call.Method)
			}
			return next(ctx, call)
		}
	}
}

// RateWait queues calls until the limiter admits them or ctx is done.
func RateWait(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next Invoker) Invoker {
		return func(ctx context.Context, call *message.Call) (*message.Result, error) {
			if err := limiter.Wait(ctx); err != nil {
				return nil, errors.Wrapf(ErrRateLimited, "%s.%s: %v", call.ServiceName, call.Method, err)
			}
			return next(ctx, call)
		}
	}
}
