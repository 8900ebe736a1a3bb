package ratelimit

import (
	"context"

	"github.com/cockroachdb/errors"

	"erpc/message"
	"erpc/middleware"
)

// Limiter throttles outgoing calls before they reach the pipeline.
type Limiter interface {
	Build() middleware.Middleware
}

// RejectStrategy decides what happens to a call over the limit.
type RejectStrategy func(ctx context.Context, call *message.Call, next middleware.Invoker) (*message.Result, error)

// Reject fails the call with middleware.ErrRateLimited.
var Reject RejectStrategy = func(ctx context.Context, call *message.Call, next middleware.Invoker) (*message.Result, error) {
	return nil, errors.Wrapf(middleware.ErrRateLimited, "%s.%s", call.ServiceName, call.Method)
}

type limitedKey struct{}

// MarkLimited lets the call through and flags ctx, see Limited.
var MarkLimited RejectStrategy = func(ctx context.Context, call *message.Call, next middleware.Invoker) (*message.Result, error) {
	return next(context.WithValue(ctx, limitedKey{}, true), call)
}

// Limited reports whether a MarkLimited limiter let this call through over its limit.
func Limited(ctx context.Context) bool {
	limited, _ := ctx.Value(limitedKey{}).(bool)
	return limited
}
