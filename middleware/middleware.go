package middleware

import (
	"context"

	"erpc/message"
)

// Invoker runs one call through the pipeline.
type Invoker func(ctx context.Context, call *message.Call) (*message.Result, error)

type Middleware func(next Invoker) Invoker

// Chain composes middlewares, the first one is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next Invoker) Invoker {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
