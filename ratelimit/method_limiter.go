package ratelimit

import (
	"context"

	"erpc/message"
	"erpc/middleware"
)

var _ Limiter = (*MethodLimiter)(nil)

// MethodLimiter applies Limiter to one method of one service only. An empty
// Method limits every method of Service.
type MethodLimiter struct {
	Limiter
	Service string
	Method  string
}

func (m *MethodLimiter) Build() middleware.Middleware {
	limited := m.Limiter.Build()
	return func(next middleware.Invoker) middleware.Invoker {
		throttled := limited(next)
		return func(ctx context.Context, call *message.Call) (*message.Result, error) {
			if call.ServiceName == m.Service && (m.Method == "" || call.Method == m.Method) {
				return throttled(ctx, call)
			}
			return next(ctx, call)
		}
	}
}
