package ratelimit

import (
	"context"
	"sync/atomic"
	"time"

	"erpc/message"
	"erpc/middleware"
)

var _ Limiter = (*FixWindowLimiter)(nil)

type FixWindowLimiter struct {
	interval int64
	// at most maxRate calls per interval
	maxRate     int64
	cnt         atomic.Int64
	windowStart atomic.Int64
	onReject    RejectStrategy
}

// NewFixWindowLimiter allows maxRate calls in every window of length interval.
func NewFixWindowLimiter(interval time.Duration, maxRate int64) *FixWindowLimiter {
	l := &FixWindowLimiter{
		interval: interval.Nanoseconds(),
		maxRate:  maxRate,
		onReject: Reject,
	}
	l.windowStart.Store(time.Now().UnixNano())
	return l
}

func (l *FixWindowLimiter) OnReject(onReject RejectStrategy) *FixWindowLimiter {
	l.onReject = onReject
	return l
}

func (l *FixWindowLimiter) Build() middleware.Middleware {
	return func(next middleware.Invoker) middleware.Invoker {
		return func(ctx context.Context, call *message.Call) (*message.Result, error) {
			now := time.Now().UnixNano()
			window := l.windowStart.Load()
			if window+l.interval < now {
				// a failed CAS means another goroutine already opened the new window
				if l.windowStart.CompareAndSwap(window, now) {
					l.cnt.Store(0)
				}
			}
			if l.cnt.Add(1) > l.maxRate {
				return l.onReject(ctx, call, next)
			}
			return next(ctx, call)
		}
	}
}
