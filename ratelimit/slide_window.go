package ratelimit

import (
	"container/list"
	"context"
	"sync"
	"time"

	"erpc/message"
	"erpc/middleware"
)

var _ Limiter = (*SlideWindowLimiter)(nil)

// SlideWindowLimiter allows maxRate calls in any interval long window. It keeps
// the timestamp of every admitted call still inside the window.
type SlideWindowLimiter struct {
	maxRate  int
	queue    *list.List
	mutex    sync.Mutex
	interval time.Duration
	onReject RejectStrategy
}

func NewSlideWindowLimiter(maxRate int, interval time.Duration) *SlideWindowLimiter {
	return &SlideWindowLimiter{
		maxRate:  maxRate,
		interval: interval,
		queue:    list.New(),
		onReject: Reject,
	}
}

func (l *SlideWindowLimiter) OnReject(onReject RejectStrategy) *SlideWindowLimiter {
	l.onReject = onReject
	return l
}

func (l *SlideWindowLimiter) Build() middleware.Middleware {
	return func(next middleware.Invoker) middleware.Invoker {
		return func(ctx context.Context, call *message.Call) (*message.Result, error) {
			if !l.admit(time.Now()) {
				return l.onReject(ctx, call, next)
			}
			return next(ctx, call)
		}
	}
}

func (l *SlideWindowLimiter) admit(now time.Time) bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if l.queue.Len() < l.maxRate {
		l.queue.PushBack(now)
		return true
	}
	windowStart := now.Add(-l.interval)
	for front := l.queue.Front(); front != nil && !front.Value.(time.Time).After(windowStart); front = l.queue.Front() {
		l.queue.Remove(front)
	}
	if l.queue.Len() >= l.maxRate {
		return false
	}
	l.queue.PushBack(now)
	return true
}
