package ratelimit

import (
	"context"
	_ "embed"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"erpc/message"
	"erpc/middleware"
)

//go:embed lua/slide_window.lua
var luaSlideWindow string

var _ Limiter = (*RedisSlideWindowLimiter)(nil)

// RedisSlideWindowLimiter shares one sliding window between every client
// process using the same redis and key, so the limit holds across a fleet.
type RedisSlideWindowLimiter struct {
	client redis.Cmdable
	key    string
	// max calls in the window
	maxRate int
	// window length in milliseconds
	interval int64
	onReject RejectStrategy
	logger   *zap.Logger
}

func NewRedisSlideWindowLimiter(client redis.Cmdable, key string, maxRate int, interval time.Duration) *RedisSlideWindowLimiter {
	return &RedisSlideWindowLimiter{
		client:   client,
		key:      key,
		maxRate:  maxRate,
		interval: interval.Milliseconds(),
		onReject: Reject,
		logger:   zap.L().Named("erpc.ratelimit.redis"),
	}
}

func (l *RedisSlideWindowLimiter) OnReject(onReject RejectStrategy) *RedisSlideWindowLimiter {
	l.onReject = onReject
	return l
}

// Build returns a middleware that fails open: when redis cannot answer, the
// call is let through and the error logged.
func (l *RedisSlideWindowLimiter) Build() middleware.Middleware {
	return func(next middleware.Invoker) middleware.Invoker {
		return func(ctx context.Context, call *message.Call) (*message.Result, error) {
			limited, err := l.limit(ctx)
			if err != nil {
				l.logger.Warn("rate limit check failed", zap.String("key", l.key), zap.Error(err))
				return next(ctx, call)
			}
			if limited {
				return l.onReject(ctx, call, next)
			}
			return next(ctx, call)
		}
	}
}

func (l *RedisSlideWindowLimiter) limit(ctx context.Context) (bool, error) {
	return l.client.Eval(ctx, luaSlideWindow, []string{l.key},
		l.maxRate, l.interval, time.Now().UnixMilli()).Bool()
}
