package middleware

import (
	"context"
	"errors"

	"golang.org/x/time/rate"

	"lavish-rpc/message"
	"lavish-rpc/transport"
)

var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimitMiddleware 创建一个基于令牌桶算法的限流中间件
func RateLimitMiddleware[P, NP, R message.Atom](r float64, burst int) Middleware[P, NP, R] {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next transport.Handler[P, NP, R]) transport.Handler[P, NP, R] {
		return transport.HandlerFunc[P, NP, R](func(ctx context.Context, h transport.Handle[P, NP, R], params P) (R, error) {
			if !limiter.Allow() {
				var zero R
				return zero, ErrRateLimited
			}
			return next.HandleCall(ctx, h, params)
		})
	}
}
