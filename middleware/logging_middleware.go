package middleware

import (
	"context"
	"log/slog"
	"time"

	"lavish-rpc/message"
	"lavish-rpc/transport"
)

// LoggingMiddleware logs the method, duration and error of every call.
// A nil logger means slog.Default().
func LoggingMiddleware[P, NP, R message.Atom](logger *slog.Logger) Middleware[P, NP, R] {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next transport.Handler[P, NP, R]) transport.Handler[P, NP, R] {
		return transport.HandlerFunc[P, NP, R](func(ctx context.Context, h transport.Handle[P, NP, R], params P) (R, error) {
			start := time.Now()
			results, err := next.HandleCall(ctx, h, params)
			duration := time.Since(start)

			if err != nil {
				logger.Warn("call failed",
					transport.LabelMethod.L(params.Method()),
					slog.Duration("duration", duration),
					transport.LabelError.L(err))
			} else {
				logger.Info("call served",
					transport.LabelMethod.L(params.Method()),
					slog.Duration("duration", duration))
			}
			return results, err
		})
	}
}
