package middleware

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"lavish-rpc/message"
	"lavish-rpc/transport"
)

// Retryable reports whether a failed call may succeed if tried again.
type Retryable func(err error) bool

// DefaultRetryable retries timeouts and refused connections.
func DefaultRetryable(err error) bool {
	if errors.Is(err, ErrHandlerTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return strings.Contains(err.Error(), "connection refused")
}

// RetryMiddleware re-runs the handler on retryable errors, with exponential backoff
// starting at baseDelay. It gives up early when ctx is done. Each retry is logged
// at debug level; a nil logger means slog.Default().
func RetryMiddleware[P, NP, R message.Atom](logger *slog.Logger, maxRetries int, baseDelay time.Duration, retryable Retryable) Middleware[P, NP, R] {
	if logger == nil {
		logger = slog.Default()
	}
	if retryable == nil {
		retryable = DefaultRetryable
	}
	return func(next transport.Handler[P, NP, R]) transport.Handler[P, NP, R] {
		return transport.HandlerFunc[P, NP, R](func(ctx context.Context, h transport.Handle[P, NP, R], params P) (R, error) {
			results, err := next.HandleCall(ctx, h, params)
			for i := 0; i < maxRetries; i++ {
				if err == nil || !retryable(err) {
					return results, err
				}

				logger.Debug("retrying call",
					slog.Int("attempt", i+1),
					transport.LabelMethod.L(params.Method()),
					transport.LabelError.L(err))

				timer := time.NewTimer(baseDelay * time.Duration(1<<i)) // Exponential backoff
				select {
				case <-timer.C:
				case <-ctx.Done():
					timer.Stop()
					return results, err
				}
				results, err = next.HandleCall(ctx, h, params)
			}
			return results, err // Return last response after retries
		})
	}
}
