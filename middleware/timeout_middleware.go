package middleware

import (
	"context"
	"errors"
	"time"

	"lavish-rpc/message"
	"lavish-rpc/transport"
)

var ErrHandlerTimeout = errors.New("request timed out")

// TimeOutMiddleware bounds how long a handler may run. The handler keeps running
// in the background after the deadline, with its context cancelled.
func TimeOutMiddleware[P, NP, R message.Atom](timeout time.Duration) Middleware[P, NP, R] {
	type outcome struct {
		results R
		err     error
	}

	return func(next transport.Handler[P, NP, R]) transport.Handler[P, NP, R] {
		return transport.HandlerFunc[P, NP, R](func(ctx context.Context, h transport.Handle[P, NP, R], params P) (R, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan outcome, 1)
			go func() {
				results, err := next.HandleCall(ctx, h, params)
				done <- outcome{results, err}
			}()

			select {
			case o := <-done:
				return o.results, o.err
			case <-ctx.Done():
				var zero R
				return zero, ErrHandlerTimeout
			}
		})
	}
}
