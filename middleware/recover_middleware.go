package middleware

import (
	"context"
	"fmt"

	"lavish-rpc/message"
	"lavish-rpc/transport"
)

// RecoverMiddleware turns a handler panic into an error, so the panic is reported to
// the caller in an error response instead of unwinding further up the onion.
func RecoverMiddleware[P, NP, R message.Atom]() Middleware[P, NP, R] {
	return func(next transport.Handler[P, NP, R]) transport.Handler[P, NP, R] {
		return transport.HandlerFunc[P, NP, R](func(ctx context.Context, h transport.Handle[P, NP, R], params P) (results R, err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic in %s: %v", params.Method(), r)
				}
			}()
			return next.HandleCall(ctx, h, params)
		})
	}
}
