// Package middleware wraps request handlers in an onion of cross-cutting concerns.
//
//	Chain(Logging, Timeout, RateLimit)(handler):
//
//	request ──→ Logging ──→ Timeout ──→ RateLimit ──→ handler
//	response ←─ Logging ←── Timeout ←── RateLimit ←──┘
//
// The first middleware passed to Chain is the outermost layer.
package middleware

import (
	"lavish-rpc/message"
	"lavish-rpc/transport"
)

type Middleware[P, NP, R message.Atom] func(next transport.Handler[P, NP, R]) transport.Handler[P, NP, R]

// Chain 将多个中间件组合成一个中间件
func Chain[P, NP, R message.Atom](middlewares ...Middleware[P, NP, R]) Middleware[P, NP, R] {
	return func(next transport.Handler[P, NP, R]) transport.Handler[P, NP, R] {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
