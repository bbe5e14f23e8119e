package transport

import (
	"context"

	"lavish-rpc/message"
)

// Handler serves inbound requests. The runtime invokes it on its own goroutine for
// every Request, so a slow call never holds up the ones behind it.
//
// The returned results become Response{id, results}; a non-nil error becomes
// Response{id, error: err.Error()}. The Handle lets a handler call back into the peer.
type Handler[P, NP, R message.Atom] interface {
	HandleCall(ctx context.Context, h Handle[P, NP, R], params P) (R, error)
}

// HandlerFunc adapts a plain function to a Handler.
type HandlerFunc[P, NP, R message.Atom] func(ctx context.Context, h Handle[P, NP, R], params P) (R, error)

func (f HandlerFunc[P, NP, R]) HandleCall(ctx context.Context, h Handle[P, NP, R], params P) (R, error) {
	return f(ctx, h, params)
}

// NotificationHandler receives inbound notifications. Nothing is sent back.
type NotificationHandler[P, NP, R message.Atom] interface {
	HandleNotification(ctx context.Context, h Handle[P, NP, R], params NP)
}

type NotificationFunc[P, NP, R message.Atom] func(ctx context.Context, h Handle[P, NP, R], params NP)

func (f NotificationFunc[P, NP, R]) HandleNotification(ctx context.Context, h Handle[P, NP, R], params NP) {
	f(ctx, h, params)
}
