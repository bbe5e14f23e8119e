// Package router implements the method-keyed dispatch table that serves a protocol.
//
// A Router maps method names to slots. Generated stubs, or hand-written code, register
// one function per method with On; the router narrows the params atom to the concrete
// type that function expects and widens its results back into the results family.
//
//	r := router.New[Params, NotificationParams, Results](logger)
//	router.On(r, func(ctx context.Context, h Handle, p DoubleParams) (DoubleResults, error) { ... })
//	transport.New(conn, proto, r)
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"lavish-rpc/message"
	"lavish-rpc/middleware"
	"lavish-rpc/rpcerr"
	"lavish-rpc/transport"
)

// Router dispatches requests and notifications by method name.
// It implements both transport.Handler and transport.NotificationHandler.
type Router[P, NP, R message.Atom] struct {
	mu            sync.RWMutex
	slots         map[string]transport.Handler[P, NP, R]
	notifications map[string]transport.NotificationHandler[P, NP, R]
	middlewares   []middleware.Middleware[P, NP, R]
	chain         transport.Handler[P, NP, R] // dispatch wrapped in middlewares

	logger *slog.Logger
}

// New returns an empty router. A nil logger means slog.Default().
func New[P, NP, R message.Atom](logger *slog.Logger) *Router[P, NP, R] {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router[P, NP, R]{
		slots:         make(map[string]transport.Handler[P, NP, R]),
		notifications: make(map[string]transport.NotificationHandler[P, NP, R]),
		logger:        logger,
	}
	r.chain = transport.HandlerFunc[P, NP, R](r.dispatch)
	return r
}

// Handle registers the slot for method. It panics if method already has one.
func (r *Router[P, NP, R]) Handle(method string, slot transport.Handler[P, NP, R]) {
	if slot == nil {
		panic("router: nil slot for " + method)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.slots[method]; dup {
		panic("router: multiple registrations for " + method)
	}
	r.slots[method] = slot
}

// RegisterNotification registers the receiver for a notification method.
func (r *Router[P, NP, R]) RegisterNotification(method string, nh transport.NotificationHandler[P, NP, R]) {
	if nh == nil {
		panic("router: nil notification handler for " + method)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.notifications[method]; dup {
		panic("router: multiple registrations for notification " + method)
	}
	r.notifications[method] = nh
}

// Use appends middlewares around every call slot, the first one outermost.
func (r *Router[P, NP, R]) Use(mws ...middleware.Middleware[P, NP, R]) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.middlewares = append(r.middlewares, mws...)
	r.chain = middleware.Chain(r.middlewares...)(transport.HandlerFunc[P, NP, R](r.dispatch))
}

// Methods returns the number of registered call slots.
func (r *Router[P, NP, R]) Methods() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.slots)
}

func (r *Router[P, NP, R]) HandleCall(ctx context.Context, h transport.Handle[P, NP, R], params P) (R, error) {
	r.mu.RLock()
	chain := r.chain
	r.mu.RUnlock()

	return chain.HandleCall(ctx, h, params)
}

func (r *Router[P, NP, R]) dispatch(ctx context.Context, h transport.Handle[P, NP, R], params P) (R, error) {
	method := params.Method()

	r.mu.RLock()
	slot, ok := r.slots[method]
	r.mu.RUnlock()

	if !ok {
		var zero R
		return zero, &rpcerr.MethodUnimplementedError{Method: method}
	}
	return slot.HandleCall(ctx, h, params)
}

func (r *Router[P, NP, R]) HandleNotification(ctx context.Context, h transport.Handle[P, NP, R], params NP) {
	method := params.Method()

	r.mu.RLock()
	nh, ok := r.notifications[method]
	r.mu.RUnlock()

	if !ok {
		r.logger.Debug("no route for notification", transport.LabelMethod.L(method))
		return
	}
	nh.HandleNotification(ctx, h, params)
}

// On registers fn as the slot for PP's method.
//
// PP must be a member of the params family and RR a member of the results family;
// On panics otherwise. At call time a params value of another type is rejected with
// rpcerr.ErrWrongParams.
func On[PP, RR message.Atom, P, NP, R message.Atom](r *Router[P, NP, R], fn func(ctx context.Context, h transport.Handle[P, NP, R], params PP) (RR, error)) {
	var pp PP
	var rr RR
	if _, ok := any(pp).(P); !ok {
		panic(fmt.Sprintf("router: %T is not a params type of this protocol", pp))
	}
	if _, ok := any(rr).(R); !ok {
		panic(fmt.Sprintf("router: %T is not a results type of this protocol", rr))
	}

	r.Handle(pp.Method(), transport.HandlerFunc[P, NP, R](func(ctx context.Context, h transport.Handle[P, NP, R], params P) (R, error) {
		var zero R
		narrow, ok := any(params).(PP)
		if !ok {
			return zero, fmt.Errorf("%w: %s got %T", rpcerr.ErrWrongParams, pp.Method(), params)
		}
		results, err := fn(ctx, h, narrow)
		if err != nil {
			return zero, err
		}
		return any(results).(R), nil
	}))
}

// OnNotification registers fn as the receiver of NN's notification method.
func OnNotification[NN message.Atom, P, NP, R message.Atom](r *Router[P, NP, R], fn func(ctx context.Context, h transport.Handle[P, NP, R], params NN)) {
	var nn NN
	if _, ok := any(nn).(NP); !ok {
		panic(fmt.Sprintf("router: %T is not a notification type of this protocol", nn))
	}

	r.RegisterNotification(nn.Method(), transport.NotificationFunc[P, NP, R](func(ctx context.Context, h transport.Handle[P, NP, R], params NP) {
		narrow, ok := any(params).(NN)
		if !ok {
			r.logger.Warn("notification of unexpected type",
				transport.LabelMethod.L(nn.Method()),
				transport.LabelError.L(fmt.Errorf("%w: got %T", rpcerr.ErrWrongParams, params)))
			return
		}
		fn(ctx, h, narrow)
	}))
}
