// Package server implements the accept loop of a lavish-rpc peer, with a middleware
// chain and graceful shutdown.
//
// Connection lifecycle:
//
//	Accept conn → transport.New (one Runtime per connection: read pump + write pump)
//	  → for each request: go handler (parallel processing)
//	    → Middleware Chain → Router / Handler → Response → outbound queue
//
// Every accepted connection is a full peer: the handler receives a Handle and may
// call back into the client over the same connection.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"lavish-rpc/message"
	"lavish-rpc/middleware"
	"lavish-rpc/transport"
)

var ErrServerClosed = errors.New("server: closed")

// Server accepts connections and serves each with its own transport.Runtime.
type Server[P, NP, R message.Atom] struct {
	proto       message.Protocol[P, NP, R]
	handler     transport.Handler[P, NP, R]
	opts        []transport.Option
	middlewares []middleware.Middleware[P, NP, R] // Registered middlewares (applied in order)
	logger      *slog.Logger

	mu       sync.Mutex
	listener net.Listener                              // Set by Serve, closed by Shutdown
	conns    map[*transport.Runtime[P, NP, R]]struct{} // Live connections
	wg       sync.WaitGroup                            // Tracks live connections for graceful shutdown
	shutdown atomic.Bool                               // Set during shutdown to suppress Accept errors
}

// NewServer creates a server for proto. opts configure every connection's runtime.
func NewServer[P, NP, R message.Atom](proto message.Protocol[P, NP, R], handler transport.Handler[P, NP, R], opts ...transport.Option) *Server[P, NP, R] {
	return &Server[P, NP, R]{
		proto:   proto,
		handler: handler,
		opts:    opts,
		logger:  transport.Logger(opts...),
		conns:   make(map[*transport.Runtime[P, NP, R]]struct{}),
	}
}

// Use registers a middleware. Middlewares are applied in the order they are added,
// and only to connections accepted afterwards.
func (svr *Server[P, NP, R]) Use(mw middleware.Middleware[P, NP, R]) {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	svr.middlewares = append(svr.middlewares, mw)
}

// ListenAndServe listens on the address and serves until Shutdown.
func (svr *Server[P, NP, R]) ListenAndServe(network, address string) error {
	ln, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return svr.Serve(ln)
}

// Serve runs the accept loop on ln, one Runtime per connection. It returns nil
// after Shutdown and the Accept error otherwise.
func (svr *Server[P, NP, R]) Serve(ln net.Listener) error {
	if err := svr.setListener(ln); err != nil {
		return err
	}
	svr.logger.Info("serving", slog.String("addr", ln.Addr().String()))

	// Accept loop: one runtime per connection
	for {
		conn, err := ln.Accept()
		if err != nil {
			// During shutdown, listener.Close() causes Accept to return an error.
			// Check the shutdown flag to distinguish intentional close from real errors.
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		if _, err := svr.ServeConn(conn); err != nil {
			svr.logger.Warn("rejecting connection", transport.LabelPeerAddr.L(conn.RemoteAddr().String()), transport.LabelError.L(err))
			conn.Close()
		}
	}
}

// ServeOnce accepts a single connection on ln and serves it until it ends. It
// returns the error that ended the connection, nil for a clean hang-up.
func (svr *Server[P, NP, R]) ServeOnce(ln net.Listener) error {
	if err := svr.setListener(ln); err != nil {
		return err
	}
	conn, err := ln.Accept()
	if err != nil {
		if svr.shutdown.Load() {
			return nil
		}
		return err
	}
	rt, err := svr.ServeConn(conn)
	if err != nil {
		conn.Close()
		return err
	}
	return rt.Wait()
}

// ServeConn starts serving an already established connection.
func (svr *Server[P, NP, R]) ServeConn(conn net.Conn) (*transport.Runtime[P, NP, R], error) {
	if svr.shutdown.Load() {
		return nil, ErrServerClosed
	}

	svr.mu.Lock()
	// Build the middleware chain once per connection (not per request)
	//   Chain(A, B, C)(handler) → A(B(C(handler)))
	handler := svr.handler
	opts := svr.opts
	if len(svr.middlewares) > 0 && handler != nil {
		// The chain hides the notification side of the handler; hand it over
		// explicitly so an option given by the caller still takes precedence.
		if nh, ok := handler.(transport.NotificationHandler[P, NP, R]); ok {
			opts = append([]transport.Option{transport.WithNotificationHandler[P, NP, R](nh)}, svr.opts...)
		}
		handler = middleware.Chain(svr.middlewares...)(handler)
	}
	svr.mu.Unlock()

	rt, _, err := transport.New(conn, svr.proto, handler, opts...)
	if err != nil {
		return nil, err
	}

	svr.mu.Lock()
	if svr.shutdown.Load() {
		svr.mu.Unlock()
		rt.Close()
		return nil, ErrServerClosed
	}
	svr.conns[rt] = struct{}{}
	svr.wg.Add(1)
	svr.mu.Unlock()

	go func() {
		defer svr.wg.Done()
		if err := rt.Wait(); err != nil {
			svr.logger.Warn("connection ended", transport.LabelPeerAddr.L(conn.RemoteAddr().String()), transport.LabelError.L(err))
		}
		svr.mu.Lock()
		delete(svr.conns, rt)
		svr.mu.Unlock()
	}()
	return rt, nil
}

func (svr *Server[P, NP, R]) setListener(ln net.Listener) error {
	svr.mu.Lock()
	defer svr.mu.Unlock()

	if svr.shutdown.Load() {
		return ErrServerClosed
	}
	svr.listener = ln
	return nil
}

// Addr returns the address of the listener, or nil before Serve.
func (svr *Server[P, NP, R]) Addr() net.Addr {
	svr.mu.Lock()
	defer svr.mu.Unlock()

	if svr.listener == nil {
		return nil
	}
	return svr.listener.Addr()
}

// Connections returns the number of live connections.
func (svr *Server[P, NP, R]) Connections() int {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	return len(svr.conns)
}

// Shutdown performs graceful shutdown:
//  1. Set shutdown flag (so Accept error is recognized as intentional)
//  2. Close the listener (stop accepting new connections)
//  3. Wait for in-flight requests to finish and their responses to be written (with timeout)
//  4. Close every connection, failing the calls still pending on them
func (svr *Server[P, NP, R]) Shutdown(timeout time.Duration) error {
	// Set shutdown flag BEFORE closing listener
	svr.shutdown.Store(true)

	svr.mu.Lock()
	if svr.listener != nil {
		svr.listener.Close()
	}
	conns := make([]*transport.Runtime[P, NP, R], 0, len(svr.conns))
	for rt := range svr.conns {
		conns = append(conns, rt)
	}
	svr.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var drainErr error
	for _, rt := range conns {
		if err := rt.Drain(ctx); err != nil && ctx.Err() != nil {
			drainErr = fmt.Errorf("timeout waiting for ongoing requests to finish: %w", err)
			break
		}
	}

	// Close waits for each connection's pumps, so the wait below is short.
	for _, rt := range conns {
		rt.Close()
	}
	svr.wg.Wait()
	return drainErr
}
