// Package transport ties a bidirectional byte stream to typed calls and handlers.
//
// A Runtime owns one connection and runs two background pumps over it:
//
//	Handle.Call ──→ PendingTable.Start ──→ outbound queue ──→ write pump ──→ conn
//	conn ──→ read pump ──→ codec.Decode (typed via PendingTable)
//	           ├─ Request      ──→ go Handler.HandleCall ──→ Response ──→ outbound queue
//	           ├─ Response     ──→ PendingTable.Complete ──→ waiting caller
//	           └─ Notification ──→ go NotificationHandler
//
// The write pump is the only writer of the connection and the read pump its only
// reader. The two pumps share a lifetime: when either stops, the connection is closed
// and every pending call fails with a *rpcerr.TransportError.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"time"

	"github.com/hashicorp/go-metrics"
	"golang.org/x/sync/errgroup"

	"lavish-rpc/codec"
	"lavish-rpc/message"
	"lavish-rpc/protocol"
	"lavish-rpc/rpcerr"
)

var errNoHandler = errors.New("no method handler")

// Runtime serves one connection. Create it with New.
type Runtime[P, NP, R message.Atom] struct {
	conn          io.ReadWriteCloser
	link          *link[P, NP, R]
	handler       Handler[P, NP, R]
	notifications NotificationHandler[P, NP, R]

	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label

	ctx    context.Context // cancelled when teardown starts
	cancel context.CancelFunc

	handlers *inflight // spawned request and notification handlers
	flush    chan chan struct{}
	done     chan struct{}
	err      error // terminal error, set before done is closed
}

// New starts a runtime on conn and returns it with the first Handle onto it.
//
// handler serves inbound requests and may be nil for a peer that only issues calls;
// such a peer answers every request with an error response. The runtime takes
// ownership of conn and closes it on teardown.
func New[P, NP, R message.Atom](conn io.ReadWriteCloser, proto message.Protocol[P, NP, R], handler Handler[P, NP, R], opts ...Option) (*Runtime[P, NP, R], Handle[P, NP, R], error) {
	if conn == nil {
		return nil, Handle[P, NP, R]{}, errors.New("transport: nil connection")
	}
	if err := proto.Validate(); err != nil {
		return nil, Handle[P, NP, R]{}, err
	}
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, Handle[P, NP, R]{}, err
	}

	var notifications NotificationHandler[P, NP, R]
	switch nh := cfg.notifications.(type) {
	case nil:
		notifications, _ = handler.(NotificationHandler[P, NP, R])
	case NotificationHandler[P, NP, R]:
		notifications = nh
	default:
		return nil, Handle[P, NP, R]{}, fmt.Errorf("transport: notification handler %T does not match the protocol", nh)
	}

	logger := cfg.logger
	if ra, ok := conn.(interface{ RemoteAddr() net.Addr }); ok && ra.RemoteAddr() != nil {
		logger = logger.With(LabelPeerAddr.L(ra.RemoteAddr().String()))
	}

	bgctx, cancel := context.WithCancel(cfg.ctx)
	// We use an errgroup to link the lifetime of both pumps to each other.
	g, ctx := errgroup.WithContext(bgctx)

	rt := &Runtime[P, NP, R]{
		conn:          conn,
		handler:       handler,
		notifications: notifications,
		logger:        logger,
		msink:         cfg.msink,
		labels:        cfg.metricLabels,
		ctx:           ctx,
		cancel:        cancel,
		handlers:      newInflight(),
		flush:         make(chan chan struct{}),
		done:          make(chan struct{}),
	}
	rt.link = &link[P, NP, R]{
		pending:     NewPendingTable[P, NP, R](),
		codec:       &codec.Codec[P, NP, R]{Protocol: proto, MaxMessageSize: cfg.maxMessageSize},
		queue:       make(chan []byte, cfg.queueSize),
		done:        ctx.Done(),
		callTimeout: cfg.callTimeout,
		logger:      logger,
		msink:       cfg.msink,
		labels:      cfg.metricLabels,
	}

	// Closing the connection is the only way to unblock a pending Read.
	stop := context.AfterFunc(ctx, func() {
		if err := conn.Close(); err != nil {
			rt.logger.Debug("closing connection", LabelError.L(err))
		}
	})

	g.Go(rt.backgroundTask(rt.send))
	g.Go(rt.backgroundTask(rt.receive))

	go func() {
		err := g.Wait()
		stop()
		cancel()
		_ = conn.Close()

		// context.Canceled means a pump ended cleanly.
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		if err != nil {
			rt.logger.Warn("connection terminated", LabelError.L(err))
		} else {
			rt.logger.Debug("connection closed")
		}

		cause := err
		if cause == nil {
			cause = rpcerr.ErrShutdown
		}
		rt.link.pending.Close(&rpcerr.TransportError{Op: "connection", Err: cause})
		rt.msink.SetGaugeWithLabels(MetricCallsPending, 0, rt.labels)

		rt.err = err
		close(rt.done)
	}()

	return rt, rt.Handle(), nil
}

func (rt *Runtime[P, NP, R]) backgroundTask(f func() error) func() error {
	return func() (err error) {
		// A task MUST return a non-nil error to stop the other one.
		if err = f(); err == nil {
			err = context.Canceled
		}
		return err
	}
}

// send is the write pump: the only goroutine that writes to the connection.
func (rt *Runtime[P, NP, R]) send() error {
	for {
		select {
		case frame := <-rt.link.queue:
			if err := rt.write(frame); err != nil {
				return err
			}

		case ack := <-rt.flush:
			// Write whatever is queued right now, then acknowledge.
			for flushed := false; !flushed; {
				select {
				case frame := <-rt.link.queue:
					if err := rt.write(frame); err != nil {
						return err
					}
				default:
					flushed = true
				}
			}
			close(ack)

		case <-rt.ctx.Done():
			return nil
		}
	}
}

func (rt *Runtime[P, NP, R]) write(frame []byte) error {
	if _, err := rt.conn.Write(frame); err != nil {
		if rt.ctx.Err() != nil {
			return nil
		}
		return &rpcerr.TransportError{Op: "write", Err: err}
	}
	rt.msink.IncrCounterWithLabels(MetricFramesOutCount, 1, rt.labels)
	rt.msink.IncrCounterWithLabels(MetricFramesOutBytes, float32(len(frame)), rt.labels)
	return nil
}

// receive is the read pump: the only goroutine that reads from the connection.
func (rt *Runtime[P, NP, R]) receive() error {
	fr := protocol.NewReader(rt.conn, rt.link.codec.MaxSize())
	for {
		payload, err := fr.Next()
		if err != nil {
			switch {
			case rt.ctx.Err() != nil:
				return nil
			case errors.Is(err, io.EOF):
				return nil
			case errors.Is(err, protocol.ErrInvalidPrefix), errors.Is(err, rpcerr.ErrMessageTooLarge):
				rt.msink.IncrCounterWithLabels(MetricDecodeErrorCount, 1, rt.labels)
				return &rpcerr.DecodeError{Err: err}
			default:
				return &rpcerr.TransportError{Op: "read", Err: err}
			}
		}

		m, err := rt.link.codec.Decode(payload, rt.link.pending)
		if err != nil {
			if !rpcerr.IsFatal(err) {
				rt.msink.IncrCounterWithLabels(MetricOrphanedResponseCount, 1, rt.labels)
				rt.logger.Warn("dropping response", LabelError.L(err))
				continue
			}
			rt.msink.IncrCounterWithLabels(MetricDecodeErrorCount, 1, rt.labels)
			rt.logger.Error("undecodable frame", LabelError.L(err))
			return err
		}

		labels := append([]metrics.Label{LabelKind.M(m.Kind.String())}, rt.labels...)
		rt.msink.IncrCounterWithLabels(MetricFramesInCount, 1, labels)
		rt.msink.IncrCounterWithLabels(MetricFramesInBytes, float32(len(payload)), labels)

		rt.route(m)
	}
}

func (rt *Runtime[P, NP, R]) route(m message.Message[P, NP, R]) {
	switch m.Kind {
	case message.KindRequest:
		rt.handlers.add()
		go rt.serve(m)

	case message.KindResponse:
		if !rt.link.pending.Complete(m) {
			// The caller gave up between decoding and now.
			rt.msink.IncrCounterWithLabels(MetricOrphanedResponseCount, 1, rt.labels)
			rt.logger.Warn("dropping response", LabelID.L(m.ID), LabelError.L(rpcerr.ErrOrphanedResponse))
		}
		rt.msink.SetGaugeWithLabels(MetricCallsPending, float32(rt.link.pending.Len()), rt.labels)

	case message.KindNotification:
		if rt.notifications == nil {
			rt.msink.IncrCounterWithLabels(MetricNotificationsDropCount, 1, rt.labels)
			rt.logger.Debug("no notification handler, dropping", LabelMethod.L(m.Method()))
			return
		}
		rt.handlers.add()
		go rt.notify(m)
	}
}

// serve runs the handler for one request and enqueues its response.
func (rt *Runtime[P, NP, R]) serve(m message.Message[P, NP, R]) {
	defer rt.handlers.done()

	method := m.Method()
	start := time.Now()
	results, err := rt.invoke(m.Params)

	labels := append([]metrics.Label{LabelMethod.M(method)}, rt.labels...)
	rt.msink.AddSampleWithLabels(MetricHandlerDuration, float32(time.Since(start).Seconds()*1000), labels)

	var resp message.Message[P, NP, R]
	if err != nil {
		rt.msink.IncrCounterWithLabels(MetricHandlerErrorCount, 1, labels)
		rt.logger.Debug("handler failed", LabelMethod.L(method), LabelID.L(m.ID), LabelError.L(err))
		resp = message.NewErrorResponse[P, NP, R](m.ID, err.Error())
	} else {
		resp = message.NewResponse[P, NP, R](m.ID, results)
	}

	frame, err := rt.link.codec.EncodeFrame(resp)
	if err != nil {
		rt.logger.Warn("encoding response", LabelMethod.L(method), LabelID.L(m.ID), LabelError.L(err))
		frame, err = rt.link.codec.EncodeFrame(message.NewErrorResponse[P, NP, R](m.ID, err.Error()))
		if err != nil {
			rt.logger.Error("encoding error response", LabelID.L(m.ID), LabelError.L(err))
			return
		}
	}

	if err := rt.link.enqueue(rt.ctx, frame); err != nil {
		rt.logger.Debug("response not sent", LabelMethod.L(method), LabelID.L(m.ID), LabelError.L(err))
	}
}

// invoke calls the handler and turns a panic into an error.
func (rt *Runtime[P, NP, R]) invoke(params P) (results R, err error) {
	defer func() {
		if r := recover(); r != nil {
			rt.logger.Error("handler panic",
				LabelMethod.L(params.Method()),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	if rt.handler == nil {
		return results, errNoHandler
	}
	return rt.handler.HandleCall(rt.ctx, rt.Handle(), params)
}

func (rt *Runtime[P, NP, R]) notify(m message.Message[P, NP, R]) {
	defer rt.handlers.done()
	defer func() {
		if r := recover(); r != nil {
			rt.logger.Error("notification handler panic", LabelMethod.L(m.Method()), slog.Any("panic", r))
		}
	}()
	rt.notifications.HandleNotification(rt.ctx, rt.Handle(), m.Notification)
}

// Handle returns a new Handle onto this runtime.
func (rt *Runtime[P, NP, R]) Handle() Handle[P, NP, R] {
	return Handle[P, NP, R]{l: rt.link}
}

// Done is closed once the runtime has fully stopped.
func (rt *Runtime[P, NP, R]) Done() <-chan struct{} {
	return rt.done
}

// Err returns the error that stopped the runtime. It is nil while the runtime runs
// and after a clean end of stream or Close.
func (rt *Runtime[P, NP, R]) Err() error {
	select {
	case <-rt.done:
		return rt.err
	default:
		return nil
	}
}

// Wait blocks until the runtime stops and returns Err.
func (rt *Runtime[P, NP, R]) Wait() error {
	<-rt.done
	return rt.err
}

// Close tears the connection down and waits for both pumps to stop. Request
// handlers still running see their context cancelled. Close is idempotent.
func (rt *Runtime[P, NP, R]) Close() error {
	rt.cancel()
	return rt.Wait()
}

// WaitHandlers blocks until no spawned handler is running, or ctx is done.
// Requests may keep arriving meanwhile; it returns at the first moment the
// connection has none in flight.
func (rt *Runtime[P, NP, R]) WaitHandlers(ctx context.Context) error {
	select {
	case <-rt.handlers.idle():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain waits for every spawned handler to return and for the responses they
// queued to be written. It returns early if ctx is done or the runtime stops.
func (rt *Runtime[P, NP, R]) Drain(ctx context.Context) error {
	if err := rt.WaitHandlers(ctx); err != nil {
		return err
	}

	ack := make(chan struct{})
	select {
	case rt.flush <- ack:
	case <-rt.done:
		return rt.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-rt.done:
		return rt.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (rt *Runtime[P, NP, R]) closedErr() error {
	if err := rt.Err(); err != nil {
		return err
	}
	return rpcerr.ErrShutdown
}
