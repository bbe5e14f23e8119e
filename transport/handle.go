package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"

	"lavish-rpc/codec"
	"lavish-rpc/message"
	"lavish-rpc/rpcerr"
)

// link is the state every Handle copy shares with its runtime.
type link[P, NP, R message.Atom] struct {
	pending     *PendingTable[P, NP, R]
	codec       *codec.Codec[P, NP, R]
	queue       chan []byte     // encoded frames, drained by the write pump in FIFO order
	done        <-chan struct{} // closed as soon as teardown starts
	callTimeout time.Duration

	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label
}

// Handle issues calls and notifications on a connection. It is a small value: copies
// share the pending-call table and the outbound queue, and are safe for concurrent use.
//
//	goroutine-1 ──Call(id=1)──┐
//	goroutine-2 ──Call(id=2)──┼──→ outbound queue ──→ write pump ──→ conn
//	handler     ──Call(id=3)──┘
//
// Callers only contend on the brief pending-table mutation, never on a round trip.
type Handle[P, NP, R message.Atom] struct {
	l *link[P, NP, R]
}

// enqueue hands a frame to the write pump. It fails once the runtime is torn down.
func (l *link[P, NP, R]) enqueue(ctx context.Context, frame []byte) error {
	select {
	case <-l.done:
		return &rpcerr.TransportError{Op: "send", Err: rpcerr.ErrShutdown}
	default:
	}

	select {
	case l.queue <- frame:
		return nil
	case <-l.done:
		return &rpcerr.TransportError{Op: "send", Err: rpcerr.ErrShutdown}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// closedErr is what a waiter sees when its completion channel closes unanswered.
func (l *link[P, NP, R]) closedErr() error {
	err := l.pending.Err()
	var te *rpcerr.TransportError
	if errors.As(err, &te) {
		return te
	}
	return &rpcerr.TransportError{Op: "call", Err: err}
}

// CallRaw sends a Request for params and waits for the matching Response.
//
// It returns early when ctx is done, when the default call timeout elapses, or when
// the connection goes away; the pending entry is removed in every case. A deadline
// yields an error wrapping rpcerr.ErrCallTimeout and teardown a *rpcerr.TransportError.
func (h Handle[P, NP, R]) CallRaw(ctx context.Context, params P) (message.Message[P, NP, R], error) {
	var zero message.Message[P, NP, R]
	if any(params) == nil {
		return zero, errors.New("rpc: call with nil params")
	}
	l := h.l
	method := params.Method()

	if l.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.callTimeout)
		defer cancel()
	}

	id, done, err := l.pending.Start(method)
	if err != nil {
		return zero, err
	}

	frame, err := l.codec.EncodeFrame(message.NewRequest[P, NP, R](id, params))
	if err != nil {
		l.pending.Cancel(id)
		return zero, err
	}

	labels := append([]metrics.Label{LabelMethod.M(method)}, l.labels...)
	l.msink.IncrCounterWithLabels(MetricCallsStartedCount, 1, labels)

	if err := l.enqueue(ctx, frame); err != nil {
		l.pending.Cancel(id)
		l.msink.IncrCounterWithLabels(MetricCallsFailedCount, 1, labels)
		return zero, l.callErr(ctx, err, method, id)
	}

	select {
	case m, ok := <-done:
		if !ok {
			l.msink.IncrCounterWithLabels(MetricCallsFailedCount, 1, labels)
			return zero, l.closedErr()
		}
		return m, nil

	case <-ctx.Done():
		if l.pending.Cancel(id) {
			l.msink.IncrCounterWithLabels(MetricCallsFailedCount, 1, labels)
			l.logger.Debug("call abandoned",
				LabelMethod.L(method), LabelID.L(id), LabelError.L(ctx.Err()))
			return zero, l.callErr(ctx, ctx.Err(), method, id)
		}
		// The response won the race: it is already in the channel or about to be.
		m, ok := <-done
		if !ok {
			return zero, l.closedErr()
		}
		return m, nil
	}
}

func (l *link[P, NP, R]) callErr(ctx context.Context, err error, method string, id uint32) error {
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		return fmt.Errorf("%w: %s (id=%d): %w", rpcerr.ErrCallTimeout, method, id, err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("rpc: call %s (id=%d): %w", method, id, err)
	}
	return err
}

// Call issues a call and narrows the response to the concrete results type RR.
//
// downgrade projects the results atom onto RR; it fails only if the peer answered
// with results of another method, which is reported as rpcerr.ErrWrongResults.
func Call[RR any, P, NP, R message.Atom](ctx context.Context, h Handle[P, NP, R], params P, downgrade func(R) (RR, bool)) (RR, error) {
	var zero RR

	m, err := h.CallRaw(ctx, params)
	if err != nil {
		return zero, err
	}
	if m.Kind != message.KindResponse {
		return zero, fmt.Errorf("%w: got %s", rpcerr.ErrWrongMessageType, m.Kind)
	}

	switch {
	case m.Error != nil && m.HasResults:
		return zero, fmt.Errorf("%w: %q", rpcerr.ErrAmbiguousResponse, *m.Error)
	case m.Error != nil:
		return zero, &rpcerr.RemoteError{Message: *m.Error}
	case m.HasResults:
		rr, ok := downgrade(m.Results)
		if !ok {
			return zero, fmt.Errorf("%w: %s answered with %T", rpcerr.ErrWrongResults, params.Method(), m.Results)
		}
		return rr, nil
	default:
		return zero, fmt.Errorf("%w: %s (id=%d)", rpcerr.ErrMissingResults, params.Method(), m.ID)
	}
}

// Downgrade is the downgrade function of Call for results that are a plain
// member type of the results family.
func Downgrade[RR any, R message.Atom](r R) (RR, bool) {
	rr, ok := any(r).(RR)
	return rr, ok
}

// Notify sends a Notification. No id is allocated and nothing is awaited.
func (h Handle[P, NP, R]) Notify(ctx context.Context, params NP) error {
	if any(params) == nil {
		return errors.New("rpc: notify with nil params")
	}
	frame, err := h.l.codec.EncodeFrame(message.NewNotification[P, NP, R](params))
	if err != nil {
		return err
	}
	return h.l.enqueue(ctx, frame)
}

// Pending returns the number of calls awaiting a response.
func (h Handle[P, NP, R]) Pending() int {
	return h.l.pending.Len()
}

// Done is closed when the connection behind the handle starts tearing down.
func (h Handle[P, NP, R]) Done() <-chan struct{} {
	return h.l.done
}
