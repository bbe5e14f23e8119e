// Package client dials lavish-rpc peers.
//
// Dial connects a single runtime. Client spreads calls over a static list of
// endpoints: the balancer picks an endpoint per call, and each endpoint keeps a
// small pool of multiplexed runtimes used round-robin.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"lavish-rpc/loadbalance"
	"lavish-rpc/message"
	"lavish-rpc/transport"
)

var ErrClientClosed = errors.New("client: closed")

// Dial connects to address and starts a runtime on the connection. handler serves
// requests the peer sends back and may be nil for a pure client.
func Dial[P, NP, R message.Atom](ctx context.Context, network, address string, proto message.Protocol[P, NP, R], handler transport.Handler[P, NP, R], opts ...transport.Option) (*transport.Runtime[P, NP, R], transport.Handle[P, NP, R], error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, transport.Handle[P, NP, R]{}, err
	}
	rt, h, err := transport.New(conn, proto, handler, opts...)
	if err != nil {
		conn.Close()
		return nil, transport.Handle[P, NP, R]{}, err
	}
	return rt, h, nil
}

// pool holds the runtimes of one endpoint. Slots are dialed lazily and redialed
// once their runtime has stopped.
type pool[P, NP, R message.Atom] struct {
	mu   sync.Mutex
	rts  []*transport.Runtime[P, NP, R]
	next atomic.Uint64
}

type Client[P, NP, R message.Atom] struct {
	proto     message.Protocol[P, NP, R]
	handler   transport.Handler[P, NP, R]
	opts      []transport.Option
	balancer  loadbalance.Balancer
	endpoints []loadbalance.Endpoint
	network   string
	poolSize  int

	mu     sync.Mutex
	pools  map[string]*pool[P, NP, R] // connections for each endpoint
	closed bool
}

// NewClient returns a client over endpoints. poolSize runtimes are kept per
// endpoint; values below 1 mean 1. opts configure every runtime.
func NewClient[P, NP, R message.Atom](proto message.Protocol[P, NP, R], handler transport.Handler[P, NP, R], bal loadbalance.Balancer, endpoints []loadbalance.Endpoint, poolSize int, opts ...transport.Option) *Client[P, NP, R] {
	if bal == nil {
		bal = &loadbalance.RoundRobinBalancer{}
	}
	return &Client[P, NP, R]{
		proto:     proto,
		handler:   handler,
		opts:      opts,
		balancer:  bal,
		endpoints: endpoints,
		network:   "tcp",
		poolSize:  max(poolSize, 1),
		pools:     make(map[string]*pool[P, NP, R]),
	}
}

// Handle returns a handle onto a live connection for a call to method.
func (c *Client[P, NP, R]) Handle(ctx context.Context, method string) (transport.Handle[P, NP, R], error) {
	// Select an endpoint using load balancer
	ep, err := c.balancer.Pick(c.endpoints, method)
	if err != nil {
		return transport.Handle[P, NP, R]{}, err
	}

	p, err := c.getPool(ep.Addr)
	if err != nil {
		return transport.Handle[P, NP, R]{}, err
	}

	slot := int(p.next.Add(1)-1) % c.poolSize
	rt, err := c.getRuntime(ctx, p, slot, ep.Addr)
	if err != nil {
		return transport.Handle[P, NP, R]{}, err
	}
	return rt.Handle(), nil
}

func (c *Client[P, NP, R]) getPool(addr string) (*pool[P, NP, R], error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClientClosed
	}
	p, ok := c.pools[addr]
	if !ok {
		// No pool exists, create one
		p = &pool[P, NP, R]{rts: make([]*transport.Runtime[P, NP, R], c.poolSize)}
		c.pools[addr] = p
	}
	return p, nil
}

func (c *Client[P, NP, R]) getRuntime(ctx context.Context, p *pool[P, NP, R], slot int, addr string) (*transport.Runtime[P, NP, R], error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if rt := p.rts[slot]; rt != nil {
		select {
		case <-rt.Done():
			// stopped: fall through and redial
		default:
			return rt, nil
		}
	}

	rt, _, err := Dial(ctx, c.network, addr, c.proto, c.handler, c.opts...)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		rt.Close()
		return nil, ErrClientClosed
	}

	p.rts[slot] = rt
	return rt, nil
}

// Call issues a call on a connection chosen for params' method.
func Call[RR any, P, NP, R message.Atom](ctx context.Context, c *Client[P, NP, R], params P, downgrade func(R) (RR, bool)) (RR, error) {
	if any(params) == nil {
		var zero RR
		return zero, errors.New("rpc: call with nil params")
	}
	h, err := c.Handle(ctx, params.Method())
	if err != nil {
		var zero RR
		return zero, err
	}
	return transport.Call(ctx, h, params, downgrade)
}

// Notify sends a notification on a connection chosen for its method.
func (c *Client[P, NP, R]) Notify(ctx context.Context, params NP) error {
	if any(params) == nil {
		return errors.New("rpc: notify with nil params")
	}
	h, err := c.Handle(ctx, params.Method())
	if err != nil {
		return err
	}
	return h.Notify(ctx, params)
}

// Close tears down every connection. Calls in flight fail with a transport error.
func (c *Client[P, NP, R]) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pools := c.pools
	c.pools = nil
	c.mu.Unlock()

	var errs []error
	for _, p := range pools {
		p.mu.Lock()
		for _, rt := range p.rts {
			if rt == nil {
				continue
			}
			if err := rt.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		p.mu.Unlock()
	}
	return errors.Join(errs...)
}
