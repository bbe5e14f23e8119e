package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"lavish-rpc/loadbalance"
	"lavish-rpc/message"
	"lavish-rpc/rpcerr"
	"lavish-rpc/server"
	"lavish-rpc/transport"
)

type atom interface {
	message.Atom
	isAtom()
}

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

// Who asks the server for its name.
type Who struct{}

type Name struct {
	Name string
}

// Greet makes the server call Hello back on the client.
type Greet struct{}

type Hello struct{}

func (Args) Method() string  { return "Arith.Add" }
func (Reply) Method() string { return "Arith.Add" }
func (Who) Method() string   { return "Who" }
func (Name) Method() string  { return "Who" }
func (Greet) Method() string { return "Greet" }
func (Hello) Method() string { return "Hello" }
func (Args) isAtom()         {}
func (Reply) isAtom()        {}
func (Who) isAtom()          {}
func (Name) isAtom()         {}
func (Greet) isAtom()        {}
func (Hello) isAtom()        {}

type handle = transport.Handle[atom, atom, atom]

func proto() message.Protocol[atom, atom, atom] {
	return message.Protocol[atom, atom, atom]{
		Params: func(method string, dec *msgpack.Decoder) (atom, error) {
			switch method {
			case "Arith.Add":
				return message.Decode[Args, atom](dec)
			case "Who":
				return message.Decode[Who, atom](dec)
			case "Greet":
				return message.Decode[Greet, atom](dec)
			case "Hello":
				return message.Decode[Hello, atom](dec)
			}
			return nil, message.UnknownMethod(method)
		},
		Notification: func(method string, dec *msgpack.Decoder) (atom, error) {
			return nil, message.UnknownMethod(method)
		},
		Results: func(method string, dec *msgpack.Decoder) (atom, error) {
			switch method {
			case "Arith.Add":
				return message.Decode[Reply, atom](dec)
			case "Who", "Greet", "Hello":
				return message.Decode[Name, atom](dec)
			}
			return nil, message.UnknownMethod(method)
		},
	}
}

func quiet() transport.Option {
	return transport.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// arith is the server side: it adds, names itself and greets the caller back.
func arith(name string) transport.HandlerFunc[atom, atom, atom] {
	return func(ctx context.Context, h handle, p atom) (atom, error) {
		switch p := p.(type) {
		case Args:
			return Reply{Result: p.A + p.B}, nil
		case Who:
			return Name{Name: name}, nil
		case Greet:
			// call back into the client over the same connection
			name, err := transport.Call(ctx, h, atom(Hello{}), transport.Downgrade[Name, atom])
			if err != nil {
				return nil, err
			}
			return name, nil
		}
		return nil, errors.New("unexpected params")
	}
}

func startServer(t *testing.T, name string) loadbalance.Endpoint {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	svr := server.NewServer[atom, atom, atom](proto(), arith(name), quiet())
	go svr.Serve(ln)
	t.Cleanup(func() { svr.Shutdown(time.Second) })
	return loadbalance.Endpoint{Addr: ln.Addr().String(), Weight: 1}
}

func TestDial(t *testing.T) {
	ep := startServer(t, "solo")

	rt, h, err := Dial[atom, atom, atom](context.Background(), "tcp", ep.Addr, proto(), nil, quiet())
	require.NoError(t, err)
	defer rt.Close()

	reply, err := transport.Call(context.Background(), h, atom(Args{A: 1, B: 2}), transport.Downgrade[Reply, atom])
	if err != nil {
		t.Fatal(err)
	}
	if reply.Result != 3 {
		t.Fatalf("expect 3, got %d", reply.Result)
	}
}

func TestDialRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, _, err = Dial[atom, atom, atom](context.Background(), "tcp", addr, proto(), nil, quiet())
	require.Error(t, err)
}

func TestClientCall(t *testing.T) {
	c := NewClient[atom, atom, atom](proto(), nil, nil, []loadbalance.Endpoint{startServer(t, "a")}, 2, quiet())
	defer c.Close()

	// Call Arith.Add(1, 2) = 3
	reply, err := Call(context.Background(), c, atom(Args{A: 1, B: 2}), transport.Downgrade[Reply, atom])
	if err != nil {
		t.Fatal(err)
	}
	if reply.Result != 3 {
		t.Fatalf("expect 3, got %d", reply.Result)
	}
}

func TestClientConcurrent(t *testing.T) {
	c := NewClient[atom, atom, atom](proto(), nil, nil, []loadbalance.Endpoint{startServer(t, "a")}, 3, quiet())
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reply, err := Call(context.Background(), c, atom(Args{A: i, B: i}), transport.Downgrade[Reply, atom])
			if err != nil || reply.Result != 2*i {
				t.Errorf("call %d: expect %d, got %d (%v)", i, 2*i, reply.Result, err)
			}
		}(i)
	}
	wg.Wait()
}

func TestClientRoundRobin(t *testing.T) {
	endpoints := []loadbalance.Endpoint{startServer(t, "a"), startServer(t, "b")}
	c := NewClient[atom, atom, atom](proto(), nil, &loadbalance.RoundRobinBalancer{}, endpoints, 1, quiet())
	defer c.Close()

	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		name, err := Call(context.Background(), c, atom(Who{}), transport.Downgrade[Name, atom])
		require.NoError(t, err)
		seen[name.Name]++
	}
	require.Equal(t, map[string]int{"a": 2, "b": 2}, seen)
}

func TestClientConsistentHash(t *testing.T) {
	endpoints := []loadbalance.Endpoint{startServer(t, "a"), startServer(t, "b"), startServer(t, "c")}
	c := NewClient[atom, atom, atom](proto(), nil, loadbalance.NewConsistentHashBalancer(), endpoints, 1, quiet())
	defer c.Close()

	first, err := Call(context.Background(), c, atom(Who{}), transport.Downgrade[Name, atom])
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		name, err := Call(context.Background(), c, atom(Who{}), transport.Downgrade[Name, atom])
		require.NoError(t, err)
		require.Equal(t, first.Name, name.Name)
	}
}

func TestClientServesCallbacks(t *testing.T) {
	hello := transport.HandlerFunc[atom, atom, atom](func(_ context.Context, _ handle, p atom) (atom, error) {
		return Name{Name: "client"}, nil
	})
	c := NewClient[atom, atom, atom](proto(), hello, nil, []loadbalance.Endpoint{startServer(t, "a")}, 1, quiet())
	defer c.Close()

	name, err := Call(context.Background(), c, atom(Greet{}), transport.Downgrade[Name, atom])
	require.NoError(t, err)
	require.Equal(t, "client", name.Name)
}

func TestClientRedialsStoppedConnection(t *testing.T) {
	c := NewClient[atom, atom, atom](proto(), nil, nil, []loadbalance.Endpoint{startServer(t, "a")}, 1, quiet())
	defer c.Close()

	h, err := c.Handle(context.Background(), "Arith.Add")
	require.NoError(t, err)

	// kill the pooled runtime from under the client
	c.mu.Lock()
	for _, p := range c.pools {
		p.rts[0].Close()
	}
	c.mu.Unlock()
	<-h.Done()

	reply, err := Call(context.Background(), c, atom(Args{A: 2, B: 2}), transport.Downgrade[Reply, atom])
	require.NoError(t, err)
	require.Equal(t, 4, reply.Result)
}

func TestClientClose(t *testing.T) {
	c := NewClient[atom, atom, atom](proto(), nil, nil, []loadbalance.Endpoint{startServer(t, "a")}, 1, quiet())
	_, err := Call(context.Background(), c, atom(Args{}), transport.Downgrade[Reply, atom])
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err = Call(context.Background(), c, atom(Args{}), transport.Downgrade[Reply, atom])
	require.ErrorIs(t, err, ErrClientClosed)
}

func TestClientNoEndpoints(t *testing.T) {
	c := NewClient[atom, atom, atom](proto(), nil, nil, nil, 1, quiet())
	_, err := Call(context.Background(), c, atom(Args{}), transport.Downgrade[Reply, atom])
	require.ErrorIs(t, err, loadbalance.ErrNoEndpoints)

	var te *rpcerr.TransportError
	require.False(t, errors.As(err, &te))
}
