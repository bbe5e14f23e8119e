package transport

import (
	"fmt"
	"sync"

	"lavish-rpc/message"
	"lavish-rpc/rpcerr"
)

// PendingTable tracks the calls that have been sent but not answered yet.
//
// It is the only place that knows which method an outstanding id belongs to, which
// the codec needs to type a Response: the frame itself only carries the id.
//
//	Start("double") ──→ id=7, done chan ──→ Request{7} on the wire
//	Response{7}     ──→ Resolve(7)="double" ──→ decode results ──→ Complete ──→ done <- resp
//
// Every method holds the lock only for the map mutation itself, never while sending
// on the network or waiting on a channel.
type PendingTable[P, NP, R message.Atom] struct {
	mu     sync.Mutex
	nextID uint32
	calls  map[uint32]pendingCall[P, NP, R]
	closed error // non-nil once Close was called
}

type pendingCall[P, NP, R message.Atom] struct {
	method string
	done   chan message.Message[P, NP, R] // capacity 1, receives at most one value
}

func NewPendingTable[P, NP, R message.Atom]() *PendingTable[P, NP, R] {
	return &PendingTable[P, NP, R]{
		calls: make(map[uint32]pendingCall[P, NP, R]),
	}
}

// AllocateID returns the current counter value and advances it. The counter wraps
// around at 2^32; ids still registered are skipped.
func (t *PendingTable[P, NP, R]) AllocateID() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.allocateLocked()
}

func (t *PendingTable[P, NP, R]) allocateLocked() uint32 {
	for {
		id := t.nextID
		t.nextID++
		if _, busy := t.calls[id]; !busy {
			return id
		}
	}
}

// Register creates the completion channel for id. The caller receives exactly one
// Response on it, or sees it closed if the table is closed first.
func (t *PendingTable[P, NP, R]) Register(id uint32, method string) (<-chan message.Message[P, NP, R], error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.registerLocked(id, method)
}

func (t *PendingTable[P, NP, R]) registerLocked(id uint32, method string) (<-chan message.Message[P, NP, R], error) {
	if t.closed != nil {
		return nil, &rpcerr.TransportError{Op: "register", Err: t.closed}
	}
	if _, busy := t.calls[id]; busy {
		return nil, fmt.Errorf("rpc: id %d is already pending", id)
	}
	done := make(chan message.Message[P, NP, R], 1)
	t.calls[id] = pendingCall[P, NP, R]{method: method, done: done}
	return done, nil
}

// Start allocates an id and registers it in one step.
func (t *PendingTable[P, NP, R]) Start(method string) (uint32, <-chan message.Message[P, NP, R], error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed != nil {
		return 0, nil, &rpcerr.TransportError{Op: "register", Err: t.closed}
	}
	id := t.allocateLocked()
	done, err := t.registerLocked(id, method)
	return id, done, err
}

// Resolve returns the method the call with this id was issued for.
func (t *PendingTable[P, NP, R]) Resolve(id uint32) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	call, ok := t.calls[id]
	return call.method, ok
}

// Complete removes the entry for m.ID and hands m to its waiter. It returns false if
// nothing was waiting for that id: a duplicate, late or stray response, which the
// caller reports and drops.
func (t *PendingTable[P, NP, R]) Complete(m message.Message[P, NP, R]) bool {
	t.mu.Lock()
	call, ok := t.calls[m.ID]
	delete(t.calls, m.ID)
	t.mu.Unlock()

	if !ok {
		return false
	}
	call.done <- m
	return true
}

// Cancel removes the entry for id without completing it. It returns false if the
// entry was already gone, in which case a Response is on its way to the waiter.
func (t *PendingTable[P, NP, R]) Cancel(id uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.calls[id]
	delete(t.calls, id)
	return ok
}

// Close fails every pending call by closing its channel and rejects later
// registrations with a TransportError wrapping err.
func (t *PendingTable[P, NP, R]) Close(err error) {
	if err == nil {
		err = rpcerr.ErrShutdown
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed != nil {
		return
	}
	t.closed = err
	for id, call := range t.calls {
		close(call.done)
		delete(t.calls, id)
	}
}

// Err returns the error the table was closed with, or nil.
func (t *PendingTable[P, NP, R]) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Len returns the number of pending calls.
func (t *PendingTable[P, NP, R]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}
