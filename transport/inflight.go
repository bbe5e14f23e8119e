package transport

import "sync"

// inflight counts running handlers. Unlike a sync.WaitGroup it may be waited on
// while the read pump keeps spawning work: each wait observes the channel of the
// current busy period, which is closed once the count drops back to zero.
type inflight struct {
	mu      sync.Mutex
	n       int
	drained chan struct{} // closed while n == 0
}

func newInflight() *inflight {
	drained := make(chan struct{})
	close(drained)
	return &inflight{drained: drained}
}

func (f *inflight) add() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.n == 0 {
		f.drained = make(chan struct{})
	}
	f.n++
}

func (f *inflight) done() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n--
	if f.n == 0 {
		close(f.drained)
	}
}

// idle returns a channel that is closed the next time no handler is running.
func (f *inflight) idle() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.drained
}

func (f *inflight) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}
