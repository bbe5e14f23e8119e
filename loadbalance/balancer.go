// Package loadbalance provides load balancing strategies for distributing
// calls across multiple peers that serve the same protocol.
//
// Three strategies are implemented:
//   - RoundRobin:      Stateless services, equal-capacity endpoints
//   - WeightedRandom:  Heterogeneous endpoints (different CPU/memory)
//   - ConsistentHash:  Stateful services requiring affinity per key
package loadbalance

import "errors"

var ErrNoEndpoints = errors.New("loadbalance: no endpoints available")

// Endpoint is one address the client may dial.
type Endpoint struct {
	Addr   string `yaml:"addr"`
	Weight int    `yaml:"weight"`
}

// Balancer is the interface for load balancing strategies.
// The client calls Pick() before each call to select a target endpoint.
type Balancer interface {
	// Pick selects one endpoint from the available list. key identifies the call
	// (the client passes the method name); strategies without affinity ignore it.
	// Called on every call, so it must be goroutine-safe.
	Pick(endpoints []Endpoint, key string) (*Endpoint, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// ByName returns a fresh balancer for one of "round_robin", "weighted_random"
// or "consistent_hash".
func ByName(name string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash":
		return NewConsistentHashBalancer(), nil
	}
	return nil, errors.New("loadbalance: unknown strategy " + name)
}
