package loadbalance

import (
	"fmt"
	"hash/crc32"
	"slices"
	"strings"
	"sync"
)

// ConsistentHashBalancer maps keys to endpoints using a hash ring.
// The same key always maps to the same endpoint (until the ring changes),
// providing affinity, useful for stateful services or local caches.
//
// Virtual nodes: each real endpoint is mapped to N virtual nodes on the ring.
// Without virtual nodes, 3 endpoints might cluster together on the ring,
// causing uneven load distribution. 100 virtual nodes per endpoint ensures
// statistical uniformity.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	mu       sync.Mutex
	replicas int                  // Virtual nodes per real endpoint
	ring     []uint32             // Sorted hash values on the ring
	nodes    map[uint32]*Endpoint // Hash value → endpoint mapping
	members  string               // Endpoint set the ring was built from
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per endpoint.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]*Endpoint),
	}
}

// Add places an endpoint onto the hash ring with N virtual nodes.
// Each virtual node is hashed from "{addr}#{i}" to spread evenly across the ring.
func (b *ConsistentHashBalancer) Add(endpoint *Endpoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.add(endpoint)
	b.members = ""
}

func (b *ConsistentHashBalancer) add(endpoint *Endpoint) {
	for i := 0; i < b.replicas; i++ {
		key := fmt.Sprintf("%s#%d", endpoint.Addr, i)
		hash := crc32.ChecksumIEEE([]byte(key))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = endpoint
	}
	// Keep the ring sorted for binary search in Pick()
	slices.Sort(b.ring)
}

// Pick finds the endpoint responsible for key. The ring is rebuilt from endpoints
// whenever the set differs from the one it was last built from; a nil or empty
// list picks from the endpoints given to Add.
func (b *ConsistentHashBalancer) Pick(endpoints []Endpoint, key string) (*Endpoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(endpoints) > 0 {
		if members := membership(endpoints); members != b.members {
			b.ring = b.ring[:0]
			clear(b.nodes)
			for i := range endpoints {
				ep := endpoints[i]
				b.add(&ep)
			}
			b.members = members
		}
	}
	if len(b.ring) == 0 {
		return nil, ErrNoEndpoints
	}

	hash := crc32.ChecksumIEEE([]byte(key))

	// Binary search: find first node with hash >= key's hash
	idx, _ := slices.BinarySearch(b.ring, hash)

	// Wrap around: if key's hash > all nodes, go to the first node
	if idx == len(b.ring) {
		idx = 0
	}

	return b.nodes[b.ring[idx]], nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}

func membership(endpoints []Endpoint) string {
	addrs := make([]string, len(endpoints))
	for i, ep := range endpoints {
		addrs[i] = ep.Addr
	}
	return strings.Join(addrs, ",")
}
