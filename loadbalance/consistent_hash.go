package loadbalance

import (
	"hash/crc32"
	"slices"
	"strconv"
	"strings"
	"sync"

	"muxrpc/registry"
)

const defaultReplicas = 100

// ConsistentHashBalancer maps keys to endpoints on a hash ring. The same key
// keeps landing on the same endpoint until the endpoint set changes, and a
// change only moves the keys owned by the endpoints that came or went.
//
// Each endpoint is placed on the ring as many virtual nodes so that a few
// endpoints do not cluster and split the ring unevenly.
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
	replicas int

	mu    sync.Mutex
	sig   string                       // endpoint set the ring was built from
	ring  []uint32                     // sorted virtual node hashes
	nodes map[uint32]registry.Endpoint // virtual node hash -> endpoint
}

func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{replicas: defaultReplicas}
}

// Pick hashes key and walks clockwise to the first virtual node. The ring is
// rebuilt whenever the endpoint list differs from the last call's.
func (b *ConsistentHashBalancer) Pick(key string, endpoints []registry.Endpoint) (registry.Endpoint, error) {
	if len(endpoints) == 0 {
		return registry.Endpoint{}, ErrNoEndpoints
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if sig := signature(endpoints); sig != b.sig {
		b.build(endpoints)
		b.sig = sig
	}

	hash := crc32.ChecksumIEEE([]byte(key))
	idx, _ := slices.BinarySearch(b.ring, hash)
	if idx == len(b.ring) {
		idx = 0 // past the last node: wrap around
	}
	return b.nodes[b.ring[idx]], nil
}

func (b *ConsistentHashBalancer) build(endpoints []registry.Endpoint) {
	b.ring = b.ring[:0]
	b.nodes = make(map[uint32]registry.Endpoint, len(endpoints)*b.replicas)
	for _, ep := range endpoints {
		for i := 0; i < b.replicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(ep.Addr + "#" + strconv.Itoa(i)))
			b.ring = append(b.ring, hash)
			b.nodes[hash] = ep
		}
	}
	slices.Sort(b.ring)
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}

// signature identifies an endpoint set independent of its order.
func signature(endpoints []registry.Endpoint) string {
	addrs := make([]string, len(endpoints))
	for i, ep := range endpoints {
		addrs[i] = ep.Addr
	}
	slices.Sort(addrs)
	return strings.Join(addrs, ",")
}
