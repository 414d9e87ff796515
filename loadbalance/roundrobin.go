package loadbalance

import (
	"sync/atomic"

	"muxrpc/registry"
)

// RoundRobinBalancer cycles through the endpoints in order. The counter is
// atomic, so Pick never locks.
type RoundRobinBalancer struct {
	counter atomic.Uint64
}

func (b *RoundRobinBalancer) Pick(_ string, endpoints []registry.Endpoint) (registry.Endpoint, error) {
	if len(endpoints) == 0 {
		return registry.Endpoint{}, ErrNoEndpoints
	}
	i := (b.counter.Add(1) - 1) % uint64(len(endpoints))
	return endpoints[i], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
