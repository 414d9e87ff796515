// Package loadbalance picks the endpoint a client dials for each call.
//
// Three strategies are implemented:
//   - RoundRobin:      stateless services, equal-capacity endpoints
//   - WeightedRandom:  heterogeneous endpoints (different CPU/memory)
//   - ConsistentHash:  keyed affinity, e.g. a user always lands on the same server
package loadbalance

import (
	"errors"

	"muxrpc/registry"
)

var ErrNoEndpoints = errors.New("loadbalance: no endpoints available")

// Balancer selects one endpoint from the current list. key is the call's
// affinity key; strategies without affinity ignore it. Pick is called on
// every call and must be safe for concurrent use.
type Balancer interface {
	Pick(key string, endpoints []registry.Endpoint) (registry.Endpoint, error)
	Name() string
}

// ByName returns the strategy called name, or nil.
func ByName(name string) Balancer {
	switch name {
	case "roundrobin", "RoundRobin":
		return &RoundRobinBalancer{}
	case "weighted", "WeightedRandom":
		return &WeightedRandomBalancer{}
	case "hash", "ConsistentHash":
		return NewConsistentHashBalancer()
	}
	return nil
}
