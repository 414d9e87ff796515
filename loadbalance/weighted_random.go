package loadbalance

import (
	"math/rand/v2"

	"muxrpc/registry"
)

// WeightedRandomBalancer picks an endpoint with probability proportional to
// its weight. Endpoints without a positive weight count as weight 1.
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(_ string, endpoints []registry.Endpoint) (registry.Endpoint, error) {
	if len(endpoints) == 0 {
		return registry.Endpoint{}, ErrNoEndpoints
	}

	total := 0
	for _, ep := range endpoints {
		total += weight(ep)
	}

	// Walk the list subtracting weights until r drops below zero.
	r := rand.IntN(total)
	for _, ep := range endpoints {
		r -= weight(ep)
		if r < 0 {
			return ep, nil
		}
	}
	return endpoints[len(endpoints)-1], nil
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}

func weight(ep registry.Endpoint) int {
	if ep.Weight <= 0 {
		return 1
	}
	return ep.Weight
}
