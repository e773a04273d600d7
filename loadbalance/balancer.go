// Package loadbalance chooses which chat server a client connects to when
// more than one is known.
//
// Three strategies are implemented:
//   - RoundRobin:      spread reconnects evenly over equal servers
//   - WeightedRandom:  servers of different capacity
//   - ConsistentHash:  keep a given client on the same server across reconnects
package loadbalance

import (
	"fmt"
	"strings"

	"msg-gateway/registry"
)

// Balancer picks one instance for a connection attempt. key identifies the
// connecting client; strategies that do not need affinity ignore it.
type Balancer interface {
	Pick(key string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error)
	Name() string
}

// New returns the balancer configured by name. An empty name selects round robin.
func New(name string) (Balancer, error) {
	switch strings.ToLower(name) {
	case "", "round_robin", "roundrobin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random", "weightedrandom":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash", "consistenthash":
		return NewConsistentHashBalancer(), nil
	default:
		return nil, fmt.Errorf("loadbalance: unknown balancer %q", name)
	}
}
