// Package registry locates chat server instances.
package registry

import (
	"context"
	"errors"
)

var ErrNoInstances = errors.New("registry: no instances available")

// ServiceInstance is one chat server a client may connect to.
type ServiceInstance struct {
	Addr    string `json:"addr"`
	Weight  int    `json:"weight"` // relative share for weighted balancing
	Version string `json:"version,omitempty"`
}

type Registry interface {
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
	Close() error
}
