package registry

import (
	"context"
	"slices"
	"sync"
)

// StaticRegistry keeps instances in memory. The gateway uses it for
// configurations that list server addresses directly.
type StaticRegistry struct {
	mu       sync.RWMutex
	services map[string][]ServiceInstance
	watchers map[string][]chan []ServiceInstance
}

func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{
		services: make(map[string][]ServiceInstance),
		watchers: make(map[string][]chan []ServiceInstance),
	}
}

// Register adds or replaces the instance with the same address. ttl is ignored.
func (r *StaticRegistry) Register(_ context.Context, serviceName string, instance ServiceInstance, _ int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := slices.DeleteFunc(r.services[serviceName], func(s ServiceInstance) bool {
		return s.Addr == instance.Addr
	})
	r.services[serviceName] = append(list, instance)
	r.notifyLocked(serviceName)
	return nil
}

func (r *StaticRegistry) Deregister(_ context.Context, serviceName string, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[serviceName] = slices.DeleteFunc(r.services[serviceName], func(s ServiceInstance) bool {
		return s.Addr == addr
	})
	r.notifyLocked(serviceName)
	return nil
}

func (r *StaticRegistry) Discover(_ context.Context, serviceName string) ([]ServiceInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.services[serviceName]), nil
}

func (r *StaticRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	r.mu.Lock()
	r.watchers[serviceName] = append(r.watchers[serviceName], ch)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		r.watchers[serviceName] = slices.DeleteFunc(r.watchers[serviceName], func(c chan []ServiceInstance) bool {
			return c == ch
		})
		close(ch)
	}()
	return ch
}

// notifyLocked delivers the latest list, replacing an unread older one.
func (r *StaticRegistry) notifyLocked(serviceName string) {
	list := slices.Clone(r.services[serviceName])
	for _, ch := range r.watchers[serviceName] {
		select {
		case <-ch:
		default:
		}
		ch <- list
	}
}

func (r *StaticRegistry) Close() error {
	return nil
}
