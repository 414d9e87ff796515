// Package registry tracks which endpoints serve a named service so clients
// can find a listener without a fixed address.
package registry

import (
	"context"
	"errors"
	"sync"
)

var ErrNotFound = errors.New("registry: endpoint not found")

// Endpoint is one listener serving a service.
type Endpoint struct {
	Addr      string   `json:"addr"`
	Protocols []string `json:"protocols,omitempty"` // protocol kinds the listener detects, e.g. "rpc"
	Weight    int      `json:"weight,omitempty"`    // weight for load balancing
	Version   string   `json:"version,omitempty"`
}

// Speaks reports whether the endpoint accepts protocol. An endpoint that
// lists no protocols is assumed to accept all of them.
func (e Endpoint) Speaks(protocol string) bool {
	if len(e.Protocols) == 0 {
		return true
	}
	for _, p := range e.Protocols {
		if p == protocol {
			return true
		}
	}
	return false
}

type Registry interface {
	// Register advertises ep under service until ttl seconds pass without
	// renewal; implementations renew for as long as the registration lives.
	Register(ctx context.Context, service string, ep Endpoint, ttl int64) error
	Deregister(ctx context.Context, service, addr string) error
	Discover(ctx context.Context, service string) ([]Endpoint, error)
	// Watch emits the full endpoint list on every change until ctx is done.
	Watch(ctx context.Context, service string) <-chan []Endpoint
}

// Memory is an in-process Registry. Registrations never expire.
type Memory struct {
	mu       sync.Mutex
	services map[string]map[string]Endpoint
	watchers map[string][]chan []Endpoint
}

func NewMemory() *Memory {
	return &Memory{
		services: make(map[string]map[string]Endpoint),
		watchers: make(map[string][]chan []Endpoint),
	}
}

func (m *Memory) Register(_ context.Context, service string, ep Endpoint, _ int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.services[service]
	if !ok {
		set = make(map[string]Endpoint)
		m.services[service] = set
	}
	set[ep.Addr] = ep
	m.notifyLocked(service)
	return nil
}

func (m *Memory) Deregister(_ context.Context, service, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.services[service]
	if _, ok := set[addr]; !ok {
		return ErrNotFound
	}
	delete(set, addr)
	m.notifyLocked(service)
	return nil
}

func (m *Memory) Discover(_ context.Context, service string) ([]Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listLocked(service), nil
}

func (m *Memory) Watch(ctx context.Context, service string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)
	m.mu.Lock()
	m.watchers[service] = append(m.watchers[service], ch)
	ch <- m.listLocked(service)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		ws := m.watchers[service]
		for i, w := range ws {
			if w == ch {
				m.watchers[service] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

func (m *Memory) listLocked(service string) []Endpoint {
	out := make([]Endpoint, 0, len(m.services[service]))
	for _, ep := range m.services[service] {
		out = append(out, ep)
	}
	return out
}

// notifyLocked replaces any unread list in each watcher with the current one.
func (m *Memory) notifyLocked(service string) {
	list := m.listLocked(service)
	for _, ch := range m.watchers[service] {
		select {
		case <-ch:
		default:
		}
		ch <- list
	}
}
