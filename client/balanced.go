package client

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"muxrpc/loadbalance"
	"muxrpc/registry"
)

// Balanced spreads calls for one service over the endpoints a registry
// lists. It keeps one multiplexed connection per endpoint, follows the
// registry through Watch and drops connections to endpoints that leave.
//
// Call flow:
//
//	endpoints (watched) → filter to rpc-capable → Balancer.Pick(key) → cached Client → Call
type Balanced struct {
	reg      registry.Registry
	balancer loadbalance.Balancer
	service  string
	opts     []Option
	logger   *zap.Logger
	cancel   context.CancelFunc

	mu        sync.Mutex
	endpoints []registry.Endpoint
	watched   bool
	clients   map[string]*Client
	closed    bool
}

// NewBalanced starts watching service in reg. opts apply to every
// connection it dials.
func NewBalanced(reg registry.Registry, balancer loadbalance.Balancer, service string, opts ...Option) *Balanced {
	if balancer == nil {
		balancer = &loadbalance.RoundRobinBalancer{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Balanced{
		reg:      reg,
		balancer: balancer,
		service:  service,
		opts:     opts,
		logger:   apply(opts).Logger.Named("balancer"),
		cancel:   cancel,
		clients:  make(map[string]*Client),
	}
	go b.watch(ctx)
	return b
}

func (b *Balanced) watch(ctx context.Context) {
	for eps := range b.reg.Watch(ctx, b.service) {
		b.mu.Lock()
		b.endpoints, b.watched = eps, true
		stale := b.pruneLocked(eps)
		b.mu.Unlock()
		for _, c := range stale {
			c.Close()
		}
		b.logger.Debug("endpoints updated", zap.String("service", b.service), zap.Int("count", len(eps)))
	}
}

// pruneLocked detaches clients whose endpoint is no longer listed.
func (b *Balanced) pruneLocked(eps []registry.Endpoint) []*Client {
	live := make(map[string]bool, len(eps))
	for _, ep := range eps {
		live[ep.Addr] = true
	}
	var stale []*Client
	for addr, c := range b.clients {
		if !live[addr] {
			stale = append(stale, c)
			delete(b.clients, addr)
		}
	}
	return stale
}

// Endpoints returns the endpoints able to take RPC streams. Before the
// first watch update arrives it asks the registry directly.
func (b *Balanced) Endpoints(ctx context.Context) ([]registry.Endpoint, error) {
	b.mu.Lock()
	eps, watched := b.endpoints, b.watched
	b.mu.Unlock()
	if !watched {
		var err error
		if eps, err = b.reg.Discover(ctx, b.service); err != nil {
			return nil, fmt.Errorf("discover %s: %w", b.service, err)
		}
	}
	out := make([]registry.Endpoint, 0, len(eps))
	for _, ep := range eps {
		if ep.Speaks("rpc") {
			out = append(out, ep)
		}
	}
	return out, nil
}

// Call picks an endpoint for key and invokes cmd there. Calls without
// affinity pass an empty key.
func (b *Balanced) Call(ctx context.Context, key string, cmd uint32, args any) (any, error) {
	eps, err := b.Endpoints(ctx)
	if err != nil {
		return nil, err
	}
	ep, err := b.balancer.Pick(key, eps)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.service, err)
	}
	c, err := b.client(ctx, ep.Addr)
	if err != nil {
		return nil, err
	}
	return c.Call(ctx, cmd, args)
}

// client returns the live connection to addr, dialing a new one when there
// is none or the previous one has ended.
func (b *Balanced) client(ctx context.Context, addr string) (*Client, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("%s: balancer closed", b.service)
	}
	if c, ok := b.clients[addr]; ok {
		select {
		case <-c.Done():
			delete(b.clients, addr)
		default:
			b.mu.Unlock()
			return c, nil
		}
	}
	b.mu.Unlock()

	c, err := Dial(ctx, addr, b.opts...)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.clients[addr]; ok {
		// Another caller dialed first; keep theirs.
		go c.Close()
		return existing, nil
	}
	if b.closed {
		go c.Close()
		return nil, fmt.Errorf("%s: balancer closed", b.service)
	}
	b.clients[addr] = c
	return c, nil
}

// Close stops watching and closes every connection.
func (b *Balanced) Close() error {
	b.cancel()
	b.mu.Lock()
	b.closed = true
	clients := b.clients
	b.clients = make(map[string]*Client)
	b.mu.Unlock()

	var err error
	for _, c := range clients {
		err = multierr.Append(err, c.Close())
	}
	return err
}
