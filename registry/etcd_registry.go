package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const DefaultPrefix = "/muxrpc"

// EtcdOption configures an EtcdRegistry.
type EtcdOption func(*EtcdRegistry)

// WithPrefix sets the key namespace.
func WithPrefix(prefix string) EtcdOption {
	return func(r *EtcdRegistry) { r.prefix = prefix }
}

func WithLogger(l *zap.Logger) EtcdOption {
	return func(r *EtcdRegistry) { r.logger = l }
}

func WithDialTimeout(d time.Duration) EtcdOption {
	return func(r *EtcdRegistry) { r.dialTimeout = d }
}

// EtcdRegistry implements Registry on etcd v3, used as a shared phonebook
// of endpoints:
//
//	Key:   {prefix}/{service}/{addr}
//	Value: JSON-encoded Endpoint
//
// Registrations hold a TTL lease: if the server dies, the lease expires and
// the entry disappears instead of lingering as a ghost endpoint.
type EtcdRegistry struct {
	client      *clientv3.Client // safe for concurrent use
	prefix      string
	logger      *zap.Logger
	dialTimeout time.Duration

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // key -> lease, revoked on Deregister
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, opts ...EtcdOption) (*EtcdRegistry, error) {
	r := &EtcdRegistry{
		prefix:      DefaultPrefix,
		logger:      zap.NewNop(),
		dialTimeout: 5 * time.Second,
		leases:      make(map[string]clientv3.LeaseID),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("registry")
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: r.dialTimeout,
		Logger:      r.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("connect etcd: %w", err)
	}
	r.client = c
	return r, nil
}

func (r *EtcdRegistry) key(service, addr string) string {
	return r.prefix + "/" + service + "/" + addr
}

func (r *EtcdRegistry) servicePrefix(service string) string {
	return r.prefix + "/" + service + "/"
}

// Register stores ep under a TTL lease and keeps the lease alive in the
// background.
//
// Flow:
//  1. Grant a lease with the given TTL
//  2. Put the endpoint with the lease attached
//  3. KeepAlive renews the lease until it is revoked or the client closes
func (r *EtcdRegistry) Register(ctx context.Context, service string, ep Endpoint, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("grant lease: %w", err)
	}
	val, err := json.Marshal(ep)
	if err != nil {
		return err
	}
	key := r.key(service, ep.Addr)
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}

	// The keepalive must outlive the registration call's context.
	ch, err := r.client.KeepAlive(context.Background(), lease.ID)
	if err != nil {
		return fmt.Errorf("keepalive: %w", err)
	}
	r.mu.Lock()
	r.leases[key] = lease.ID
	r.mu.Unlock()

	go func() {
		for range ch {
		}
		r.logger.Debug("lease keepalive ended", zap.String("key", key))
	}()
	r.logger.Info("registered", zap.String("service", service), zap.String("addr", ep.Addr), zap.Int64("ttl", ttl))
	return nil
}

// Deregister removes the endpoint and revokes its lease, which also stops
// the keepalive.
func (r *EtcdRegistry) Deregister(ctx context.Context, service, addr string) error {
	key := r.key(service, addr)
	r.mu.Lock()
	id, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()

	if ok {
		if _, err := r.client.Revoke(ctx, id); err != nil {
			return fmt.Errorf("revoke lease: %w", err)
		}
		return nil
	}
	if _, err := r.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Discover returns every endpoint registered under service.
func (r *EtcdRegistry) Discover(ctx context.Context, service string) ([]Endpoint, error) {
	resp, err := r.client.Get(ctx, r.servicePrefix(service), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	endpoints := make([]Endpoint, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var ep Endpoint
		if err := json.Unmarshal(kv.Value, &ep); err != nil {
			r.logger.Warn("skipping malformed endpoint", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, nil
}

// Watch re-reads the endpoint list whenever anything under the service
// prefix changes (registration, deregistration, lease expiry).
func (r *EtcdRegistry) Watch(ctx context.Context, service string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)
	go func() {
		defer close(ch)
		if eps, err := r.Discover(ctx, service); err == nil {
			ch <- eps
		}
		for resp := range r.client.Watch(ctx, r.servicePrefix(service), clientv3.WithPrefix()) {
			if err := resp.Err(); err != nil {
				r.logger.Warn("watch failed", zap.String("service", service), zap.Error(err))
				return
			}
			eps, err := r.Discover(ctx, service)
			if err != nil {
				continue
			}
			select {
			case ch <- eps:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Close releases the etcd client.
func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
