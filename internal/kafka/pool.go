package kafka

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"
)

// producer is the part of *kgo.Client a publisher uses.
type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// PooledPublisher produces through the client its pool keeps for one
// cluster. Kafka sinks and the dead-letter queue both publish through it.
type PooledPublisher struct {
	client producer
	name   string
}

// Cluster returns the pool key of the shared client.
func (p *PooledPublisher) Cluster() string { return p.name }

// Publish sends one record and waits for the ack. Headers are written in
// key order.
func (p *PooledPublisher) Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	record := &kgo.Record{Topic: topic, Key: key, Value: value}
	for _, k := range slices.Sorted(maps.Keys(headers)) {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(headers[k])})
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("kafka publish to %s: %w", topic, err)
	}
	return nil
}

// Close leaves the shared client open; PublisherPool.Close closes it.
func (p *PooledPublisher) Close() error { return nil }

// PublisherPool keeps one producing client per cluster for all flows.
type PublisherPool struct {
	registry  *Registry
	newClient func(cfg *ClusterConfig) (producer, error)

	mu      sync.Mutex
	clients map[string]producer
}

func NewPublisherPool(registry *Registry) *PublisherPool {
	return &PublisherPool{
		registry: registry,
		clients:  make(map[string]producer),
		newClient: func(cfg *ClusterConfig) (producer, error) {
			opts, err := ClientOptions(cfg)
			if err != nil {
				return nil, err
			}
			return kgo.NewClient(opts...)
		},
	}
}

// Get returns a publisher for a registered cluster.
func (p *PublisherPool) Get(cluster string) (*PooledPublisher, error) {
	cfg, ok := p.registry.Get(cluster)
	if !ok {
		return nil, fmt.Errorf("cluster %q not found in registry", cluster)
	}
	return p.publisher(cluster, cfg)
}

// GetForConfig returns a publisher for an unregistered cluster. Clusters
// listing the same brokers share a client.
func (p *PublisherPool) GetForConfig(cfg *ClusterConfig) (*PooledPublisher, error) {
	return p.publisher("_inline_"+strings.Join(cfg.Brokers, ","), cfg)
}

func (p *PublisherPool) publisher(key string, cfg *ClusterConfig) (*PooledPublisher, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	client, ok := p.clients[key]
	if !ok {
		var err error
		if client, err = p.newClient(cfg); err != nil {
			return nil, fmt.Errorf("cluster %q client: %w", key, err)
		}
		p.clients[key] = client
	}
	return &PooledPublisher{client: client, name: key}, nil
}

// Len returns the number of open clients.
func (p *PublisherPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

func (p *PublisherPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, client := range p.clients {
		client.Close()
		delete(p.clients, key)
	}
	return nil
}
