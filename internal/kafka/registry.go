package kafka

import (
	"fmt"
	"maps"
	"slices"
	"sync"
)

// Registry holds the named clusters flows can refer to instead of listing
// brokers inline.
type Registry struct {
	mu       sync.RWMutex
	clusters map[string]*ClusterConfig
}

func NewRegistry() *Registry {
	return &Registry{clusters: make(map[string]*ClusterConfig)}
}

// Register validates cfg and stores it under name, replacing any earlier
// definition.
func (r *Registry) Register(name string, cfg *ClusterConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("cluster %q: %w", name, err)
	}
	cfg.Name = name

	r.mu.Lock()
	r.clusters[name] = cfg
	r.mu.Unlock()
	return nil
}

func (r *Registry) Get(name string) (*ClusterConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.clusters[name]
	return cfg, ok
}

func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names returns the registered cluster names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.clusters))
}

// Resolve returns the cluster an endpoint refers to. A cluster name must be
// registered; without one an anonymous cluster is built from brokers.
func (r *Registry) Resolve(name string, brokers []string) (*ClusterConfig, error) {
	if name == "" {
		if len(brokers) == 0 {
			return nil, fmt.Errorf("either cluster or brokers is required")
		}
		return &ClusterConfig{Brokers: brokers}, nil
	}
	if cfg, ok := r.Get(name); ok {
		return cfg, nil
	}
	return nil, fmt.Errorf("cluster %q not found in registry", name)
}
