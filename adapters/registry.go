// Package adapters provides the concrete backing stores and the registry
// that builds them from layer configuration.
package adapters

import (
	"fmt"
	"io"
	"sync"

	"github.com/brettbedarf/layerfs"
	"github.com/brettbedarf/layerfs/config"
)

// Factory builds a store from its layer configuration.
type Factory func(cfg config.LayerConfig) (layerfs.Store, error)

// Registry maps layer types to store factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register ties a factory to a layer type. The first registration of a
// type wins.
func (r *Registry) Register(layerType string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[layerType]; ok {
		return
	}
	r.factories[layerType] = f
}

// Factory returns the factory registered for layerType.
func (r *Registry) Factory(layerType string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[layerType]
	if !ok {
		return nil, fmt.Errorf("no factory for layer type %q", layerType)
	}
	return f, nil
}

// NewStore builds the store described by cfg.
func (r *Registry) NewStore(cfg config.LayerConfig) (layerfs.Store, error) {
	if cfg.Type == "" {
		return nil, fmt.Errorf("layer type is required")
	}
	f, err := r.Factory(cfg.Type)
	if err != nil {
		return nil, err
	}
	return f(cfg)
}

// NewStores builds every layer in order. Stores built before a failure
// are closed.
func (r *Registry) NewStores(layers []config.LayerConfig) ([]layerfs.Store, error) {
	stores := make([]layerfs.Store, 0, len(layers))
	for i, lc := range layers {
		s, err := r.NewStore(lc)
		if err != nil {
			CloseStores(stores)
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		stores = append(stores, s)
	}
	return stores, nil
}

// CloseStores closes every store holding resources.
func CloseStores(stores []layerfs.Store) {
	for _, s := range stores {
		if c, ok := s.(io.Closer); ok {
			_ = c.Close()
		}
	}
}
