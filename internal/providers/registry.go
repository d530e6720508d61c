package providers

import (
	"sync"

	"github.com/Davincible/tensorgate/internal/gwerr"
)

// Registry holds the constructed provider adapters, keyed by entry name.
// Adapters are stateless, so one instance per config entry is shared across
// requests.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider to the registry.
func (r *Registry) Register(provider Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[provider.Name()] = provider
}

// Get retrieves a provider by entry name.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	provider, exists := r.providers[name]
	return provider, exists
}

// GetEmbedder retrieves a provider that supports embeddings.
func (r *Registry) GetEmbedder(name string) (Embedder, error) {
	provider, ok := r.Get(name)
	if !ok {
		return nil, gwerr.Newf(gwerr.KindProviderNotFound, "provider %q is not registered", name)
	}
	embedder, ok := provider.(Embedder)
	if !ok {
		return nil, gwerr.Newf(gwerr.KindEmbedding, "provider %q does not support embeddings", name)
	}
	return embedder, nil
}

// List returns all registered provider entry names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}

// BuildAll constructs and registers adapters for a set of config entries.
func (r *Registry) BuildAll(configs []Config) error {
	for _, cfg := range configs {
		provider, err := New(cfg)
		if err != nil {
			return err
		}
		r.Register(provider)
	}
	return nil
}
