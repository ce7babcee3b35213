package core

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Provider is one registry entry: the webhook adapter, the shared secret used
// to verify its deliveries and an optional lifecycle connector.
type Provider struct {
	Adapter       ProviderAdapter
	Connector     ProviderConnector
	WebhookSecret string
}

func (p Provider) Name() string {
	if p.Adapter == nil {
		return ""
	}
	return NormalizeProvider(p.Adapter.Name())
}

type ProviderRegistry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewProviderRegistry(providers ...Provider) (*ProviderRegistry, error) {
	registry := &ProviderRegistry{providers: make(map[string]Provider)}
	for _, provider := range providers {
		if err := registry.Register(provider); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func (r *ProviderRegistry) Register(provider Provider) error {
	if r == nil {
		return fmt.Errorf("core: provider registry is nil")
	}
	if provider.Adapter == nil {
		return fmt.Errorf("core: provider adapter is required")
	}
	name := provider.Name()
	if name == "" {
		return fmt.Errorf("core: provider name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("core: provider already registered: %s", name)
	}
	r.providers[name] = provider
	return nil
}

func (r *ProviderRegistry) Get(name string) (Provider, bool) {
	if r == nil {
		return Provider{}, false
	}
	key := NormalizeProvider(name)
	if key == "" {
		return Provider{}, false
	}
	r.mu.RLock()
	provider, ok := r.providers[key]
	r.mu.RUnlock()
	return provider, ok
}

func (r *ProviderRegistry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

func NormalizeProvider(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
