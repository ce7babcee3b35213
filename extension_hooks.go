package gateway

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-integration-gateway/adapters/gocommand"
	"github.com/goliatone/go-integration-gateway/core"
)

// ProviderPack contributes providers that have no builtin factory.
type ProviderPack struct {
	Name      string
	Providers []core.Provider
}

// BusExtension registers extra commands or queries next to the gateway
// handlers.
type BusExtension func(bus *gocommand.Bus, handlers gocommand.Handlers) error

type ExtensionHooks struct {
	mu sync.RWMutex

	providerPacks map[string]ProviderPack
	extensions    map[string]BusExtension
}

func NewExtensionHooks() *ExtensionHooks {
	return &ExtensionHooks{
		providerPacks: map[string]ProviderPack{},
		extensions:    map[string]BusExtension{},
	}
}

func (h *ExtensionHooks) RegisterProviderPack(pack ProviderPack) error {
	if h == nil {
		return fmt.Errorf("gateway: extension hooks are nil")
	}
	name := strings.TrimSpace(pack.Name)
	if name == "" {
		return fmt.Errorf("gateway: provider pack name is required")
	}
	if len(pack.Providers) == 0 {
		return fmt.Errorf("gateway: provider pack %q has no providers", name)
	}
	for _, provider := range pack.Providers {
		if provider.Adapter == nil {
			return fmt.Errorf("gateway: provider pack %q contains a provider without adapter", name)
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.providerPacks[name]; exists {
		return fmt.Errorf("gateway: provider pack %q already registered", name)
	}
	h.providerPacks[name] = ProviderPack{
		Name:      name,
		Providers: append([]core.Provider(nil), pack.Providers...),
	}
	return nil
}

func (h *ExtensionHooks) RegisterBusExtension(name string, extension BusExtension) error {
	if h == nil {
		return fmt.Errorf("gateway: extension hooks are nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("gateway: bus extension name is required")
	}
	if extension == nil {
		return fmt.Errorf("gateway: bus extension %q is nil", name)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.extensions[name]; exists {
		return fmt.Errorf("gateway: bus extension %q already registered", name)
	}
	h.extensions[name] = extension
	return nil
}

// ApplyProviderPacks registers every pack provider in pack name order.
func (h *ExtensionHooks) ApplyProviderPacks(registry *core.ProviderRegistry) error {
	if h == nil {
		return nil
	}
	if registry == nil {
		return fmt.Errorf("gateway: provider registry is required")
	}
	for _, pack := range h.ProviderPacks() {
		for _, provider := range pack.Providers {
			if err := registry.Register(provider); err != nil {
				return fmt.Errorf("gateway: provider pack %q: %w", pack.Name, err)
			}
		}
	}
	return nil
}

func (h *ExtensionHooks) ApplyBusExtensions(bus *gocommand.Bus, handlers gocommand.Handlers) error {
	if h == nil {
		return nil
	}
	if bus == nil {
		return fmt.Errorf("gateway: command bus is required")
	}
	h.mu.RLock()
	names := make([]string, 0, len(h.extensions))
	extensions := make(map[string]BusExtension, len(h.extensions))
	for name, extension := range h.extensions {
		names = append(names, name)
		extensions[name] = extension
	}
	h.mu.RUnlock()
	sort.Strings(names)

	for _, name := range names {
		if err := extensions[name](bus, handlers); err != nil {
			return fmt.Errorf("gateway: bus extension %q: %w", name, err)
		}
	}
	return nil
}

func (h *ExtensionHooks) ProviderPacks() []ProviderPack {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.providerPacks))
	for name := range h.providerPacks {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]ProviderPack, 0, len(names))
	for _, name := range names {
		pack := h.providerPacks[name]
		out = append(out, ProviderPack{
			Name:      pack.Name,
			Providers: append([]core.Provider(nil), pack.Providers...),
		})
	}
	return out
}

// ProviderNames returns the normalized names of every packed provider.
func (h *ExtensionHooks) ProviderNames() map[string]struct{} {
	out := map[string]struct{}{}
	for _, pack := range h.ProviderPacks() {
		for _, provider := range pack.Providers {
			out[provider.Name()] = struct{}{}
		}
	}
	return out
}

func (h *ExtensionHooks) ExtensionNames() []string {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.extensions))
	for name := range h.extensions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
