package gateway

import (
	"fmt"
	"sort"
	"strings"

	"github.com/goliatone/go-integration-gateway/core"
	"github.com/goliatone/go-integration-gateway/providers"
	"github.com/goliatone/go-integration-gateway/providers/github"
	"github.com/goliatone/go-integration-gateway/providers/linear"
	"github.com/goliatone/go-integration-gateway/providers/sentry"
	"github.com/goliatone/go-integration-gateway/providers/vercel"
)

// ProviderFactory builds a registry entry from its provider config. The
// connector is left nil when cfg has no client id.
type ProviderFactory func(cfg core.ProviderConfig, client providers.HTTPDoer) (core.Provider, error)

func GitHubProvider(cfg core.ProviderConfig, client providers.HTTPDoer) (core.Provider, error) {
	provider := core.Provider{Adapter: github.NewAdapter(), WebhookSecret: cfg.WebhookSecret}
	if !hasClient(cfg) {
		return provider, nil
	}
	connector, err := github.NewConnector(cfg, "", client)
	if err != nil {
		return core.Provider{}, err
	}
	provider.Connector = connector
	return provider, nil
}

func LinearProvider(cfg core.ProviderConfig, client providers.HTTPDoer) (core.Provider, error) {
	provider := core.Provider{Adapter: linear.NewAdapter(), WebhookSecret: cfg.WebhookSecret}
	if !hasClient(cfg) {
		return provider, nil
	}
	connector, err := linear.NewConnector(cfg, client)
	if err != nil {
		return core.Provider{}, err
	}
	provider.Connector = connector
	return provider, nil
}

func SentryProvider(cfg core.ProviderConfig, client providers.HTTPDoer) (core.Provider, error) {
	provider := core.Provider{Adapter: sentry.NewAdapter(), WebhookSecret: cfg.WebhookSecret}
	if !hasClient(cfg) {
		return provider, nil
	}
	connector, err := sentry.NewConnector(cfg, client)
	if err != nil {
		return core.Provider{}, err
	}
	provider.Connector = connector
	return provider, nil
}

func VercelProvider(cfg core.ProviderConfig, client providers.HTTPDoer) (core.Provider, error) {
	provider := core.Provider{Adapter: vercel.NewAdapter(), WebhookSecret: cfg.WebhookSecret}
	if !hasClient(cfg) {
		return provider, nil
	}
	connector, err := vercel.NewConnector(cfg, client)
	if err != nil {
		return core.Provider{}, err
	}
	provider.Connector = connector
	return provider, nil
}

// BuiltinProviders maps provider names to their factories.
func BuiltinProviders() map[string]ProviderFactory {
	return map[string]ProviderFactory{
		github.ProviderName: GitHubProvider,
		linear.ProviderName: LinearProvider,
		sentry.ProviderName: SentryProvider,
		vercel.ProviderName: VercelProvider,
	}
}

// ProviderRegistryFromConfig registers a builtin provider for every entry in
// cfg.Providers, then the providers contributed by hooks. A configured name
// with no builtin factory must be supplied by a pack.
func ProviderRegistryFromConfig(cfg core.Config, client providers.HTTPDoer, hooks *ExtensionHooks) (*core.ProviderRegistry, error) {
	registry, err := core.NewProviderRegistry()
	if err != nil {
		return nil, err
	}
	factories := BuiltinProviders()
	packed := hooks.ProviderNames()

	names := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		key := core.NormalizeProvider(name)
		factory, ok := factories[key]
		if !ok {
			if _, fromPack := packed[key]; fromPack {
				continue
			}
			return nil, fmt.Errorf("gateway: no provider factory for %q", strings.TrimSpace(name))
		}
		provider, err := factory(cfg.Providers[name], client)
		if err != nil {
			return nil, fmt.Errorf("gateway: build provider %q: %w", key, err)
		}
		if err := registry.Register(provider); err != nil {
			return nil, err
		}
	}
	if err := hooks.ApplyProviderPacks(registry); err != nil {
		return nil, err
	}
	return registry, nil
}

func hasClient(cfg core.ProviderConfig) bool {
	return strings.TrimSpace(cfg.ClientID) != ""
}
