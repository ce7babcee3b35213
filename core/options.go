package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-config/cfgx"
	opts "github.com/goliatone/go-options"
)

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

// StaticRawConfigLoader serves a fixed raw configuration map.
type StaticRawConfigLoader struct {
	Values map[string]any
}

func (l StaticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	return copyAnyMap(l.Values), nil
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = StaticRawConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			configToLayerMap(defaults, true),
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			configToLayerMap(loaded, false),
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			configToLayerMap(runtime, false),
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	if err := resolved.Validate(); err != nil {
		return Config{}, err
	}
	return resolved, nil
}

// LoadConfig resolves defaults, the loader's raw values and runtime overrides.
func LoadConfig(ctx context.Context, loader RawConfigLoader, runtime Config) (Config, error) {
	defaults := DefaultConfig()
	loaded, err := NewCfgxConfigProvider(loader).Load(ctx, defaults)
	if err != nil {
		return Config{}, err
	}
	return GoOptionsResolver{}.Resolve(defaults, loaded, runtime)
}

type layer struct {
	values      map[string]any
	includeZero bool
}

func (l layer) str(key string, value string) {
	if l.includeZero || strings.TrimSpace(value) != "" {
		l.values[key] = value
	}
}

func (l layer) num(key string, value int64) {
	if l.includeZero || value != 0 {
		l.values[key] = value
	}
}

func (l layer) dur(key string, value time.Duration) {
	if l.includeZero || value != 0 {
		l.values[key] = value
	}
}

func (l layer) flag(key string, value bool) {
	if l.includeZero || value {
		l.values[key] = value
	}
}

func (l layer) sub(key string, fill func(layer)) {
	child := layer{values: map[string]any{}, includeZero: l.includeZero}
	fill(child)
	if len(child.values) > 0 {
		l.values[key] = child.values
	}
}

func configToLayerMap(cfg Config, includeZero bool) map[string]any {
	root := layer{values: map[string]any{}, includeZero: includeZero}
	root.str("service_name", cfg.ServiceName)
	root.sub("webhooks", func(l layer) {
		l.dur("dedup_ttl", cfg.Webhooks.DedupTTL)
		l.num("dedup_capacity", int64(cfg.Webhooks.DedupCapacity))
		l.dur("delivery_id_bucket", cfg.Webhooks.DeliveryIDBucket)
		l.num("max_body_bytes", cfg.Webhooks.MaxBodyBytes)
	})
	root.sub("queue", func(l layer) {
		l.num("max_attempts", int64(cfg.Queue.MaxAttempts))
		l.dur("initial_backoff", cfg.Queue.InitialBackoff)
		l.dur("max_backoff", cfg.Queue.MaxBackoff)
		l.num("batch_size", int64(cfg.Queue.BatchSize))
		l.dur("poll_interval", cfg.Queue.PollInterval)
		l.dur("retention", cfg.Queue.Retention)
		l.dur("sweep_interval", cfg.Queue.SweepInterval)
	})
	root.sub("workflow", func(l layer) {
		l.num("step_max_attempts", int64(cfg.Workflow.StepMaxAttempts))
		l.dur("step_backoff", cfg.Workflow.StepBackoff)
		l.dur("poll_interval", cfg.Workflow.PollInterval)
	})
	root.sub("refresh", func(l layer) {
		l.dur("safety_margin", cfg.Refresh.SafetyMargin)
		l.num("max_attempts", int64(cfg.Refresh.MaxAttempts))
	})
	root.sub("provider_calls", func(l layer) {
		l.dur("timeout", cfg.ProviderCalls.Timeout)
		l.num("retries", int64(cfg.ProviderCalls.Retries))
		l.dur("retry_backoff", cfg.ProviderCalls.RetryBackoff)
	})
	root.sub("oauth", func(l layer) {
		l.dur("state_ttl", cfg.OAuth.StateTTL)
		l.str("redirect_url", cfg.OAuth.RedirectURL)
		l.str("success_url", cfg.OAuth.SuccessURL)
	})
	root.sub("vault", func(l layer) {
		l.dur("vend_ttl", cfg.Vault.VendTTL)
	})
	root.sub("reconciler", func(l layer) {
		l.num("backfill_limit", int64(cfg.Reconciler.BackfillLimit))
	})
	root.sub("routing", func(l layer) {
		l.dur("rebuild_interval", cfg.Routing.RebuildInterval)
	})
	root.sub("http", func(l layer) {
		l.str("addr", cfg.HTTP.Addr)
		l.str("api_key", cfg.HTTP.APIKey)
		l.dur("read_timeout", cfg.HTTP.ReadTimeout)
		l.dur("write_timeout", cfg.HTTP.WriteTimeout)
		l.dur("shutdown_timeout", cfg.HTTP.ShutdownTimeout)
		l.num("rate_limit_per_second", int64(cfg.HTTP.RateLimitPerSecond))
		l.num("rate_limit_burst", int64(cfg.HTTP.RateLimitBurst))
	})
	root.sub("consumer", func(l layer) {
		l.str("url", cfg.Consumer.URL)
		l.dur("timeout", cfg.Consumer.Timeout)
		l.str("signing_secret", cfg.Consumer.SigningSecret)
	})
	root.sub("database", func(l layer) {
		l.str("driver", cfg.Database.Driver)
		l.str("dsn", cfg.Database.DSN)
		l.flag("debug", cfg.Database.Debug)
		l.dur("cache_ttl", cfg.Database.CacheTTL)
	})
	root.sub("security", func(l layer) {
		l.str("app_key", cfg.Security.AppKey)
		l.str("key_id", cfg.Security.KeyID)
		if len(cfg.Security.RetiredKeys) > 0 {
			retired := make(map[string]any, len(cfg.Security.RetiredKeys))
			for id, material := range cfg.Security.RetiredKeys {
				retired[id] = material
			}
			l.values["retired_keys"] = retired
		}
	})
	root.sub("log", func(l layer) {
		l.str("level", cfg.Log.Level)
		l.str("format", cfg.Log.Format)
	})
	root.sub("jobs", func(l layer) {
		l.str("transport", cfg.Jobs.Transport)
		l.num("concurrency", int64(cfg.Jobs.Concurrency))
	})
	if includeZero || len(cfg.Providers) > 0 {
		providers := make(map[string]any, len(cfg.Providers))
		for name, provider := range cfg.Providers {
			providers[NormalizeProvider(name)] = map[string]any{
				"client_id":      provider.ClientID,
				"client_secret":  provider.ClientSecret,
				"webhook_secret": provider.WebhookSecret,
				"authorize_url":  provider.AuthorizeURL,
				"token_url":      provider.TokenURL,
				"revoke_url":     provider.RevokeURL,
				"hooks_url":      provider.HooksURL,
				"webhook_url":    provider.WebhookURL,
				"scopes":         append([]string(nil), provider.Scopes...),
			}
		}
		root.values["providers"] = providers
	}
	return root.values
}

func copyAnyMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}
