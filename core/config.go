package core

import (
	"fmt"
	"strings"
	"time"
)

// WebhookConfig bounds ingress dedup. With the memory stores DedupCapacity
// caps the in-process key cache: once full, the least recently used key is
// evicted and a provider retry of that delivery is accepted again even
// inside DedupTTL. The SQL idempotency store ignores it.
type WebhookConfig struct {
	DedupTTL         time.Duration `koanf:"dedup_ttl" mapstructure:"dedup_ttl"`
	DedupCapacity    int           `koanf:"dedup_capacity" mapstructure:"dedup_capacity"`
	DeliveryIDBucket time.Duration `koanf:"delivery_id_bucket" mapstructure:"delivery_id_bucket"`
	MaxBodyBytes     int64         `koanf:"max_body_bytes" mapstructure:"max_body_bytes"`
}

// QueueConfig drives the delivery queue. Delivered messages are kept for
// Retention and then removed by a sweep every SweepInterval, which also
// purges expired dedup keys. A zero SweepInterval disables the sweep.
type QueueConfig struct {
	MaxAttempts    int           `koanf:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoff time.Duration `koanf:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `koanf:"max_backoff" mapstructure:"max_backoff"`
	BatchSize      int           `koanf:"batch_size" mapstructure:"batch_size"`
	PollInterval   time.Duration `koanf:"poll_interval" mapstructure:"poll_interval"`
	Retention      time.Duration `koanf:"retention" mapstructure:"retention"`
	SweepInterval  time.Duration `koanf:"sweep_interval" mapstructure:"sweep_interval"`
}

type WorkflowConfig struct {
	StepMaxAttempts int           `koanf:"step_max_attempts" mapstructure:"step_max_attempts"`
	StepBackoff     time.Duration `koanf:"step_backoff" mapstructure:"step_backoff"`
	PollInterval    time.Duration `koanf:"poll_interval" mapstructure:"poll_interval"`
}

type RefreshConfig struct {
	SafetyMargin time.Duration `koanf:"safety_margin" mapstructure:"safety_margin"`
	MaxAttempts  int           `koanf:"max_attempts" mapstructure:"max_attempts"`
}

// ProviderCallConfig bounds every outbound provider API call.
type ProviderCallConfig struct {
	Timeout      time.Duration `koanf:"timeout" mapstructure:"timeout"`
	Retries      int           `koanf:"retries" mapstructure:"retries"`
	RetryBackoff time.Duration `koanf:"retry_backoff" mapstructure:"retry_backoff"`
}

type OAuthConfig struct {
	StateTTL    time.Duration `koanf:"state_ttl" mapstructure:"state_ttl"`
	RedirectURL string        `koanf:"redirect_url" mapstructure:"redirect_url"`
	// SuccessURL receives the browser after a completed callback.
	SuccessURL  string        `koanf:"success_url" mapstructure:"success_url"`
}

type VaultConfig struct {
	VendTTL time.Duration `koanf:"vend_ttl" mapstructure:"vend_ttl"`
}

type ReconcilerConfig struct {
	BackfillLimit int `koanf:"backfill_limit" mapstructure:"backfill_limit"`
}

// RoutingConfig schedules the periodic rebuild of the routing index from the
// connection store. A zero RebuildInterval rebuilds on Start only.
type RoutingConfig struct {
	RebuildInterval time.Duration `koanf:"rebuild_interval" mapstructure:"rebuild_interval"`
}

type HTTPConfig struct {
	Addr               string        `koanf:"addr" mapstructure:"addr"`
	APIKey             string        `koanf:"api_key" mapstructure:"api_key"`
	ReadTimeout        time.Duration `koanf:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `koanf:"write_timeout" mapstructure:"write_timeout"`
	ShutdownTimeout    time.Duration `koanf:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	RateLimitPerSecond int           `koanf:"rate_limit_per_second" mapstructure:"rate_limit_per_second"`
	RateLimitBurst     int           `koanf:"rate_limit_burst" mapstructure:"rate_limit_burst"`
}

type ConsumerConfig struct {
	URL           string        `koanf:"url" mapstructure:"url"`
	Timeout       time.Duration `koanf:"timeout" mapstructure:"timeout"`
	SigningSecret string        `koanf:"signing_secret" mapstructure:"signing_secret"`
}

type DatabaseConfig struct {
	// Driver is postgres or sqlite.
	Driver string `koanf:"driver" mapstructure:"driver"`
	DSN    string `koanf:"dsn" mapstructure:"dsn"`
	Debug  bool   `koanf:"debug" mapstructure:"debug"`
	// CacheTTL enables the read-through connection cache when positive.
	CacheTTL time.Duration `koanf:"cache_ttl" mapstructure:"cache_ttl"`
}

type SecurityConfig struct {
	// AppKey is the base64 or raw 32 byte key sealing stored credentials.
	AppKey string `koanf:"app_key" mapstructure:"app_key"`
	KeyID  string `koanf:"key_id" mapstructure:"key_id"`
	// RetiredKeys maps previous key ids to key material kept for decryption.
	RetiredKeys map[string]string `koanf:"retired_keys" mapstructure:"retired_keys"`
}

// JobsConfig selects the delivery transport. "poll" uses the SQL queue
// dispatcher, "gojob" runs deliveries and workflow resumes as go-job messages.
type JobsConfig struct {
	Transport   string `koanf:"transport" mapstructure:"transport"`
	Concurrency int    `koanf:"concurrency" mapstructure:"concurrency"`
}

type ProviderConfig struct {
	ClientID      string   `koanf:"client_id" mapstructure:"client_id"`
	ClientSecret  string   `koanf:"client_secret" mapstructure:"client_secret"`
	WebhookSecret string   `koanf:"webhook_secret" mapstructure:"webhook_secret"`
	AuthorizeURL  string   `koanf:"authorize_url" mapstructure:"authorize_url"`
	TokenURL      string   `koanf:"token_url" mapstructure:"token_url"`
	RevokeURL     string   `koanf:"revoke_url" mapstructure:"revoke_url"`
	HooksURL      string   `koanf:"hooks_url" mapstructure:"hooks_url"`
	WebhookURL    string   `koanf:"webhook_url" mapstructure:"webhook_url"`
	Scopes        []string `koanf:"scopes" mapstructure:"scopes"`
}

// LogConfig selects the slog handler: json or text output at a level.
type LogConfig struct {
	Level  string `koanf:"level" mapstructure:"level"`
	Format string `koanf:"format" mapstructure:"format"`
}

type Config struct {
	ServiceName   string                    `koanf:"service_name" mapstructure:"service_name"`
	Webhooks      WebhookConfig             `koanf:"webhooks" mapstructure:"webhooks"`
	Queue         QueueConfig               `koanf:"queue" mapstructure:"queue"`
	Workflow      WorkflowConfig            `koanf:"workflow" mapstructure:"workflow"`
	Refresh       RefreshConfig             `koanf:"refresh" mapstructure:"refresh"`
	ProviderCalls ProviderCallConfig        `koanf:"provider_calls" mapstructure:"provider_calls"`
	OAuth         OAuthConfig               `koanf:"oauth" mapstructure:"oauth"`
	Vault         VaultConfig               `koanf:"vault" mapstructure:"vault"`
	Reconciler    ReconcilerConfig          `koanf:"reconciler" mapstructure:"reconciler"`
	Routing       RoutingConfig             `koanf:"routing" mapstructure:"routing"`
	HTTP          HTTPConfig                `koanf:"http" mapstructure:"http"`
	Consumer      ConsumerConfig            `koanf:"consumer" mapstructure:"consumer"`
	Database      DatabaseConfig            `koanf:"database" mapstructure:"database"`
	Security      SecurityConfig            `koanf:"security" mapstructure:"security"`
	Jobs          JobsConfig                `koanf:"jobs" mapstructure:"jobs"`
	Log           LogConfig                 `koanf:"log" mapstructure:"log"`
	Providers     map[string]ProviderConfig `koanf:"providers" mapstructure:"providers"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "gateway",
		Webhooks: WebhookConfig{
			DedupTTL:         24 * time.Hour,
			DedupCapacity:    65536,
			DeliveryIDBucket: 5 * time.Minute,
			MaxBodyBytes:     1 << 20,
		},
		Queue: QueueConfig{
			MaxAttempts:    5,
			InitialBackoff: 2 * time.Second,
			MaxBackoff:     5 * time.Minute,
			BatchSize:      50,
			PollInterval:   time.Second,
			Retention:      24 * time.Hour,
			SweepInterval:  10 * time.Minute,
		},
		Workflow: WorkflowConfig{
			StepMaxAttempts: 5,
			StepBackoff:     5 * time.Second,
			PollInterval:    5 * time.Second,
		},
		Refresh: RefreshConfig{
			SafetyMargin: 5 * time.Minute,
			MaxAttempts:  3,
		},
		ProviderCalls: ProviderCallConfig{
			Timeout:      10 * time.Second,
			Retries:      2,
			RetryBackoff: 250 * time.Millisecond,
		},
		OAuth: OAuthConfig{
			StateTTL: 15 * time.Minute,
		},
		Vault: VaultConfig{
			VendTTL: 5 * time.Minute,
		},
		Reconciler: ReconcilerConfig{
			BackfillLimit: 500,
		},
		Routing: RoutingConfig{
			RebuildInterval: 15 * time.Minute,
		},
		HTTP: HTTPConfig{
			Addr:               ":8080",
			ReadTimeout:        15 * time.Second,
			WriteTimeout:       15 * time.Second,
			ShutdownTimeout:    20 * time.Second,
			RateLimitPerSecond: 50,
			RateLimitBurst:     100,
		},
		Consumer: ConsumerConfig{
			Timeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "file:gateway.db?cache=shared&_fk=1",
		},
		Security: SecurityConfig{
			KeyID: "app-key-v1",
		},
		Jobs: JobsConfig{
			Transport:   "poll",
			Concurrency: 4,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Providers: map[string]ProviderConfig{},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if c.Webhooks.DedupTTL <= 0 {
		return fmt.Errorf("core: webhooks.dedup_ttl must be positive")
	}
	if c.Webhooks.DedupCapacity < 1 {
		return fmt.Errorf("core: webhooks.dedup_capacity must be at least 1")
	}
	if c.Webhooks.DeliveryIDBucket <= 0 {
		return fmt.Errorf("core: webhooks.delivery_id_bucket must be positive")
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("core: queue.max_attempts must be at least 1")
	}
	if c.Queue.Retention <= 0 {
		return fmt.Errorf("core: queue.retention must be positive")
	}
	if c.Queue.SweepInterval < 0 || c.Routing.RebuildInterval < 0 {
		return fmt.Errorf("core: queue.sweep_interval and routing.rebuild_interval must not be negative")
	}
	if c.Workflow.StepMaxAttempts < 1 {
		return fmt.Errorf("core: workflow.step_max_attempts must be at least 1")
	}
	if c.Refresh.MaxAttempts < 1 {
		return fmt.Errorf("core: refresh.max_attempts must be at least 1")
	}
	if c.ProviderCalls.Retries < 0 {
		return fmt.Errorf("core: provider_calls.retries must not be negative")
	}
	if c.Reconciler.BackfillLimit < 1 {
		return fmt.Errorf("core: reconciler.backfill_limit must be at least 1")
	}
	switch strings.ToLower(strings.TrimSpace(c.Database.Driver)) {
	case "postgres", "sqlite", "memory":
	default:
		return fmt.Errorf("core: database.driver must be postgres, sqlite or memory")
	}
	switch strings.ToLower(strings.TrimSpace(c.Jobs.Transport)) {
	case "poll", "gojob":
	default:
		return fmt.Errorf("core: jobs.transport must be poll or gojob")
	}
	for name := range c.Providers {
		if NormalizeProvider(name) == "" {
			return fmt.Errorf("core: provider config name is required")
		}
	}
	return nil
}

func (c Config) Provider(name string) ProviderConfig {
	if len(c.Providers) == 0 {
		return ProviderConfig{}
	}
	if cfg, ok := c.Providers[name]; ok {
		return cfg
	}
	return c.Providers[NormalizeProvider(name)]
}
