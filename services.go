package gateway

import (
	"time"

	"github.com/goliatone/go-integration-gateway/core"
	"github.com/goliatone/go-integration-gateway/providers"

	"github.com/goliatone/go-job/queue"
)

type Config = core.Config

type ProviderConfig = core.ProviderConfig

var (
	DefaultConfig = core.DefaultConfig
	LoadConfig    = core.LoadConfig
)

type Option func(*options)

type options struct {
	logger         core.Logger
	loggerProvider core.LoggerProvider
	metrics        core.MetricsRecorder
	httpClient     providers.HTTPDoer
	consumer       core.Consumer
	notifier       core.OperatorNotifier
	tracker        core.DeliveryTracker
	secrets        core.SecretProvider
	stores         *Stores
	hooks          *ExtensionHooks
	enqueuer       queue.Enqueuer
	dequeuer       queue.Dequeuer
	now            func() time.Time
}

func WithLogger(logger core.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func WithLoggerProvider(provider core.LoggerProvider) Option {
	return func(o *options) { o.loggerProvider = provider }
}

func WithMetrics(metrics core.MetricsRecorder) Option {
	return func(o *options) { o.metrics = metrics }
}

// WithHTTPClient sets the client used for provider calls and, when no
// consumer is given, for consumer deliveries.
func WithHTTPClient(client providers.HTTPDoer) Option {
	return func(o *options) { o.httpClient = client }
}

func WithConsumer(consumer core.Consumer) Option {
	return func(o *options) { o.consumer = consumer }
}

func WithNotifier(notifier core.OperatorNotifier) Option {
	return func(o *options) { o.notifier = notifier }
}

func WithDeliveryTracker(tracker core.DeliveryTracker) Option {
	return func(o *options) { o.tracker = tracker }
}

func WithSecretProvider(secrets core.SecretProvider) Option {
	return func(o *options) { o.secrets = secrets }
}

// WithStores replaces the stores selected by database.driver.
func WithStores(stores Stores) Option {
	return func(o *options) { o.stores = &stores }
}

func WithExtensionHooks(hooks *ExtensionHooks) Option {
	return func(o *options) { o.hooks = hooks }
}

// WithJobQueue sets the go-job backend used by the gojob transport. The
// in-process MemoryQueue is used when none is given.
func WithJobQueue(enqueuer queue.Enqueuer, dequeuer queue.Dequeuer) Option {
	return func(o *options) {
		o.enqueuer = enqueuer
		o.dequeuer = dequeuer
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}
