// Package gateway assembles the integration gateway: provider registry,
// stores, webhook ingress, the delivery transport, connection lifecycle and
// the admin surface.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-integration-gateway/adapters/gocommand"
	"github.com/goliatone/go-integration-gateway/adapters/gojob"
	"github.com/goliatone/go-integration-gateway/adapters/gologger"
	"github.com/goliatone/go-integration-gateway/admin"
	"github.com/goliatone/go-integration-gateway/consumer"
	"github.com/goliatone/go-integration-gateway/core"
	"github.com/goliatone/go-integration-gateway/httpapi"
	"github.com/goliatone/go-integration-gateway/identity"
	"github.com/goliatone/go-integration-gateway/lifecycle"
	"github.com/goliatone/go-integration-gateway/ratelimit"
	"github.com/goliatone/go-integration-gateway/security"
	sqlstore "github.com/goliatone/go-integration-gateway/store/sql"
	"github.com/goliatone/go-integration-gateway/webhooks"
	"github.com/goliatone/go-integration-gateway/workflow"
)

const (
	TransportPoll  = "poll"
	TransportGoJob = "gojob"
)

// Stores holds every durable dependency. Routes is always derived and is
// rebuilt from Connections on Start.
type Stores struct {
	Connections  core.ConnectionStore
	Credentials  core.CredentialStore
	Idempotency  core.IdempotencyStore
	Queue        core.QueueStore
	DeadLetters  core.DeadLetterStore
	Identities   core.ActorIdentityStore
	Attributions core.AttributionStore
	Runs         workflow.RunStore
	Routes       core.RoutingIndex
	Ping         func(ctx context.Context) error
}

// MemoryStores keeps everything in process. The dedup cache holds at most
// cfg.Webhooks.DedupCapacity keys.
func MemoryStores(cfg core.Config) Stores {
	credentials := core.NewMemoryCredentialStore()
	idempotency, _ := core.NewMemoryIdempotencyStoreWithLimits(cfg.Webhooks.DedupTTL, cfg.Webhooks.DedupCapacity)
	return Stores{
		Connections:  core.NewMemoryConnectionStore(credentials),
		Credentials:  credentials,
		Idempotency:  idempotency,
		Queue:        core.NewMemoryDeliveryQueue(),
		DeadLetters:  core.NewMemoryDeadLetterStore(),
		Identities:   core.NewMemoryActorIdentityStore(),
		Attributions: core.NewMemoryAttributionStore(),
		Runs:         workflow.NewMemoryRunStore(),
		Routes:       core.NewMemoryRoutingIndex(),
	}
}

// SQLStores takes every store from a built repository factory.
func SQLStores(factory *sqlstore.RepositoryFactory) (Stores, error) {
	if factory == nil || factory.DB() == nil {
		return Stores{}, fmt.Errorf("gateway: repository factory is not built")
	}
	db := factory.DB()
	return Stores{
		Connections:  factory.ConnectionStore(),
		Credentials:  factory.CredentialStore(),
		Idempotency:  factory.IdempotencyStore(),
		Queue:        factory.QueueStore(),
		DeadLetters:  factory.DeadLetterStore(),
		Identities:   factory.ActorIdentityStore(),
		Attributions: factory.AttributionStore(),
		Runs:         factory.WorkflowRunStore(),
		Routes:       core.NewMemoryRoutingIndex(),
		Ping:         db.PingContext,
	}, nil
}

func (s Stores) validate() error {
	switch {
	case s.Connections == nil:
		return fmt.Errorf("gateway: connection store is required")
	case s.Credentials == nil:
		return fmt.Errorf("gateway: credential store is required")
	case s.Idempotency == nil:
		return fmt.Errorf("gateway: idempotency store is required")
	case s.Queue == nil:
		return fmt.Errorf("gateway: queue store is required")
	case s.DeadLetters == nil:
		return fmt.Errorf("gateway: dead letter store is required")
	case s.Identities == nil || s.Attributions == nil:
		return fmt.Errorf("gateway: identity stores are required")
	case s.Runs == nil:
		return fmt.Errorf("gateway: workflow run store is required")
	case s.Routes == nil:
		return fmt.Errorf("gateway: routing index is required")
	}
	return nil
}

type Gateway struct {
	Config    core.Config
	Observer  core.Observer
	Stores    Stores
	Transport string

	Providers  *core.ProviderRegistry
	Vault      *core.CredentialVault
	States     *core.OAuthStateStore
	Engine     *workflow.Engine
	Lifecycle  *lifecycle.Service
	Reconciler *identity.Reconciler
	Forwarder  *webhooks.Forwarder
	Receiver   *webhooks.Receiver
	Admin      *admin.Service
	Consumer   core.Consumer

	// Dispatcher drains Stores.Queue under the poll transport.
	Dispatcher *core.QueueDispatcher
	// Worker runs deliveries and workflow resumes under the gojob transport.
	Worker   *gojob.Worker
	JobQueue *gojob.MemoryQueue
	// Sweeper drops delivered queue messages and expired dedup keys.
	Sweeper *core.RetentionSweeper

	hooks *ExtensionHooks
}

func New(cfg core.Config, opts ...Option) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	g := &Gateway{
		Config:    cfg,
		Observer:  core.NewObserver(cfg.ServiceName, o.loggerProvider, o.logger, o.metrics),
		Transport: strings.ToLower(strings.TrimSpace(cfg.Jobs.Transport)),
		hooks:     o.hooks,
	}
	if o.stores != nil {
		g.Stores = *o.stores
	} else {
		if driver := strings.ToLower(strings.TrimSpace(cfg.Database.Driver)); driver != "memory" {
			return nil, fmt.Errorf("gateway: database driver %q needs WithStores", driver)
		}
		g.Stores = MemoryStores(cfg)
	}
	if err := g.Stores.validate(); err != nil {
		return nil, err
	}

	providerClient := ratelimit.NewClient(o.httpClient, ratelimit.NewAdaptivePolicy(ratelimit.NewMemoryStateStore()))
	providers, err := ProviderRegistryFromConfig(cfg, providerClient, o.hooks)
	if err != nil {
		return nil, err
	}
	g.Providers = providers

	secrets := o.secrets
	if secrets == nil {
		appKey, err := security.NewAppKeySecretProviderFromConfig(cfg.Security)
		if err != nil {
			return nil, err
		}
		secrets = appKey
	}
	vault, err := core.NewCredentialVault(secrets, g.Stores.Credentials, g.Stores.Connections, cfg.Vault.VendTTL)
	if err != nil {
		return nil, err
	}
	g.Vault = vault
	g.States = core.NewOAuthStateStore(g.Stores.Idempotency, cfg.OAuth.StateTTL)

	g.Consumer = o.consumer
	if g.Consumer == nil {
		delivery, err := consumer.NewHTTPConsumer(cfg.Consumer, o.httpClient)
		if err != nil {
			return nil, err
		}
		g.Consumer = delivery
	}

	g.Engine = workflow.NewEngine(g.Stores.Runs, cfg.Workflow, g.Observer)
	g.Reconciler = identity.NewReconciler(g.Stores.Identities, g.Stores.Attributions, cfg.Reconciler, g.Observer)

	var deliveries core.DeliveryQueue = g.Stores.Queue
	if g.Transport == TransportGoJob {
		if (o.enqueuer == nil || o.dequeuer == nil) && !strings.EqualFold(strings.TrimSpace(cfg.Database.Driver), "memory") {
			return nil, fmt.Errorf("gateway: jobs.transport gojob with database driver %q needs a durable WithJobQueue backend", cfg.Database.Driver)
		}
		publisher, err := g.buildWorker(o)
		if err != nil {
			return nil, err
		}
		deliveries = publisher
	} else {
		dispatcher, err := core.NewQueueDispatcher(g.Stores.Queue, g.Consumer, g.Stores.DeadLetters, cfg.Queue, g.Observer)
		if err != nil {
			return nil, err
		}
		g.Dispatcher = dispatcher.WithTracker(o.tracker)
	}

	queuePurger, _ := g.Stores.Queue.(core.DeliveredPurger)
	keyPurger, _ := g.Stores.Idempotency.(core.ExpiredKeyPurger)
	g.Sweeper = core.NewRetentionSweeper(queuePurger, keyPurger, cfg.Queue, g.Observer)

	g.Forwarder = webhooks.NewForwarder(g.Stores.Routes, deliveries, g.Stores.DeadLetters, g.Reconciler, cfg.Queue, g.Observer)
	g.Receiver = webhooks.NewReceiver(g.Providers, g.Stores.Idempotency, g.Forwarder, cfg.Webhooks, g.Observer)

	g.Lifecycle, err = lifecycle.NewService(lifecycle.Dependencies{
		Providers:   g.Providers,
		Connections: g.Stores.Connections,
		Vault:       g.Vault,
		Routes:      g.Stores.Routes,
		States:      g.States,
		Engine:      g.Engine,
		Notifier:    o.notifier,
		Observer:    g.Observer,
	}, cfg)
	if err != nil {
		return nil, err
	}

	g.Admin = admin.NewService(g.Stores.Connections, g.Stores.Routes, g.Stores.DeadLetters, g.Forwarder, g.Observer)
	if g.Stores.Ping != nil {
		g.Admin.AddCheck("database", g.Stores.Ping)
	}

	if o.now != nil {
		g.setClock(o.now)
	}
	return g, nil
}

func (g *Gateway) buildWorker(o options) (*gojob.EnvelopePublisher, error) {
	enqueuer, dequeuer := o.enqueuer, o.dequeuer
	if enqueuer == nil || dequeuer == nil {
		g.JobQueue = gojob.NewMemoryQueue()
		enqueuer, dequeuer = g.JobQueue, g.JobQueue
	}
	cfg := g.Config.Queue
	jobs := g.Observer
	jobs.Logger = gologger.ResolveForJobs(g.Config.ServiceName, o.loggerProvider, o.logger).Logger
	backoff := core.ExponentialBackoff{Initial: cfg.InitialBackoff, Max: cfg.MaxBackoff}
	w, err := gojob.NewWorker(dequeuer, gojob.RetryPolicy{MaxAttempts: cfg.MaxAttempts, MaxDelay: cfg.MaxBackoff}, backoff, jobs,
		gojob.WithConcurrency(g.Config.Jobs.Concurrency),
		gojob.WithIdleInterval(cfg.PollInterval),
		gojob.WithHooks(gojob.NewTrackerHook(o.tracker, jobs)),
	)
	if err != nil {
		return nil, err
	}
	deliveries, err := gojob.NewDeliveryHandler(g.Consumer, g.Stores.DeadLetters, o.tracker)
	if err != nil {
		return nil, err
	}
	resumes, err := gojob.NewResumeHandler(g.Engine)
	if err != nil {
		return nil, err
	}
	if err := w.Handle(gojob.JobIDDelivery, deliveries); err != nil {
		return nil, err
	}
	if err := w.Handle(gojob.JobIDWorkflowResume, resumes); err != nil {
		return nil, err
	}
	g.Worker = w
	g.Engine.Scheduler = gojob.NewResumeScheduler(enqueuer)
	return gojob.NewEnvelopePublisher(enqueuer, cfg), nil
}

func (g *Gateway) setClock(now func() time.Time) {
	g.Vault.Now = now
	g.States.Now = now
	g.Engine.Now = now
	g.Reconciler.Now = now
	g.Forwarder.Now = now
	g.Receiver.Now = now
	g.Lifecycle.Now = now
	g.Admin.Now = now
	g.Sweeper.Now = now
	if g.Dispatcher != nil {
		g.Dispatcher.WithClock(now)
	}
	if g.JobQueue != nil {
		g.JobQueue.Now = now
	}
}

// Start rebuilds the routing index from the connection store. Under the
// gojob transport it also sweeps workflow runs that are already due, since
// their resume messages may not have survived a restart.
func (g *Gateway) Start(ctx context.Context) error {
	result, err := g.Admin.RebuildRoutingIndex(ctx)
	if err != nil {
		return fmt.Errorf("gateway: rebuild routing index: %w", err)
	}
	g.Observer.Info(ctx, "routing index rebuilt", map[string]any{"routes": result.Routes})
	if g.Transport == TransportGoJob {
		if _, err := g.Engine.RunDue(ctx, g.Config.Queue.BatchSize); err != nil {
			return fmt.Errorf("gateway: resume due workflows: %w", err)
		}
	}
	return nil
}

// Run drives the delivery transport, the workflow poller, the retention sweep
// and the periodic routing rebuild until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				mu.Lock()
				errs = append(errs, fmt.Errorf("gateway: %s: %w", name, err))
				mu.Unlock()
			}
		}()
	}
	if g.Worker != nil {
		run("job worker", g.Worker.Run)
	} else {
		run("queue dispatcher", g.Dispatcher.Run)
		run("workflow engine", func(ctx context.Context) error {
			return g.Engine.Run(ctx, g.Config.Queue.BatchSize)
		})
	}
	if g.Config.Queue.SweepInterval > 0 {
		run("retention sweep", g.Sweeper.Run)
	}
	if g.Config.Routing.RebuildInterval > 0 {
		run("routing rebuild", g.rebuildRoutesEvery)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// rebuildRoutesEvery recovers index entries lost to a failed write after the
// connection store commit. A failed pass is logged and retried on the next
// tick.
func (g *Gateway) rebuildRoutesEvery(ctx context.Context) error {
	ticker := time.NewTicker(g.Config.Routing.RebuildInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		result, err := g.Admin.RebuildRoutingIndex(ctx)
		if err != nil {
			if ctx.Err() == nil {
				g.Observer.Warn(ctx, "periodic routing rebuild failed", map[string]any{"error": err.Error()})
			}
			continue
		}
		if result.Added > 0 || result.Removed > 0 {
			g.Observer.Info(ctx, "routing index drift repaired", map[string]any{
				"routes":  result.Routes,
				"added":   result.Added,
				"removed": result.Removed,
			})
		}
	}
}

// Handlers returns the services behind the gateway commands and queries.
func (g *Gateway) Handlers() gocommand.Handlers {
	return gocommand.Handlers{
		Receiver:     g.Receiver,
		Lifecycle:    g.Lifecycle,
		Admin:        g.Admin,
		Routes:       g.Stores.Routes,
		Attributions: g.Stores.Attributions,
	}
}

// Handler builds the HTTP router. Zero fields in opts fall back to the
// gateway config.
func (g *Gateway) Handler(opts httpapi.Options) http.Handler {
	if opts.APIKey == "" {
		opts.APIKey = g.Config.HTTP.APIKey
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = g.Config.Webhooks.MaxBodyBytes
	}
	if opts.SuccessURL == "" {
		opts.SuccessURL = g.Config.OAuth.SuccessURL
	}
	if opts.Observer.Logger == nil {
		opts.Observer = g.Observer
	}
	return httpapi.NewRouter(httpapi.Services{
		Webhooks:     g.Receiver,
		Connections:  g.Lifecycle,
		Admin:        g.Admin,
		Routes:       g.Stores.Routes,
		Attributions: g.Stores.Attributions,
	}, opts)
}
