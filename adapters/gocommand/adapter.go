// Package gocommand exposes the gateway command and query handlers on a
// go-command registry and dispatcher.
package gocommand

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/goliatone/go-command"
	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-command/runner"
	gatewaycommand "github.com/goliatone/go-integration-gateway/command"
	"github.com/goliatone/go-integration-gateway/core"
	"github.com/goliatone/go-integration-gateway/query"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"
)

// ValidateMessageContract enforces Type() plus optional Validate().
func ValidateMessageContract(msg any) error {
	m, ok := msg.(command.Message)
	if !ok {
		return fmt.Errorf("gocommand: message must implement Type() string")
	}
	if strings.TrimSpace(m.Type()) == "" {
		return fmt.Errorf("gocommand: message type is required")
	}
	if validator, ok := msg.(interface{ Validate() error }); ok {
		return validator.Validate()
	}
	return nil
}

// Bus owns a registry and the dispatcher subscriptions made through it.
type Bus struct {
	registry *command.Registry

	mu            sync.Mutex
	subscriptions []commanddispatcher.Subscription
}

func NewBus(registry *command.Registry) *Bus {
	if registry == nil {
		registry = command.NewRegistry()
	}
	return &Bus{registry: registry}
}

func (b *Bus) Registry() *command.Registry {
	if b == nil {
		return nil
	}
	return b.registry
}

func (b *Bus) AddResolver(key string, resolver command.Resolver) error {
	if b == nil || b.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return b.registry.AddResolver(strings.TrimSpace(key), resolver)
}

// AddQueueResolver mirrors registered commands into a go-job queue registry
// so queue workers can execute them.
func (b *Bus) AddQueueResolver(key string, queueRegistry *jobqueuecommand.Registry) error {
	if queueRegistry == nil {
		return fmt.Errorf("gocommand: queue registry is required")
	}
	return b.AddResolver(key, jobqueuecommand.QueueResolver(queueRegistry))
}

func (b *Bus) HasResolver(key string) bool {
	if b == nil || b.registry == nil {
		return false
	}
	return b.registry.HasResolver(strings.TrimSpace(key))
}

func (b *Bus) Initialize() error {
	if b == nil || b.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return b.registry.Initialize()
}

// Close removes every dispatcher subscription made through the bus.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	subscriptions := b.subscriptions
	b.subscriptions = nil
	b.mu.Unlock()
	for _, subscription := range subscriptions {
		if subscription != nil {
			subscription.Unsubscribe()
		}
	}
}

func (b *Bus) track(subscription commanddispatcher.Subscription) {
	b.mu.Lock()
	b.subscriptions = append(b.subscriptions, subscription)
	b.mu.Unlock()
}

func RegisterCommand[T any](bus *Bus, cmd command.Commander[T], runnerOpts ...runner.Option) error {
	if bus == nil || bus.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	if cmd == nil {
		return fmt.Errorf("gocommand: command is required")
	}
	subscription := commanddispatcher.SubscribeCommand(cmd, runnerOpts...)
	if err := bus.registry.RegisterCommand(cmd); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		return err
	}
	bus.track(subscription)
	return nil
}

func RegisterQuery[T any, R any](bus *Bus, qry command.Querier[T, R], runnerOpts ...runner.Option) error {
	if bus == nil || bus.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	if qry == nil {
		return fmt.Errorf("gocommand: query is required")
	}
	subscription := commanddispatcher.SubscribeQuery(qry, runnerOpts...)
	bus.track(subscription)
	return nil
}

// Dispatch validates msg and sends it to its subscribed command.
func Dispatch[T any](ctx context.Context, msg T) error {
	if err := ValidateMessageContract(msg); err != nil {
		return err
	}
	return commanddispatcher.Dispatch(ctx, msg)
}

// DispatchResult dispatches msg and returns the value its command stored.
func DispatchResult[T any, R any](ctx context.Context, msg T) (R, error) {
	var zero R
	collector := command.NewResult[R]()
	if err := Dispatch(command.ContextWithResult(ctx, collector), msg); err != nil {
		return zero, err
	}
	value, ok := collector.Load()
	if !ok {
		return zero, core.NewError(core.ErrorInternal, "command produced no result")
	}
	return value, nil
}

func Query[T any, R any](ctx context.Context, msg T) (R, error) {
	if err := ValidateMessageContract(msg); err != nil {
		var zero R
		return zero, err
	}
	return commanddispatcher.Query[T, R](ctx, msg)
}

// Handlers holds the services behind the gateway commands and queries.
type Handlers struct {
	Receiver     gatewaycommand.WebhookReceiver
	Lifecycle    LifecycleService
	Admin        AdminService
	Routes       core.RoutingIndex
	Attributions core.AttributionStore
}

type LifecycleService interface {
	gatewaycommand.LifecycleService
	query.ConnectionReader
}

type AdminService interface {
	gatewaycommand.AdminService
	query.DeadLetterReader
	query.HealthReader
}

// RegisterGateway registers every gateway command and query on the bus.
// Handlers whose service is nil are skipped.
func RegisterGateway(bus *Bus, h Handlers) error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	if h.Receiver != nil {
		add(RegisterCommand(bus, gatewaycommand.NewReceiveWebhookCommand(h.Receiver)))
	}
	if h.Lifecycle != nil {
		add(RegisterCommand(bus, gatewaycommand.NewAuthorizeCommand(h.Lifecycle)))
		add(RegisterCommand(bus, gatewaycommand.NewCompleteCallbackCommand(h.Lifecycle)))
		add(RegisterCommand(bus, gatewaycommand.NewSetupCommand(h.Lifecycle)))
		add(RegisterCommand(bus, gatewaycommand.NewTeardownCommand(h.Lifecycle)))
		add(RegisterCommand(bus, gatewaycommand.NewRefreshCommand(h.Lifecycle)))
		add(RegisterCommand(bus, gatewaycommand.NewVendTokenCommand(h.Lifecycle)))
		add(RegisterCommand(bus, gatewaycommand.NewLinkResourceCommand(h.Lifecycle)))
		add(RegisterCommand(bus, gatewaycommand.NewUnlinkResourceCommand(h.Lifecycle)))
		add(RegisterQuery(bus, query.NewGetConnectionQuery(h.Lifecycle)))
		add(RegisterQuery(bus, query.NewListResourcesQuery(h.Lifecycle)))
	}
	if h.Admin != nil {
		add(RegisterCommand(bus, gatewaycommand.NewRebuildRoutingIndexCommand(h.Admin)))
		add(RegisterCommand(bus, gatewaycommand.NewReplayDeadLettersCommand(h.Admin)))
		add(RegisterQuery(bus, query.NewListDeadLettersQuery(h.Admin)))
		add(RegisterQuery(bus, query.NewHealthQuery(h.Admin)))
	}
	if h.Routes != nil {
		add(RegisterQuery(bus, query.NewResolveRouteQuery(h.Routes)))
	}
	if h.Attributions != nil {
		add(RegisterQuery(bus, query.NewListAttributionsQuery(h.Attributions)))
	}
	if len(errs) > 0 {
		bus.Close()
		return errors.Join(errs...)
	}
	return nil
}
