package gateway

import (
	"fmt"

	"github.com/goliatone/go-integration-gateway/adapters/gocommand"

	"github.com/goliatone/go-command"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"
)

type busOptions struct {
	registry      *command.Registry
	queueRegistry *jobqueuecommand.Registry
}

type BusOption func(*busOptions)

func WithCommandRegistry(registry *command.Registry) BusOption {
	return func(o *busOptions) { o.registry = registry }
}

// WithQueueRegistry mirrors every registered command into a go-job queue
// registry so queue workers can execute gateway commands by name.
func WithQueueRegistry(registry *jobqueuecommand.Registry) BusOption {
	return func(o *busOptions) { o.queueRegistry = registry }
}

// Bus registers the gateway commands and queries, then the bus extensions
// from the extension hooks, and initializes the registry. Close the bus to
// drop its dispatcher subscriptions.
func (g *Gateway) Bus(opts ...BusOption) (*gocommand.Bus, error) {
	if g == nil {
		return nil, fmt.Errorf("gateway: gateway is nil")
	}
	cfg := busOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	bus := gocommand.NewBus(cfg.registry)
	if cfg.queueRegistry != nil {
		if err := bus.AddQueueResolver("queue", cfg.queueRegistry); err != nil {
			return nil, err
		}
	}
	handlers := g.Handlers()
	if err := gocommand.RegisterGateway(bus, handlers); err != nil {
		return nil, err
	}
	if err := g.hooks.ApplyBusExtensions(bus, handlers); err != nil {
		bus.Close()
		return nil, err
	}
	if err := bus.Initialize(); err != nil {
		bus.Close()
		return nil, err
	}
	return bus, nil
}
