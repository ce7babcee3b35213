package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	gateway "github.com/goliatone/go-integration-gateway"
	"github.com/goliatone/go-integration-gateway/adapters/gologger"
	promadapter "github.com/goliatone/go-integration-gateway/adapters/prometheus"
	"github.com/goliatone/go-integration-gateway/migrations"
	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type app struct {
	cfg      gateway.Config
	gateway  *gateway.Gateway
	logger   *gologger.SlogLogger
	registry *prometheus.Registry
	client   *persistence.Client
}

type appOptions struct {
	migrate bool
}

func newApp(ctx context.Context, cfg gateway.Config, opts appOptions) (*app, error) {
	a := &app{
		cfg:      cfg,
		logger:   gologger.NewSlogLogger(os.Stdout, cfg.Log.Format, cfg.Log.Level),
		registry: prometheus.NewRegistry(),
	}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	gatewayOpts := []gateway.Option{
		gateway.WithLoggerProvider(gologger.SlogProvider{Root: a.logger}),
		gateway.WithMetrics(promadapter.NewRecorder(a.registry)),
		gateway.WithHTTPClient(&http.Client{Timeout: cfg.ProviderCalls.Timeout}),
	}

	if !strings.EqualFold(strings.TrimSpace(cfg.Database.Driver), "memory") {
		client, dialect, err := openDatabase(cfg.Database)
		if err != nil {
			return nil, err
		}
		a.client = client
		if opts.migrate {
			if err := migrations.Apply(ctx, client, dialect); err != nil {
				a.Close()
				return nil, err
			}
		}
		factory, err := sqlFactory(client, cfg)
		if err != nil {
			a.Close()
			return nil, err
		}
		stores, err := gateway.SQLStores(factory)
		if err != nil {
			a.Close()
			return nil, err
		}
		gatewayOpts = append(gatewayOpts, gateway.WithStores(stores))
	}

	g, err := gateway.New(cfg, gatewayOpts...)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("build gateway: %w", err)
	}
	a.gateway = g
	return a, nil
}

func (a *app) Close() {
	if a != nil && a.client != nil {
		_ = a.client.Close()
	}
}
