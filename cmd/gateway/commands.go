package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	gateway "github.com/goliatone/go-integration-gateway"
	"github.com/goliatone/go-integration-gateway/adapters/gocommand"
	"github.com/goliatone/go-integration-gateway/admin"
	gatewaycommand "github.com/goliatone/go-integration-gateway/command"
	"github.com/goliatone/go-integration-gateway/core"
	"github.com/goliatone/go-integration-gateway/httpapi"
	"github.com/spf13/cobra"
)

func serveCmd(configPath *string) *cobra.Command {
	var (
		addr        string
		autoMigrate bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the delivery transport and the workflow engine",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := loadConfig(ctx, *configPath, gateway.Config{HTTP: core.HTTPConfig{Addr: addr}})
			if err != nil {
				return err
			}
			a, err := newApp(ctx, cfg, appOptions{migrate: autoMigrate})
			if err != nil {
				return err
			}
			defer a.Close()
			return serve(ctx, a)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides http.addr")
	cmd.Flags().BoolVar(&autoMigrate, "migrate", false, "apply pending migrations before starting")
	return cmd
}

func serve(ctx context.Context, a *app) error {
	g := a.gateway
	if err := g.Start(ctx); err != nil {
		return err
	}
	metrics, err := httpapi.NewMetrics(a.registry)
	if err != nil {
		return err
	}
	limiter := httpapi.NewRateLimiter(a.cfg.HTTP.RateLimitPerSecond, a.cfg.HTTP.RateLimitBurst, 10000, 10*time.Minute)
	handler := g.Handler(httpapi.Options{
		RateLimiter: limiter,
		Metrics:     metrics,
		Gatherer:    a.registry,
	})
	server := httpapi.NewServer(a.cfg.HTTP, handler, g.Observer)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var (
		wg        sync.WaitGroup
		serverErr error
		runErr    error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		serverErr = server.Run(ctx)
		cancel()
	}()
	go func() {
		defer wg.Done()
		runErr = g.Run(ctx)
		cancel()
	}()
	wg.Wait()
	if serverErr != nil {
		return serverErr
	}
	return runErr
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the gateway schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd.Context(), *configPath, gateway.Config{})
			if err != nil {
				return err
			}
			if strings.EqualFold(strings.TrimSpace(cfg.Database.Driver), "memory") {
				return fmt.Errorf("migrate: the memory driver has no schema")
			}
			if err := migrate(cmd.Context(), cfg.Database); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func rebuildIndexCmd(configPath *string) *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "rebuild-index",
		Short: "Rebuild the routing index from the connection store",
		Long: "With --server the running gateway rebuilds its own index through POST /admin/cache/rebuild.\n" +
			"Without it the index is rebuilt in this process only and the output is marked dryRun.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(server) != "" {
				cfg, err := loadConfig(cmd.Context(), *configPath, gateway.Config{})
				if err != nil {
					return err
				}
				result, err := rebuildOnServer(cmd.Context(), server, cfg.HTTP)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			}
			return withBus(cmd, *configPath, func(ctx context.Context) (any, error) {
				result, err := gocommand.DispatchResult[gatewaycommand.RebuildRoutingIndexMessage, admin.RebuildResult](ctx, gatewaycommand.RebuildRoutingIndexMessage{})
				if err != nil {
					return nil, err
				}
				return dryRunRebuild{DryRun: true, RebuildResult: result}, nil
			})
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "base URL of a running gateway, e.g. http://localhost:8080")
	return cmd
}

// dryRunRebuild reports a rebuild of an index no server reads.
type dryRunRebuild struct {
	DryRun bool `json:"dryRun"`
	admin.RebuildResult
}

func rebuildOnServer(ctx context.Context, server string, cfg core.HTTPConfig) (admin.RebuildResult, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(server), "/") + "/admin/cache/rebuild"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return admin.RebuildResult{}, err
	}
	req.Header.Set(httpapi.APIKeyHeader, cfg.APIKey)
	client := &http.Client{Timeout: cfg.WriteTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return admin.RebuildResult{}, fmt.Errorf("rebuild-index: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return admin.RebuildResult{}, fmt.Errorf("rebuild-index: server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var result admin.RebuildResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return admin.RebuildResult{}, fmt.Errorf("rebuild-index: decode response: %w", err)
	}
	return result, nil
}

func replayDLQCmd(configPath *string) *cobra.Command {
	var (
		filter core.DeadLetterFilter
		ids    []string
		reason string
	)
	cmd := &cobra.Command{
		Use:   "replay-dlq",
		Short: "Replay dead letters through the forward step",
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter.IDs = ids
			filter.Reason = core.DeadLetterReason(strings.TrimSpace(reason))
			return withBus(cmd, *configPath, func(ctx context.Context) (any, error) {
				return gocommand.DispatchResult[gatewaycommand.ReplayDeadLettersMessage, admin.ReplayResult](ctx, gatewaycommand.ReplayDeadLettersMessage{Filter: filter})
			})
		},
	}
	cmd.Flags().StringVar(&filter.Provider, "provider", "", "only replay letters for this provider")
	cmd.Flags().StringVar(&reason, "reason", "", "only replay letters with this reason")
	cmd.Flags().StringSliceVar(&ids, "id", nil, "replay these dead letter ids")
	cmd.Flags().IntVar(&filter.Limit, "limit", 0, "maximum number of letters to replay")
	cmd.Flags().BoolVar(&filter.IncludeReplayed, "include-replayed", false, "include letters that were already replayed")
	return cmd
}

// withBus runs fn against a gateway in which the routing index was rebuilt
// and the command bus is registered, then prints its result as JSON.
func withBus(cmd *cobra.Command, configPath string, fn func(ctx context.Context) (any, error)) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(ctx, configPath, gateway.Config{})
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.gateway.Start(ctx); err != nil {
		return err
	}
	bus, err := a.gateway.Bus()
	if err != nil {
		return err
	}
	defer bus.Close()
	result, err := fn(ctx)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), result)
}

func printJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
