// Package httpapi serves webhook ingress, connection management and admin
// endpoints on a chi router.
package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goliatone/go-integration-gateway/admin"
	gatewaycommand "github.com/goliatone/go-integration-gateway/command"
	"github.com/goliatone/go-integration-gateway/core"
	"github.com/goliatone/go-integration-gateway/lifecycle"
	"github.com/goliatone/go-integration-gateway/query"
	"github.com/goliatone/go-integration-gateway/webhooks"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type ConnectionService interface {
	gatewaycommand.LifecycleService
	query.ConnectionReader
}

type AdminService interface {
	gatewaycommand.AdminService
	query.DeadLetterReader
	query.HealthReader
}

// Services are the backends behind the routes. Nil services leave their
// routes unregistered.
type Services struct {
	Webhooks     gatewaycommand.WebhookReceiver
	Connections  ConnectionService
	Admin        AdminService
	Routes       core.RoutingIndex
	Attributions core.AttributionStore
}

type Options struct {
	APIKey       string
	MaxBodyBytes int64
	RateLimiter  *RateLimiter
	Metrics      *Metrics
	Gatherer     prometheus.Gatherer
	Observer     core.Observer
	// SuccessURL receives browsers after a completed OAuth callback. Without
	// it the callback answers with the connection as JSON.
	SuccessURL string
}

func NewRouter(services Services, opts Options) chi.Router {
	h := &handlers{services: services, successURL: opts.SuccessURL}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(opts.Metrics.Middleware)
	r.Use(RequestLogger(opts.Observer))

	if services.Webhooks != nil {
		r.With(opts.RateLimiter.Middleware, MaxBodyBytes(opts.MaxBodyBytes)).
			Post("/webhooks/{provider}", h.receiveWebhook)
	}

	if services.Connections != nil {
		// The provider redirects the browser here; the single-use state
		// authenticates the request instead of the api key.
		r.Get("/connections/{provider}/callback", h.callback)

		r.Group(func(r chi.Router) {
			r.Use(RequireAPIKey(opts.APIKey))
			r.Use(MaxBodyBytes(opts.MaxBodyBytes))
			r.Get("/connections/{provider}/authorize", h.authorize)
			r.Post("/connections/{provider}/setup", h.setup)
			r.Get("/connections/{connectionID}", h.getConnection)
			r.Delete("/connections/{provider}/{connectionID}", h.teardown)
			r.Post("/connections/{connectionID}/refresh", h.refresh)
			r.With(NoStore).Get("/connections/{connectionID}/token", h.vendToken)
			r.Get("/connections/{connectionID}/resources", h.listResources)
			r.Post("/connections/{connectionID}/resources", h.linkResource)
			r.Delete("/connections/{connectionID}/resources/{resourceID}", h.unlinkResource)
		})
	}

	if services.Admin != nil {
		r.Get("/admin/health", h.health)
	}
	r.Group(func(r chi.Router) {
		r.Use(RequireAPIKey(opts.APIKey))
		r.Use(MaxBodyBytes(opts.MaxBodyBytes))
		if services.Admin != nil {
			r.Post("/admin/cache/rebuild", h.rebuildIndex)
			r.Get("/admin/dlq", h.listDeadLetters)
			r.Post("/admin/dlq/replay", h.replayDeadLetters)
		}
		if services.Routes != nil {
			r.Get("/admin/routes/{provider}/{resourceID}", h.resolveRoute)
		}
		if services.Attributions != nil {
			r.Get("/admin/attributions", h.listAttributions)
		}
	})

	if opts.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

var (
	_ gatewaycommand.WebhookReceiver = (*webhooks.Receiver)(nil)
	_ ConnectionService              = (*lifecycle.Service)(nil)
	_ AdminService                   = (*admin.Service)(nil)
)
