package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-integration-gateway/core"
	"github.com/goliatone/go-integration-gateway/workflow"
)

const (
	SetupWorkflow    = "connection.setup"
	TeardownWorkflow = "connection.teardown"
	RefreshWorkflow  = "connection.refresh"
)

type Dependencies struct {
	Providers   *core.ProviderRegistry
	Connections core.ConnectionStore
	Vault       *core.CredentialVault
	Routes      core.RoutingIndex
	States      *core.OAuthStateStore
	Engine      *workflow.Engine
	Notifier    core.OperatorNotifier
	Observer    core.Observer
}

type Service struct {
	providers   *core.ProviderRegistry
	connections core.ConnectionStore
	vault       *core.CredentialVault
	routes      core.RoutingIndex
	states      *core.OAuthStateStore
	engine      *workflow.Engine
	notifier    core.OperatorNotifier
	observer    core.Observer

	calls              core.ProviderCallConfig
	refreshMargin      time.Duration
	refreshMaxAttempts int
	redirectURL        string

	Now   func() time.Time
	NewID func() string
}

// NewService wires the lifecycle operations and registers the Setup,
// Teardown and Refresh workflows on deps.Engine.
func NewService(deps Dependencies, cfg core.Config) (*Service, error) {
	switch {
	case deps.Providers == nil:
		return nil, fmt.Errorf("lifecycle: provider registry is required")
	case deps.Connections == nil:
		return nil, fmt.Errorf("lifecycle: connection store is required")
	case deps.Vault == nil:
		return nil, fmt.Errorf("lifecycle: credential vault is required")
	case deps.Routes == nil:
		return nil, fmt.Errorf("lifecycle: routing index is required")
	case deps.Engine == nil:
		return nil, fmt.Errorf("lifecycle: workflow engine is required")
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = core.LogNotifier{Observer: deps.Observer}
	}
	s := &Service{
		providers:          deps.Providers,
		connections:        deps.Connections,
		vault:              deps.Vault,
		routes:             deps.Routes,
		states:             deps.States,
		engine:             deps.Engine,
		notifier:           notifier,
		observer:           deps.Observer,
		calls:              cfg.ProviderCalls,
		refreshMargin:      cfg.Refresh.SafetyMargin,
		refreshMaxAttempts: cfg.Refresh.MaxAttempts,
		redirectURL:        strings.TrimSpace(cfg.OAuth.RedirectURL),
	}
	for _, def := range []workflow.Definition{s.setupDefinition(), s.teardownDefinition(), s.refreshDefinition()} {
		if err := s.engine.Register(def); err != nil {
			return nil, err
		}
	}
	return s, nil
}

type AuthorizeRequest struct {
	Provider    string
	TenantID    string
	RedirectURI string
}

type AuthorizeResponse struct {
	URL       string    `json:"url"`
	State     string    `json:"state"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Authorize issues single-use OAuth state for the tenant and returns the
// provider consent URL.
func (s *Service) Authorize(ctx context.Context, req AuthorizeRequest) (response AuthorizeResponse, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{"provider": req.Provider, "tenant_id": req.TenantID}
	defer func() {
		s.observer.Observe(ctx, startedAt, "lifecycle.authorize", err, fields)
	}()

	provider, connector, err := s.connector(req.Provider)
	if err != nil {
		return AuthorizeResponse{}, err
	}
	if s.states == nil {
		err = core.NewError(core.ErrorInternal, "oauth state store is not configured")
		return AuthorizeResponse{}, err
	}
	redirectURI := s.redirectFor(req.RedirectURI, provider.Name())
	record, err := s.states.Save(ctx, core.OAuthState{
		Provider:    provider.Name(),
		TenantID:    req.TenantID,
		RedirectURI: redirectURI,
	})
	if err != nil {
		err = core.MapError(err)
		return AuthorizeResponse{}, err
	}
	url, err := connector.AuthorizeURL(record.State, redirectURI)
	if err != nil {
		err = core.MapError(err)
		return AuthorizeResponse{}, err
	}
	return AuthorizeResponse{URL: url, State: record.State, ExpiresAt: record.ExpiresAt}, nil
}

type CallbackRequest struct {
	Provider string
	Code     string
	State    string
}

// Callback consumes the OAuth state and runs Setup for the tenant that
// started the authorization.
func (s *Service) Callback(ctx context.Context, req CallbackRequest) (core.Connection, error) {
	if s.states == nil {
		return core.Connection{}, core.NewError(core.ErrorInternal, "oauth state store is not configured")
	}
	record, err := s.states.Consume(ctx, req.Provider, req.State)
	if err != nil {
		return core.Connection{}, core.MapError(err)
	}
	return s.Setup(ctx, SetupRequest{
		Provider:    record.Provider,
		TenantID:    record.TenantID,
		Code:        req.Code,
		RedirectURI: record.RedirectURI,
		Key:         "setup:" + record.Provider + ":" + record.State,
	})
}

type SetupRequest struct {
	Provider    string
	TenantID    string
	Code        string
	RedirectURI string
	// Key deduplicates repeated setups for the same authorization.
	Key string
}

// Setup exchanges the authorization code and creates an active connection.
// Exchange and persist failures are returned to the caller and leave no
// connection or credential behind.
func (s *Service) Setup(ctx context.Context, req SetupRequest) (conn core.Connection, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{"provider": req.Provider, "tenant_id": req.TenantID}
	defer func() {
		if conn.ID != "" {
			fields["connection_id"] = conn.ID
		}
		s.observer.Observe(ctx, startedAt, "lifecycle.setup", err, fields)
	}()

	provider, _, err := s.connector(req.Provider)
	if err != nil {
		return core.Connection{}, err
	}
	if strings.TrimSpace(req.TenantID) == "" {
		err = core.NewError(core.ErrorBadInput, "tenant id is required")
		return core.Connection{}, err
	}
	if strings.TrimSpace(req.Code) == "" {
		err = core.NewError(core.ErrorBadInput, "authorization code is required")
		return core.Connection{}, err
	}

	run, err := s.engine.Start(ctx, SetupWorkflow, req.Key, map[string]string{
		stateProvider:    provider.Name(),
		stateTenantID:    strings.TrimSpace(req.TenantID),
		stateCode:        strings.TrimSpace(req.Code),
		stateRedirectURI: s.redirectFor(req.RedirectURI, provider.Name()),
	})
	if err != nil {
		err = s.runError(err)
		return core.Connection{}, err
	}
	connectionID := run.Get(stateConnectionID)
	if connectionID == "" {
		err = core.NewError(core.ErrorInternal, "setup finished without a connection")
		return core.Connection{}, err
	}
	conn, err = s.connections.Get(ctx, connectionID)
	if err != nil {
		err = core.MapError(err)
		return core.Connection{}, err
	}
	return conn, nil
}

type TeardownRequest struct {
	Provider     string
	ConnectionID string
	Reason       string
}

// Teardown disconnects a connection. Provider failures are logged and the
// connection always ends revoked.
func (s *Service) Teardown(ctx context.Context, req TeardownRequest) (conn core.Connection, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{"provider": req.Provider, "connection_id": req.ConnectionID}
	defer func() {
		s.observer.Observe(ctx, startedAt, "lifecycle.teardown", err, fields)
	}()

	conn, err = s.lookup(ctx, req.ConnectionID)
	if err != nil {
		return core.Connection{}, err
	}
	if provider := strings.TrimSpace(req.Provider); provider != "" && core.NormalizeProvider(provider) != conn.Provider {
		err = core.NewError(core.ErrorNotFound, "connection not found for provider")
		return core.Connection{}, err
	}
	if conn.Status == core.ConnectionStatusRevoked {
		err = core.NewError(core.ErrorAlreadyRevoked, "connection is already revoked")
		return conn, err
	}

	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "disconnected"
	}
	if _, err = s.engine.Start(ctx, TeardownWorkflow, "teardown:"+conn.ID, map[string]string{
		stateConnectionID: conn.ID,
		stateProvider:     conn.Provider,
		stateReason:       reason,
	}); err != nil {
		var stepErr *workflow.StepError
		if !errors.As(err, &stepErr) {
			err = core.MapError(err)
			return conn, err
		}
		// OnFailure already forced the revoked status.
		err = nil
	}
	conn, err = s.lookup(ctx, conn.ID)
	return conn, err
}

// Refresh runs the token refresh workflow for a connection now.
func (s *Service) Refresh(ctx context.Context, connectionID string) (conn core.Connection, err error) {
	conn, err = s.lookup(ctx, connectionID)
	if err != nil {
		return core.Connection{}, err
	}
	if conn.Status != core.ConnectionStatusActive {
		return conn, core.NewError(core.ErrorNoToken, "connection is not active").
			WithMetadata(map[string]any{"status": string(conn.Status)})
	}
	if _, err = s.engine.Start(ctx, RefreshWorkflow, "", map[string]string{stateConnectionID: conn.ID}); err != nil {
		return conn, s.runError(err)
	}
	return s.lookup(ctx, conn.ID)
}

// VendToken returns a short-lived access token for an active connection.
func (s *Service) VendToken(ctx context.Context, connectionID string) (token core.VendedToken, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{"connection_id": connectionID}
	defer func() {
		s.observer.Observe(ctx, startedAt, "lifecycle.vend_token", err, fields)
	}()

	token, err = s.vault.Vend(ctx, connectionID)
	if err != nil {
		err = core.MapError(err)
		return core.VendedToken{}, err
	}
	return token, nil
}

type LinkResourceRequest struct {
	ConnectionID string
	ResourceID   string
	DisplayName  string
}

// LinkResource binds a provider resource to an active connection and
// publishes the route.
func (s *Service) LinkResource(ctx context.Context, req LinkResourceRequest) (resource core.Resource, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{"connection_id": req.ConnectionID, "resource_id": req.ResourceID}
	defer func() {
		s.observer.Observe(ctx, startedAt, "lifecycle.link_resource", err, fields)
	}()

	if strings.TrimSpace(req.ResourceID) == "" {
		err = core.NewError(core.ErrorBadInput, "resource id is required")
		return core.Resource{}, err
	}
	conn, err := s.lookup(ctx, req.ConnectionID)
	if err != nil {
		return core.Resource{}, err
	}
	if conn.Status != core.ConnectionStatusActive {
		err = core.NewError(core.ErrorBadInput, "connection is not active").
			WithMetadata(map[string]any{"status": string(conn.Status)})
		return core.Resource{}, err
	}
	resource, err = s.connections.LinkResource(ctx, core.Resource{
		ConnectionID:       conn.ID,
		ExternalResourceID: req.ResourceID,
		DisplayName:        req.DisplayName,
	})
	if err != nil {
		err = core.MapError(err)
		return core.Resource{}, err
	}
	if routeErr := s.routes.Put(ctx, resource.Route()); routeErr != nil {
		s.observer.Warn(ctx, "routing index put failed", map[string]any{
			"connection_id": conn.ID,
			"resource_id":   resource.ExternalResourceID,
			"error":         routeErr.Error(),
		})
	}
	return resource, nil
}

func (s *Service) UnlinkResource(ctx context.Context, connectionID string, resourceID string) (err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{"connection_id": connectionID, "resource_id": resourceID}
	defer func() {
		s.observer.Observe(ctx, startedAt, "lifecycle.unlink_resource", err, fields)
	}()

	conn, err := s.lookup(ctx, connectionID)
	if err != nil {
		return err
	}
	if err = s.connections.UnlinkResource(ctx, conn.ID, conn.Provider, resourceID); err != nil {
		err = core.MapError(err)
		return err
	}
	if routeErr := s.routes.Remove(ctx, conn.Provider, resourceID); routeErr != nil {
		s.observer.Warn(ctx, "routing index remove failed", map[string]any{
			"connection_id": conn.ID,
			"resource_id":   resourceID,
			"error":         routeErr.Error(),
		})
	}
	return nil
}

func (s *Service) GetConnection(ctx context.Context, connectionID string) (core.Connection, error) {
	return s.lookup(ctx, connectionID)
}

func (s *Service) ListResources(ctx context.Context, connectionID string) ([]core.Resource, error) {
	conn, err := s.lookup(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	resources, err := s.connections.ListResources(ctx, conn.ID)
	if err != nil {
		return nil, core.MapError(err)
	}
	return resources, nil
}

func (s *Service) lookup(ctx context.Context, connectionID string) (core.Connection, error) {
	connectionID = strings.TrimSpace(connectionID)
	if connectionID == "" {
		return core.Connection{}, core.NewError(core.ErrorBadInput, "connection id is required")
	}
	conn, err := s.connections.Get(ctx, connectionID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return core.Connection{}, core.NewError(core.ErrorNotFound, "connection not found")
		}
		return core.Connection{}, core.MapError(err)
	}
	return conn, nil
}

func (s *Service) connector(name string) (core.Provider, core.ProviderConnector, error) {
	provider, ok := s.providers.Get(name)
	if !ok {
		return core.Provider{}, nil, core.NewError(core.ErrorUnknownProvider, "unknown provider").
			WithMetadata(map[string]any{"provider": name})
	}
	if provider.Connector == nil {
		return core.Provider{}, nil, core.NewError(core.ErrorBadInput, "provider does not support connections").
			WithMetadata(map[string]any{"provider": provider.Name()})
	}
	return provider, provider.Connector, nil
}

func (s *Service) redirectFor(requested string, provider string) string {
	if requested = strings.TrimSpace(requested); requested != "" {
		return requested
	}
	if s.redirectURL == "" {
		return ""
	}
	return strings.ReplaceAll(s.redirectURL, "{provider}", provider)
}

// runError unwraps step failures so callers see the provider or store error
// that stopped the workflow.
func (s *Service) runError(err error) error {
	var stepErr *workflow.StepError
	if errors.As(err, &stepErr) && stepErr.Err != nil {
		return core.MapError(stepErr.Err)
	}
	return core.MapError(err)
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Service) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return core.NewConnectionID()
}
