package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/goliatone/go-integration-gateway/core"
	"github.com/goliatone/go-integration-gateway/workflow"
)

func (s *Service) setupDefinition() workflow.Definition {
	return workflow.Definition{
		Name: SetupWorkflow,
		Steps: []workflow.Step{
			{Name: "exchange-authorization-code", MaxAttempts: 1, Run: s.exchangeCode},
			{Name: "persist-connection", MaxAttempts: 1, Run: s.persistConnection},
			{Name: "populate-routing-index", Run: s.populateRoutes},
			{Name: "register-provider-webhook", Run: s.registerWebhook},
			{Name: "schedule-token-refresh", Run: s.scheduleInitialRefresh},
		},
		OnFailure: s.setupFailed,
	}
}

func (s *Service) exchangeCode(ctx context.Context, run *workflow.Run) error {
	if run.Get(stateSealed) != "" {
		return nil
	}
	_, connector, err := s.connector(run.Get(stateProvider))
	if err != nil {
		return workflow.Permanent(err)
	}
	var grant core.Grant
	err = core.CallProvider(ctx, s.calls, func(ctx context.Context) error {
		var callErr error
		grant, callErr = connector.ExchangeCode(ctx, run.Get(stateCode), run.Get(stateRedirectURI))
		return callErr
	})
	if err != nil {
		return err
	}
	if grant.Credential.AccessToken == "" {
		return workflow.Permanent(core.NewError(core.ErrorNoToken, "provider returned no access token"))
	}

	connectionID := run.Get(stateConnectionID)
	if connectionID == "" {
		connectionID = s.newID()
	}
	sealed, err := s.vault.Seal(ctx, connectionID, grant.Credential)
	if err != nil {
		return err
	}
	if err := putResources(run, grant.Resources); err != nil {
		return err
	}
	run.Set(stateConnectionID, connectionID)
	run.Set(stateAccountID, grant.ExternalAccountID)
	run.Set(stateAccountType, grant.ExternalAccountType)
	putSealed(run, sealed)
	delete(run.State, stateCode)
	return nil
}

func (s *Service) persistConnection(ctx context.Context, run *workflow.Run) error {
	connectionID := run.Get(stateConnectionID)
	sealed, ok, err := takeSealed(run, connectionID)
	if err != nil {
		return err
	}
	if !ok {
		if _, err := s.connections.Get(ctx, connectionID); err != nil {
			return workflow.Permanent(fmt.Errorf("lifecycle: sealed credential missing for %s: %w", connectionID, err))
		}
		return nil
	}
	resources, err := resourcesFrom(*run)
	if err != nil {
		return err
	}
	if _, err := s.connections.CreateWithCredential(ctx, core.Connection{
		ID:                  connectionID,
		TenantID:            run.Get(stateTenantID),
		Provider:            run.Get(stateProvider),
		ExternalAccountID:   run.Get(stateAccountID),
		ExternalAccountType: run.Get(stateAccountType),
		Status:              core.ConnectionStatusActive,
	}, sealed, resources); err != nil {
		return err
	}
	clearSealed(run)
	return nil
}

func (s *Service) populateRoutes(ctx context.Context, run *workflow.Run) error {
	resources, err := s.connections.ListResources(ctx, run.Get(stateConnectionID))
	if err != nil {
		return err
	}
	for _, resource := range resources {
		if err := s.routes.Put(ctx, resource.Route()); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) registerWebhook(ctx context.Context, run *workflow.Run) error {
	_, connector, err := s.connector(run.Get(stateProvider))
	if err != nil {
		return workflow.Permanent(err)
	}
	registrar, ok := connector.(core.WebhookRegistrar)
	if !ok {
		return nil
	}
	conn, err := s.connections.Get(ctx, run.Get(stateConnectionID))
	if err != nil {
		return err
	}
	if conn.WebhookID != "" {
		return nil
	}
	credential, err := s.vault.Load(ctx, conn.ID)
	if err != nil {
		return err
	}
	var webhookID string
	err = core.CallProvider(ctx, s.calls, func(ctx context.Context) error {
		var callErr error
		webhookID, callErr = registrar.RegisterWebhook(ctx, credential, conn)
		return callErr
	})
	if err != nil {
		return err
	}
	if webhookID == "" {
		return nil
	}
	return s.connections.SetWebhookID(ctx, conn.ID, webhookID)
}

func (s *Service) scheduleInitialRefresh(ctx context.Context, run *workflow.Run) error {
	connectionID := run.Get(stateConnectionID)
	credential, err := s.vault.Load(ctx, connectionID)
	if err != nil {
		return err
	}
	if credential.ExpiresAt == nil || !credential.Refreshable() {
		return nil
	}
	return s.scheduleRefresh(ctx, connectionID, *credential.ExpiresAt)
}

func (s *Service) setupFailed(ctx context.Context, run workflow.Run, cause error) error {
	fields := map[string]any{
		"workflow": run.Workflow,
		"run_id":   run.ID,
		"step":     run.StepName,
		"provider": run.Get(stateProvider),
		"error":    cause.Error(),
	}
	// Before persist there is nothing to mark.
	connectionID := run.Get(stateConnectionID)
	if run.Step > 1 && connectionID != "" {
		fields["connection_id"] = connectionID
		if err := s.markError(ctx, connectionID, cause); err != nil {
			s.notifier.Notify(ctx, "connection setup failed", fields)
			return err
		}
	}
	s.notifier.Notify(ctx, "connection setup failed", fields)
	return nil
}

func (s *Service) teardownDefinition() workflow.Definition {
	return workflow.Definition{
		Name: TeardownWorkflow,
		Steps: []workflow.Step{
			{Name: "deregister-provider-webhook", Run: s.deregisterWebhook},
			{Name: "revoke-credential-at-provider", Run: s.revokeAtProvider},
			{Name: "purge-routing-index", Run: s.purgeRoutes},
			{Name: "purge-credential", Run: s.purgeCredential},
			{Name: "mark-connection-revoked", Run: s.markRevoked},
		},
		OnFailure: s.teardownFailed,
	}
}

func (s *Service) deregisterWebhook(ctx context.Context, run *workflow.Run) error {
	conn, err := s.connections.Get(ctx, run.Get(stateConnectionID))
	if err != nil {
		return err
	}
	if conn.WebhookID == "" {
		return nil
	}
	provider, ok := s.providers.Get(conn.Provider)
	if !ok {
		return nil
	}
	registrar, ok := provider.Connector.(core.WebhookRegistrar)
	if !ok {
		return nil
	}
	credential, err := s.vault.Load(ctx, conn.ID)
	if err == nil {
		err = core.CallProvider(ctx, s.calls, func(ctx context.Context) error {
			return registrar.DeregisterWebhook(ctx, credential, conn)
		})
	}
	if err != nil {
		s.observer.Warn(ctx, "webhook deregistration failed", map[string]any{
			"connection_id": conn.ID,
			"provider":      conn.Provider,
			"webhook_id":    conn.WebhookID,
			"error":         err.Error(),
		})
	}
	return nil
}

func (s *Service) revokeAtProvider(ctx context.Context, run *workflow.Run) error {
	connectionID := run.Get(stateConnectionID)
	provider, ok := s.providers.Get(run.Get(stateProvider))
	if !ok || provider.Connector == nil {
		return nil
	}
	credential, err := s.vault.Load(ctx, connectionID)
	if core.HasTextCode(err, core.ErrorNoToken) {
		return nil
	}
	if err == nil {
		err = core.CallProvider(ctx, s.calls, func(ctx context.Context) error {
			return provider.Connector.Revoke(ctx, credential)
		})
	}
	if err != nil {
		s.observer.Warn(ctx, "provider revoke failed", map[string]any{
			"connection_id": connectionID,
			"provider":      provider.Name(),
			"error":         err.Error(),
		})
	}
	return nil
}

func (s *Service) purgeRoutes(ctx context.Context, run *workflow.Run) error {
	connectionID := run.Get(stateConnectionID)
	if err := s.routes.PurgeConnection(ctx, connectionID); err != nil {
		return err
	}
	return s.connections.DeleteResources(ctx, connectionID)
}

func (s *Service) purgeCredential(ctx context.Context, run *workflow.Run) error {
	return s.vault.Delete(ctx, run.Get(stateConnectionID))
}

// markRevoked flips the status and then deletes the credential again, so a
// refresh that saved between purge-credential and the flip leaves nothing
// behind.
func (s *Service) markRevoked(ctx context.Context, run *workflow.Run) error {
	connectionID := run.Get(stateConnectionID)
	if err := s.revoke(ctx, connectionID, run.Get(stateReason)); err != nil {
		return err
	}
	return s.vault.Delete(ctx, connectionID)
}

// teardownFailed converges the connection to revoked with best-effort local
// cleanup once a teardown step gave up.
func (s *Service) teardownFailed(ctx context.Context, run workflow.Run, cause error) error {
	connectionID := run.Get(stateConnectionID)
	fields := map[string]any{
		"workflow":      run.Workflow,
		"run_id":        run.ID,
		"step":          run.StepName,
		"connection_id": connectionID,
		"error":         cause.Error(),
	}
	s.notifier.Notify(ctx, "connection teardown failed", fields)
	err := errors.Join(
		s.routes.PurgeConnection(ctx, connectionID),
		s.vault.Delete(ctx, connectionID),
	)
	return errors.Join(err, s.revoke(ctx, connectionID, run.Get(stateReason)))
}

func (s *Service) revoke(ctx context.Context, connectionID string, reason string) error {
	err := s.connections.UpdateStatus(ctx, connectionID, core.ConnectionStatusRevoked, reason)
	if err == nil || !errors.Is(err, core.ErrInvalidConnectionStatusTransition) {
		return err
	}
	conn, getErr := s.connections.Get(ctx, connectionID)
	if getErr == nil && conn.Status == core.ConnectionStatusRevoked {
		return nil
	}
	return err
}

func (s *Service) refreshDefinition() workflow.Definition {
	return workflow.Definition{
		Name: RefreshWorkflow,
		Steps: []workflow.Step{
			{Name: "load-connection", Run: s.loadForRefresh},
			{Name: "call-provider-refresh", MaxAttempts: s.refreshMaxAttempts, Run: s.callRefresh},
			{Name: "store-new-credential", Run: s.storeRefreshed},
			{Name: "schedule-next-refresh", Run: s.scheduleNextRefresh},
		},
		OnFailure: s.refreshFailed,
	}
}

func (s *Service) loadForRefresh(ctx context.Context, run *workflow.Run) error {
	conn, err := s.connections.Get(ctx, run.Get(stateConnectionID))
	if errors.Is(err, core.ErrNotFound) {
		return workflow.ErrStop
	}
	if err != nil {
		return err
	}
	if conn.Status != core.ConnectionStatusActive {
		return workflow.ErrStop
	}
	run.Set(stateProvider, conn.Provider)
	return nil
}

func (s *Service) callRefresh(ctx context.Context, run *workflow.Run) error {
	if run.Get(stateSealed) != "" {
		return nil
	}
	connectionID := run.Get(stateConnectionID)
	_, connector, err := s.connector(run.Get(stateProvider))
	if err != nil {
		return workflow.Permanent(err)
	}
	current, err := s.vault.Load(ctx, connectionID)
	if err != nil {
		return err
	}
	if !current.Refreshable() {
		return workflow.Permanent(core.NewError(core.ErrorNoToken, "credential has no refresh token"))
	}
	var refreshed core.Credential
	err = core.CallProvider(ctx, s.calls, func(ctx context.Context) error {
		var callErr error
		refreshed, callErr = connector.Refresh(ctx, current)
		return callErr
	})
	if err != nil {
		return err
	}
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = current.RefreshToken
	}
	sealed, err := s.vault.Seal(ctx, connectionID, refreshed)
	if err != nil {
		return err
	}
	putSealed(run, sealed)
	return nil
}

func (s *Service) storeRefreshed(ctx context.Context, run *workflow.Run) error {
	connectionID := run.Get(stateConnectionID)
	sealed, ok, err := takeSealed(run, connectionID)
	if err != nil || !ok {
		return err
	}
	// A teardown may have run while the provider call was in flight.
	conn, err := s.connections.Get(ctx, connectionID)
	if errors.Is(err, core.ErrNotFound) {
		clearSealed(run)
		return workflow.ErrStop
	}
	if err != nil {
		return err
	}
	if conn.Status != core.ConnectionStatusActive {
		clearSealed(run)
		return workflow.ErrStop
	}
	sealed.UpdatedAt = s.now()
	if err := s.vault.Store.Save(ctx, sealed); err != nil {
		return err
	}
	// The status check above and the save are not atomic. If a teardown
	// revoked the connection in between, take the saved credential back out.
	conn, err = s.connections.Get(ctx, connectionID)
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		return err
	}
	if err != nil || conn.Status == core.ConnectionStatusRevoked {
		if err := s.vault.Delete(ctx, connectionID); err != nil {
			return err
		}
		clearSealed(run)
		return workflow.ErrStop
	}
	if err := s.connections.TouchRefreshed(ctx, connectionID, s.now()); err != nil {
		return err
	}
	clearSealed(run)
	return nil
}

func (s *Service) scheduleNextRefresh(ctx context.Context, run *workflow.Run) error {
	expiresAt, err := expiryFrom(*run)
	if err != nil || expiresAt == nil {
		return err
	}
	return s.scheduleRefresh(ctx, run.Get(stateConnectionID), *expiresAt)
}

// refreshFailed ends the refresh chain. The connection needs a new Setup.
func (s *Service) refreshFailed(ctx context.Context, run workflow.Run, cause error) error {
	connectionID := run.Get(stateConnectionID)
	fields := map[string]any{
		"workflow":      run.Workflow,
		"run_id":        run.ID,
		"step":          run.StepName,
		"connection_id": connectionID,
		"error":         cause.Error(),
	}
	err := s.markError(ctx, connectionID, cause)
	s.notifier.Notify(ctx, "token refresh failed", fields)
	return err
}

func (s *Service) scheduleRefresh(ctx context.Context, connectionID string, expiresAt time.Time) error {
	at := expiresAt.Add(-s.margin())
	if now := s.now(); at.Before(now) {
		at = now
	}
	key := "refresh:" + connectionID + ":" + strconv.FormatInt(expiresAt.UTC().Unix(), 10)
	_, err := s.engine.Schedule(ctx, RefreshWorkflow, key, map[string]string{stateConnectionID: connectionID}, at)
	return err
}

func (s *Service) markError(ctx context.Context, connectionID string, cause error) error {
	conn, err := s.connections.Get(ctx, connectionID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil
		}
		return err
	}
	if conn.Status != core.ConnectionStatusActive {
		return nil
	}
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	return s.connections.UpdateStatus(ctx, connectionID, core.ConnectionStatusError, reason)
}

func (s *Service) margin() time.Duration {
	if s.refreshMargin > 0 {
		return s.refreshMargin
	}
	return 5 * time.Minute
}
