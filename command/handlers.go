package command

import (
	"context"
	"time"

	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-integration-gateway/admin"
	"github.com/goliatone/go-integration-gateway/core"
	"github.com/goliatone/go-integration-gateway/lifecycle"
	"github.com/goliatone/go-integration-gateway/webhooks"
)

type WebhookReceiver interface {
	Receive(ctx context.Context, req webhooks.Request) (webhooks.Result, error)
}

type LifecycleService interface {
	Authorize(ctx context.Context, req lifecycle.AuthorizeRequest) (lifecycle.AuthorizeResponse, error)
	Callback(ctx context.Context, req lifecycle.CallbackRequest) (core.Connection, error)
	Setup(ctx context.Context, req lifecycle.SetupRequest) (core.Connection, error)
	Teardown(ctx context.Context, req lifecycle.TeardownRequest) (core.Connection, error)
	Refresh(ctx context.Context, connectionID string) (core.Connection, error)
	VendToken(ctx context.Context, connectionID string) (core.VendedToken, error)
	LinkResource(ctx context.Context, req lifecycle.LinkResourceRequest) (core.Resource, error)
	UnlinkResource(ctx context.Context, connectionID string, resourceID string) error
}

type AdminService interface {
	RebuildRoutingIndex(ctx context.Context) (admin.RebuildResult, error)
	ReplayDeadLetters(ctx context.Context, filter core.DeadLetterFilter) (admin.ReplayResult, error)
}

type ReceiveWebhookCommand struct {
	receiver WebhookReceiver
	now      func() time.Time
}

func NewReceiveWebhookCommand(receiver WebhookReceiver) *ReceiveWebhookCommand {
	return &ReceiveWebhookCommand{receiver: receiver}
}

func (c *ReceiveWebhookCommand) Execute(ctx context.Context, msg ReceiveWebhookMessage) error {
	if c == nil || c.receiver == nil {
		return commandDependencyError("command: webhook receiver is required")
	}
	receivedAt := time.Now().UTC()
	if c.now != nil {
		receivedAt = c.now().UTC()
	}
	out, err := c.receiver.Receive(ctx, webhooks.Request{
		Provider:   msg.Provider,
		Body:       msg.Body,
		Headers:    msg.Headers,
		ReceivedAt: receivedAt,
	})
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type AuthorizeCommand struct {
	service LifecycleService
}

func NewAuthorizeCommand(service LifecycleService) *AuthorizeCommand {
	return &AuthorizeCommand{service: service}
}

func (c *AuthorizeCommand) Execute(ctx context.Context, msg AuthorizeMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: lifecycle service is required")
	}
	out, err := c.service.Authorize(ctx, lifecycle.AuthorizeRequest{
		Provider:    msg.Provider,
		TenantID:    msg.TenantID,
		RedirectURI: msg.RedirectURI,
	})
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type CompleteCallbackCommand struct {
	service LifecycleService
}

func NewCompleteCallbackCommand(service LifecycleService) *CompleteCallbackCommand {
	return &CompleteCallbackCommand{service: service}
}

func (c *CompleteCallbackCommand) Execute(ctx context.Context, msg CompleteCallbackMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: callback service is required")
	}
	out, err := c.service.Callback(ctx, lifecycle.CallbackRequest{
		Provider: msg.Provider,
		Code:     msg.Code,
		State:    msg.State,
	})
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type SetupCommand struct {
	service LifecycleService
}

func NewSetupCommand(service LifecycleService) *SetupCommand {
	return &SetupCommand{service: service}
}

func (c *SetupCommand) Execute(ctx context.Context, msg SetupMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: setup service is required")
	}
	out, err := c.service.Setup(ctx, lifecycle.SetupRequest{
		Provider:    msg.Provider,
		TenantID:    msg.TenantID,
		Code:        msg.Code,
		RedirectURI: msg.RedirectURI,
		Key:         msg.Key,
	})
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type TeardownCommand struct {
	service LifecycleService
}

func NewTeardownCommand(service LifecycleService) *TeardownCommand {
	return &TeardownCommand{service: service}
}

func (c *TeardownCommand) Execute(ctx context.Context, msg TeardownMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: teardown service is required")
	}
	out, err := c.service.Teardown(ctx, lifecycle.TeardownRequest{
		Provider:     msg.Provider,
		ConnectionID: msg.ConnectionID,
		Reason:       msg.Reason,
	})
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type RefreshCommand struct {
	service LifecycleService
}

func NewRefreshCommand(service LifecycleService) *RefreshCommand {
	return &RefreshCommand{service: service}
}

func (c *RefreshCommand) Execute(ctx context.Context, msg RefreshMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: refresh service is required")
	}
	out, err := c.service.Refresh(ctx, msg.ConnectionID)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type VendTokenCommand struct {
	service LifecycleService
}

func NewVendTokenCommand(service LifecycleService) *VendTokenCommand {
	return &VendTokenCommand{service: service}
}

func (c *VendTokenCommand) Execute(ctx context.Context, msg VendTokenMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: token vending service is required")
	}
	out, err := c.service.VendToken(ctx, msg.ConnectionID)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type LinkResourceCommand struct {
	service LifecycleService
}

func NewLinkResourceCommand(service LifecycleService) *LinkResourceCommand {
	return &LinkResourceCommand{service: service}
}

func (c *LinkResourceCommand) Execute(ctx context.Context, msg LinkResourceMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: resource service is required")
	}
	out, err := c.service.LinkResource(ctx, lifecycle.LinkResourceRequest{
		ConnectionID: msg.ConnectionID,
		ResourceID:   msg.ResourceID,
		DisplayName:  msg.DisplayName,
	})
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type UnlinkResourceCommand struct {
	service LifecycleService
}

func NewUnlinkResourceCommand(service LifecycleService) *UnlinkResourceCommand {
	return &UnlinkResourceCommand{service: service}
}

func (c *UnlinkResourceCommand) Execute(ctx context.Context, msg UnlinkResourceMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: resource service is required")
	}
	return c.service.UnlinkResource(ctx, msg.ConnectionID, msg.ResourceID)
}

type RebuildRoutingIndexCommand struct {
	service AdminService
}

func NewRebuildRoutingIndexCommand(service AdminService) *RebuildRoutingIndexCommand {
	return &RebuildRoutingIndexCommand{service: service}
}

func (c *RebuildRoutingIndexCommand) Execute(ctx context.Context, _ RebuildRoutingIndexMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: admin service is required")
	}
	out, err := c.service.RebuildRoutingIndex(ctx)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type ReplayDeadLettersCommand struct {
	service AdminService
}

func NewReplayDeadLettersCommand(service AdminService) *ReplayDeadLettersCommand {
	return &ReplayDeadLettersCommand{service: service}
}

func (c *ReplayDeadLettersCommand) Execute(ctx context.Context, msg ReplayDeadLettersMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: admin service is required")
	}
	out, err := c.service.ReplayDeadLetters(ctx, msg.Filter)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
