package command

import (
	"strings"

	"github.com/goliatone/go-integration-gateway/core"
)

const (
	TypeReceiveWebhook      = "gateway.command.webhook.receive"
	TypeAuthorize           = "gateway.command.connection.authorize"
	TypeCompleteCallback    = "gateway.command.connection.callback"
	TypeSetup               = "gateway.command.connection.setup"
	TypeTeardown            = "gateway.command.connection.teardown"
	TypeRefresh             = "gateway.command.connection.refresh"
	TypeVendToken           = "gateway.command.connection.vend_token"
	TypeLinkResource        = "gateway.command.resource.link"
	TypeUnlinkResource      = "gateway.command.resource.unlink"
	TypeRebuildRoutingIndex = "gateway.command.admin.rebuild_index"
	TypeReplayDeadLetters   = "gateway.command.admin.replay_dead_letters"
)

type ReceiveWebhookMessage struct {
	Provider string
	Body     []byte
	Headers  map[string]string
}

func (ReceiveWebhookMessage) Type() string { return TypeReceiveWebhook }

func (m ReceiveWebhookMessage) Validate() error {
	return requireField("provider", m.Provider)
}

type AuthorizeMessage struct {
	Provider    string
	TenantID    string
	RedirectURI string
}

func (AuthorizeMessage) Type() string { return TypeAuthorize }

func (m AuthorizeMessage) Validate() error {
	if err := requireField("provider", m.Provider); err != nil {
		return err
	}
	return requireField("tenant_id", m.TenantID)
}

type CompleteCallbackMessage struct {
	Provider string
	Code     string
	State    string
}

func (CompleteCallbackMessage) Type() string { return TypeCompleteCallback }

func (m CompleteCallbackMessage) Validate() error {
	if err := requireField("provider", m.Provider); err != nil {
		return err
	}
	if err := requireField("code", m.Code); err != nil {
		return err
	}
	return requireField("state", m.State)
}

type SetupMessage struct {
	Provider    string
	TenantID    string
	Code        string
	RedirectURI string
	Key         string
}

func (SetupMessage) Type() string { return TypeSetup }

func (m SetupMessage) Validate() error {
	if err := requireField("provider", m.Provider); err != nil {
		return err
	}
	if err := requireField("tenant_id", m.TenantID); err != nil {
		return err
	}
	return requireField("code", m.Code)
}

type TeardownMessage struct {
	Provider     string
	ConnectionID string
	Reason       string
}

func (TeardownMessage) Type() string { return TypeTeardown }

func (m TeardownMessage) Validate() error {
	return requireField("connection_id", m.ConnectionID)
}

type RefreshMessage struct {
	ConnectionID string
}

func (RefreshMessage) Type() string { return TypeRefresh }

func (m RefreshMessage) Validate() error {
	return requireField("connection_id", m.ConnectionID)
}

type VendTokenMessage struct {
	ConnectionID string
}

func (VendTokenMessage) Type() string { return TypeVendToken }

func (m VendTokenMessage) Validate() error {
	return requireField("connection_id", m.ConnectionID)
}

type LinkResourceMessage struct {
	ConnectionID string
	ResourceID   string
	DisplayName  string
}

func (LinkResourceMessage) Type() string { return TypeLinkResource }

func (m LinkResourceMessage) Validate() error {
	if err := requireField("connection_id", m.ConnectionID); err != nil {
		return err
	}
	return requireField("resource_id", m.ResourceID)
}

type UnlinkResourceMessage struct {
	ConnectionID string
	ResourceID   string
}

func (UnlinkResourceMessage) Type() string { return TypeUnlinkResource }

func (m UnlinkResourceMessage) Validate() error {
	if err := requireField("connection_id", m.ConnectionID); err != nil {
		return err
	}
	return requireField("resource_id", m.ResourceID)
}

type RebuildRoutingIndexMessage struct{}

func (RebuildRoutingIndexMessage) Type() string { return TypeRebuildRoutingIndex }

type ReplayDeadLettersMessage struct {
	Filter core.DeadLetterFilter
}

func (ReplayDeadLettersMessage) Type() string { return TypeReplayDeadLetters }

func (m ReplayDeadLettersMessage) Validate() error {
	if m.Filter.Limit < 0 {
		return commandValidationError("limit", "must be >= 0")
	}
	switch m.Filter.Reason {
	case "", core.DeadLetterUnresolvable, core.DeadLetterDeliveryFailed:
	default:
		return commandValidationError("reason", "must be unresolvable or delivery_failed")
	}
	return nil
}

func requireField(field string, value string) error {
	if strings.TrimSpace(value) == "" {
		return commandValidationError(field, "is required")
	}
	return nil
}
