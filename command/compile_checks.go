package command

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-integration-gateway/admin"
	"github.com/goliatone/go-integration-gateway/lifecycle"
	"github.com/goliatone/go-integration-gateway/webhooks"
)

var (
	_ gocmd.Commander[ReceiveWebhookMessage]      = (*ReceiveWebhookCommand)(nil)
	_ gocmd.Commander[AuthorizeMessage]           = (*AuthorizeCommand)(nil)
	_ gocmd.Commander[CompleteCallbackMessage]    = (*CompleteCallbackCommand)(nil)
	_ gocmd.Commander[SetupMessage]               = (*SetupCommand)(nil)
	_ gocmd.Commander[TeardownMessage]            = (*TeardownCommand)(nil)
	_ gocmd.Commander[RefreshMessage]             = (*RefreshCommand)(nil)
	_ gocmd.Commander[VendTokenMessage]           = (*VendTokenCommand)(nil)
	_ gocmd.Commander[LinkResourceMessage]        = (*LinkResourceCommand)(nil)
	_ gocmd.Commander[UnlinkResourceMessage]      = (*UnlinkResourceCommand)(nil)
	_ gocmd.Commander[RebuildRoutingIndexMessage] = (*RebuildRoutingIndexCommand)(nil)
	_ gocmd.Commander[ReplayDeadLettersMessage]   = (*ReplayDeadLettersCommand)(nil)

	_ WebhookReceiver  = (*webhooks.Receiver)(nil)
	_ LifecycleService = (*lifecycle.Service)(nil)
	_ AdminService     = (*admin.Service)(nil)
)
