package linear

import (
	"strings"
	"time"

	"github.com/goliatone/go-integration-gateway/core"
	"github.com/goliatone/go-integration-gateway/providers"
)

const (
	ProviderName = "linear"
	AuthorizeURL = "https://linear.app/oauth/authorize"
	TokenURL     = "https://api.linear.app/oauth/token"
	RevokeURL    = "https://api.linear.app/oauth/revoke"
)

var signature = providers.SHA256Hex("Linear-Signature", "")

const payloadSchema = `{
	"type": "object",
	"required": ["action", "type"],
	"properties": {
		"action": {"type": "string"},
		"type": {"type": "string"},
		"organizationId": {"type": "string"},
		"data": {"type": "object"}
	}
}`

// Adapter handles Linear workspace webhooks. Resources are teams, falling
// back to the organization for workspace level events.
type Adapter struct {
	DeliveryIDBucket time.Duration
}

func NewAdapter() Adapter {
	return Adapter{DeliveryIDBucket: providers.DefaultDeliveryIDBucket}
}

func (Adapter) Name() string { return ProviderName }

func (Adapter) Verify(rawBody []byte, headers map[string]string, secret string) bool {
	return signature.Verify(rawBody, headers, secret)
}

func (a Adapter) ExtractDeliveryID(headers map[string]string, payload core.Payload, receivedAt time.Time) string {
	if id := strings.TrimSpace(providers.HeaderValue(headers, "Linear-Delivery")); id != "" {
		return id
	}
	return providers.DeriveDeliveryID(ProviderName, payload, receivedAt, a.DeliveryIDBucket)
}

func (Adapter) ExtractEventType(headers map[string]string, payload core.Payload) string {
	event := strings.TrimSpace(providers.HeaderValue(headers, "Linear-Event"))
	if event == "" {
		event = providers.LookupString(payload, "type")
	}
	if event == "" {
		event = "unknown"
	}
	if action := providers.LookupString(payload, "action"); action != "" {
		return event + "." + action
	}
	return event
}

func (Adapter) ExtractResourceID(payload core.Payload) string {
	return providers.LookupString(payload, "data.teamId", "data.team.id", "organizationId")
}

func (Adapter) PayloadSchema() string { return payloadSchema }

func Sign(body []byte, secret string) string {
	return signature.Sign(body, secret)
}

func NewConnector(cfg core.ProviderConfig, client providers.HTTPDoer) (*providers.OAuth2Connector, error) {
	if strings.TrimSpace(cfg.AuthorizeURL) == "" {
		cfg.AuthorizeURL = AuthorizeURL
	}
	if strings.TrimSpace(cfg.TokenURL) == "" {
		cfg.TokenURL = TokenURL
	}
	if strings.TrimSpace(cfg.RevokeURL) == "" {
		cfg.RevokeURL = RevokeURL
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{"read"}
	}
	return providers.NewOAuth2Connector(providers.OAuth2Config{
		Provider:           ProviderName,
		AuthorizeURL:       cfg.AuthorizeURL,
		TokenURL:           cfg.TokenURL,
		RevokeURL:          cfg.RevokeURL,
		ClientID:           cfg.ClientID,
		ClientSecret:       cfg.ClientSecret,
		ClientSecretInBody: true,
		Scopes:             cfg.Scopes,
		HTTPClient:         client,
	})
}

var (
	_ core.ProviderAdapter       = Adapter{}
	_ core.PayloadSchemaProvider = Adapter{}
)
