package sentry

import (
	"strings"
	"time"

	"github.com/goliatone/go-integration-gateway/core"
	"github.com/goliatone/go-integration-gateway/providers"
)

const ProviderName = "sentry"

var signature = providers.SHA256Hex("Sentry-Hook-Signature", "")

// Adapter handles Sentry integration platform webhooks.
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
	if id := strings.TrimSpace(providers.HeaderValue(headers, "Request-ID")); id != "" {
		return id
	}
	return providers.DeriveDeliveryID(ProviderName, payload, receivedAt, a.DeliveryIDBucket)
}

func (Adapter) ExtractEventType(headers map[string]string, payload core.Payload) string {
	resource := strings.TrimSpace(providers.HeaderValue(headers, "Sentry-Hook-Resource"))
	if resource == "" {
		resource = "unknown"
	}
	if action := providers.LookupString(payload, "action"); action != "" {
		return resource + "." + action
	}
	return resource
}

func (Adapter) ExtractResourceID(payload core.Payload) string {
	return providers.LookupString(payload, "data.issue.project.id", "data.event.project", "data.error.project", "installation.uuid")
}

func Sign(body []byte, secret string) string {
	return signature.Sign(body, secret)
}

func NewConnector(cfg core.ProviderConfig, client providers.HTTPDoer) (*providers.OAuth2Connector, error) {
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

var _ core.ProviderAdapter = Adapter{}
