package vercel

import (
	"context"
	"strings"
	"time"

	"github.com/goliatone/go-integration-gateway/core"
	"github.com/goliatone/go-integration-gateway/providers"
)

const (
	ProviderName = "vercel"
	TokenURL     = "https://api.vercel.com/v2/oauth/access_token"
)

var signature = providers.SHA1Hex("x-vercel-signature", "")

const payloadSchema = `{
	"type": "object",
	"required": ["type"],
	"properties": {
		"id": {"type": "string"},
		"type": {"type": "string"},
		"payload": {"type": "object"}
	}
}`

// Adapter handles Vercel integration webhooks. Vercel signs bodies with
// HMAC-SHA1 keyed by the integration client secret.
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

func (a Adapter) ExtractDeliveryID(_ map[string]string, payload core.Payload, receivedAt time.Time) string {
	if id := providers.LookupString(payload, "id"); id != "" {
		return id
	}
	return providers.DeriveDeliveryID(ProviderName, payload, receivedAt, a.DeliveryIDBucket)
}

func (Adapter) ExtractEventType(_ map[string]string, payload core.Payload) string {
	if eventType := providers.LookupString(payload, "type"); eventType != "" {
		return eventType
	}
	return "unknown"
}

func (Adapter) ExtractResourceID(payload core.Payload) string {
	return providers.LookupString(payload, "payload.project.id", "payload.projectId", "payload.deployment.projectId")
}

// ExtractActor reads the git metadata Vercel attaches to deployments. Only a
// username is available, so observations are weak.
func (Adapter) ExtractActor(_ map[string]string, payload core.Payload) (string, core.ObservedIdentity, bool) {
	sha := providers.LookupString(payload, "payload.deployment.meta.githubCommitSha", "payload.deployment.meta.gitlabCommitSha")
	if sha == "" {
		return "", core.ObservedIdentity{}, false
	}
	actor := core.ObservedIdentity{
		Provider: ProviderName,
		Name:     providers.LookupString(payload, "payload.deployment.meta.githubCommitAuthorLogin", "payload.deployment.meta.githubCommitAuthorName"),
	}
	if actor.Empty() {
		return "", core.ObservedIdentity{}, false
	}
	return sha, actor, true
}

func (Adapter) PayloadSchema() string { return payloadSchema }

func Sign(body []byte, secret string) string {
	return signature.Sign(body, secret)
}

// NewConnector builds the integration connector. Vercel reports the team or
// user that installed the integration in the token response.
func NewConnector(cfg core.ProviderConfig, client providers.HTTPDoer) (*providers.OAuth2Connector, error) {
	if strings.TrimSpace(cfg.TokenURL) == "" {
		cfg.TokenURL = TokenURL
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
		ResolveAccount: func(_ context.Context, _ providers.HTTPDoer, token providers.TokenResponse) (providers.Account, error) {
			if teamID := providers.LookupString(token.Raw, "team_id"); teamID != "" {
				return providers.Account{ExternalAccountID: teamID, ExternalAccountType: "team"}, nil
			}
			return providers.Account{ExternalAccountID: providers.LookupString(token.Raw, "user_id"), ExternalAccountType: "user"}, nil
		},
	})
}

var (
	_ core.ProviderAdapter       = Adapter{}
	_ core.ActorExtractor        = Adapter{}
	_ core.PayloadSchemaProvider = Adapter{}
)
