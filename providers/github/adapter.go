package github

import (
	"strings"
	"time"

	"github.com/goliatone/go-integration-gateway/core"
	"github.com/goliatone/go-integration-gateway/providers"
)

const ProviderName = "github"

var signature = providers.SHA256Hex("X-Hub-Signature-256", "sha256=")

const payloadSchema = `{
	"type": "object",
	"properties": {
		"action": {"type": "string"},
		"repository": {
			"type": "object",
			"required": ["id"],
			"properties": {"id": {"type": "integer"}}
		},
		"sender": {
			"type": "object",
			"properties": {
				"id": {"type": "integer"},
				"login": {"type": "string"}
			}
		}
	}
}`

// Adapter handles GitHub App and repository webhooks.
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
	if id := strings.TrimSpace(providers.HeaderValue(headers, "X-GitHub-Delivery")); id != "" {
		return id
	}
	return providers.DeriveDeliveryID(ProviderName, payload, receivedAt, a.DeliveryIDBucket)
}

// ExtractEventType joins the event header with the payload action, for
// example "pull_request.opened".
func (Adapter) ExtractEventType(headers map[string]string, payload core.Payload) string {
	event := strings.TrimSpace(providers.HeaderValue(headers, "X-GitHub-Event"))
	if event == "" {
		event = "unknown"
	}
	if action := providers.LookupString(payload, "action"); action != "" {
		return event + "." + action
	}
	return event
}

func (Adapter) ExtractResourceID(payload core.Payload) string {
	return providers.LookupString(payload, "repository.id")
}

// ExtractActor correlates on the commit sha. The sender carries a numeric id,
// so GitHub observations are strong.
func (Adapter) ExtractActor(_ map[string]string, payload core.Payload) (string, core.ObservedIdentity, bool) {
	sha := providers.LookupString(payload, "head_commit.id", "after", "pull_request.head.sha", "check_suite.head_sha", "workflow_run.head_sha")
	if sha == "" || strings.Trim(sha, "0") == "" {
		return "", core.ObservedIdentity{}, false
	}
	actor := core.ObservedIdentity{
		Provider: ProviderName,
		ID:       providers.LookupString(payload, "sender.id"),
		Name:     providers.LookupString(payload, "sender.login", "head_commit.author.username"),
	}
	if actor.Empty() {
		return "", core.ObservedIdentity{}, false
	}
	return sha, actor, true
}

func (Adapter) PayloadSchema() string { return payloadSchema }

// Sign produces an X-Hub-Signature-256 value for body.
func Sign(body []byte, secret string) string {
	return signature.Sign(body, secret)
}

var (
	_ core.ProviderAdapter       = Adapter{}
	_ core.ActorExtractor        = Adapter{}
	_ core.PayloadSchemaProvider = Adapter{}
)
