package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

// Payload is a parsed provider webhook body.
type Payload = map[string]any

// ProviderAdapter verifies and inspects inbound webhooks for one provider.
// Implementations are pure and must not panic on malformed input.
type ProviderAdapter interface {
	Name() string
	Verify(rawBody []byte, headers map[string]string, secret string) bool
	ExtractDeliveryID(headers map[string]string, payload Payload, receivedAt time.Time) string
	ExtractEventType(headers map[string]string, payload Payload) string
	ExtractResourceID(payload Payload) string
}

// PayloadSchemaProvider is implemented by adapters that publish a JSON schema
// for their webhook bodies.
type PayloadSchemaProvider interface {
	PayloadSchema() string
}

// ActorExtractor is implemented by adapters whose events identify an actor
// against a cross-provider correlation key.
type ActorExtractor interface {
	ExtractActor(headers map[string]string, payload Payload) (correlationKey string, actor ObservedIdentity, ok bool)
}

// Grant is the result of an authorization code exchange.
type Grant struct {
	Credential          Credential
	ExternalAccountID   string
	ExternalAccountType string
	Resources           []Resource
}

// ProviderConnector performs the network side of the connection lifecycle.
type ProviderConnector interface {
	AuthorizeURL(state string, redirectURI string) (string, error)
	ExchangeCode(ctx context.Context, code string, redirectURI string) (Grant, error)
	Refresh(ctx context.Context, credential Credential) (Credential, error)
	Revoke(ctx context.Context, credential Credential) error
}

// WebhookRegistrar is implemented by connectors whose provider needs an
// explicit webhook subscription per connection.
type WebhookRegistrar interface {
	RegisterWebhook(ctx context.Context, credential Credential, connection Connection) (string, error)
	DeregisterWebhook(ctx context.Context, credential Credential, connection Connection) error
}

type IdempotencyStore interface {
	// SetIfAbsent stores value under key unless a live entry exists. It
	// reports true when this call created the entry.
	SetIfAbsent(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
	// Take atomically removes and returns a live entry.
	Take(ctx context.Context, key string) (string, bool, error)
}

type RoutingIndex interface {
	Resolve(ctx context.Context, provider string, resourceID string) (Route, bool, error)
	Put(ctx context.Context, route Route) error
	Remove(ctx context.Context, provider string, resourceID string) error
	ResourcesFor(ctx context.Context, connectionID string) ([]Route, error)
	PurgeConnection(ctx context.Context, connectionID string) error
	Replace(ctx context.Context, routes []Route) error
	Snapshot(ctx context.Context) ([]Route, error)
}

// ConnectionStore is the source of truth for connections and resources.
type ConnectionStore interface {
	// CreateWithCredential persists a connection, its sealed credential and
	// its initial resources in one all-or-nothing write. Re-running with the
	// same connection id is a no-op.
	CreateWithCredential(ctx context.Context, conn Connection, sealed SealedCredential, resources []Resource) (Connection, error)
	Get(ctx context.Context, id string) (Connection, error)
	UpdateStatus(ctx context.Context, id string, status ConnectionStatus, reason string) error
	SetWebhookID(ctx context.Context, id string, webhookID string) error
	TouchRefreshed(ctx context.Context, id string, at time.Time) error
	LinkResource(ctx context.Context, resource Resource) (Resource, error)
	UnlinkResource(ctx context.Context, connectionID string, provider string, resourceID string) error
	DeleteResources(ctx context.Context, connectionID string) error
	ListResources(ctx context.Context, connectionID string) ([]Resource, error)
	// ListActiveRoutes returns every resource bound to an active connection.
	ListActiveRoutes(ctx context.Context) ([]Route, error)
}

// SealedCredential is a credential envelope encrypted by a SecretProvider.
type SealedCredential struct {
	ConnectionID string
	Ciphertext   []byte
	KeyID        string
	ExpiresAt    *time.Time
	Version      int
	UpdatedAt    time.Time
}

type CredentialStore interface {
	Save(ctx context.Context, sealed SealedCredential) error
	Get(ctx context.Context, connectionID string) (SealedCredential, error)
	Delete(ctx context.Context, connectionID string) error
}

type SecretProvider interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

type CredentialCodec interface {
	Format() string
	Encode(credential Credential) ([]byte, error)
	Decode(raw []byte) (Credential, error)
}

// DeliveryQueue is the publish side of the at-least-once transport.
// Publishing a DedupID that is already queued stores nothing and returns
// ErrDuplicateMessage.
type DeliveryQueue interface {
	Publish(ctx context.Context, msg QueueMessage) error
}

// QueueStore is the claim side used by QueueDispatcher.
type QueueStore interface {
	DeliveryQueue
	ClaimBatch(ctx context.Context, limit int, now time.Time) ([]QueueMessage, error)
	Ack(ctx context.Context, id string) error
	Retry(ctx context.Context, id string, cause error, nextAttemptAt time.Time) error
	// Discard removes a message that moved to the dead-letter path.
	Discard(ctx context.Context, id string) error
}

// Consumer receives envelopes from the delivery transport.
type Consumer interface {
	Deliver(ctx context.Context, envelope DeliveryEnvelope) error
}

type ConsumerFunc func(ctx context.Context, envelope DeliveryEnvelope) error

func (f ConsumerFunc) Deliver(ctx context.Context, envelope DeliveryEnvelope) error {
	return f(ctx, envelope)
}

// DeliveryTracker is notified about delivery status changes.
type DeliveryTracker interface {
	OnDelivered(ctx context.Context, msg QueueMessage)
	OnRetry(ctx context.Context, msg QueueMessage, cause error, nextAttemptAt time.Time)
	OnDeadLettered(ctx context.Context, letter DeadLetter)
}

type DeadLetterStore interface {
	Put(ctx context.Context, letter DeadLetter) (DeadLetter, error)
	Get(ctx context.Context, id string) (DeadLetter, error)
	List(ctx context.Context, filter DeadLetterFilter) ([]DeadLetter, error)
	MarkReplayed(ctx context.Context, id string, at time.Time) error
}

type ActorIdentityStore interface {
	Get(ctx context.Context, tenantID string, correlationKey string) (ActorIdentity, bool, error)
	// Insert creates the identity unless one already exists for the key.
	Insert(ctx context.Context, identity ActorIdentity) (bool, error)
	// CompareAndSwap replaces the identity when its stored version equals expectedVersion.
	CompareAndSwap(ctx context.Context, identity ActorIdentity, expectedVersion int) (bool, error)
}

type AttributionStore interface {
	Record(ctx context.Context, attribution Attribution) error
	// Rewrite updates at most limit attributions for the key that differ
	// from the canonical identity and returns how many changed.
	Rewrite(ctx context.Context, identity ActorIdentity, limit int) (int, error)
	List(ctx context.Context, tenantID string, correlationKey string) ([]Attribution, error)
}

// OperatorNotifier receives failures that need human attention.
type OperatorNotifier interface {
	Notify(ctx context.Context, subject string, fields map[string]any)
}

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger
