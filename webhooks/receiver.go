package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goliatone/go-integration-gateway/core"
	"github.com/goliatone/go-integration-gateway/providers"
)

type Request struct {
	Provider   string
	Body       []byte
	Headers    map[string]string
	ReceivedAt time.Time
}

type Result struct {
	Status       Status `json:"status"`
	DeliveryID   string `json:"deliveryId"`
	StatusCode   int    `json:"-"`
	ConnectionID string `json:"-"`
	DeadLetterID string `json:"-"`
}

// Receiver implements webhook ingress. Rejections are returned as errors
// carrying the gateway text code and a 4xx status.
type Receiver struct {
	Providers   *core.ProviderRegistry
	Idempotency core.IdempotencyStore
	Schemas     *providers.SchemaSet
	Forwarder   *Forwarder
	DedupTTL    time.Duration
	Observer    core.Observer
	Now         func() time.Time
}

func NewReceiver(
	registry *core.ProviderRegistry,
	idempotency core.IdempotencyStore,
	forwarder *Forwarder,
	cfg core.WebhookConfig,
	observer core.Observer,
) *Receiver {
	return &Receiver{
		Providers:   registry,
		Idempotency: idempotency,
		Schemas:     providers.NewSchemaSet(),
		Forwarder:   forwarder,
		DedupTTL:    cfg.DedupTTL,
		Observer:    observer,
	}
}

func (r *Receiver) Receive(ctx context.Context, req Request) (result Result, err error) {
	if r == nil || r.Providers == nil || r.Idempotency == nil || r.Forwarder == nil {
		return Result{StatusCode: http.StatusInternalServerError}, core.NewError(core.ErrorInternal, "webhook receiver is not configured")
	}
	startedAt := time.Now()
	fields := map[string]any{"provider": core.NormalizeProvider(req.Provider)}
	defer func() {
		if result.DeliveryID != "" {
			fields["delivery_id"] = result.DeliveryID
		}
		if result.Status != "" {
			fields["outcome"] = string(result.Status)
		}
		if result.ConnectionID != "" {
			fields["connection_id"] = result.ConnectionID
		}
		r.Observer.Observe(ctx, startedAt, "webhook.receive", err, fields)
	}()

	provider, ok := r.Providers.Get(req.Provider)
	if !ok {
		return Result{StatusCode: http.StatusBadRequest},
			core.NewError(core.ErrorUnknownProvider, "unknown provider").WithMetadata(map[string]any{"provider": req.Provider})
	}
	adapter := provider.Adapter
	name := provider.Name()

	if !adapter.Verify(req.Body, req.Headers, provider.WebhookSecret) {
		return Result{StatusCode: http.StatusUnauthorized}, core.NewError(core.ErrorInvalidSignature, "invalid signature")
	}

	payload, err := providers.ParsePayload(req.Body)
	if err != nil {
		return Result{StatusCode: http.StatusBadRequest}, core.WrapError(err, core.ErrorInvalidPayload, "invalid payload")
	}
	if schemaProvider, ok := adapter.(core.PayloadSchemaProvider); ok && r.Schemas != nil {
		if err := r.Schemas.Validate(name, schemaProvider.PayloadSchema(), payload); err != nil {
			return Result{StatusCode: http.StatusBadRequest}, core.WrapError(err, core.ErrorInvalidPayload, "invalid payload")
		}
	}

	receivedAt := req.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = r.now()
	}
	receivedAt = receivedAt.UTC()

	deliveryID := strings.TrimSpace(adapter.ExtractDeliveryID(req.Headers, payload, receivedAt))
	if deliveryID == "" {
		return Result{StatusCode: http.StatusBadRequest}, core.NewError(core.ErrorInvalidPayload, "delivery id could not be determined")
	}
	key := core.DedupKey(name, deliveryID)
	created, err := r.Idempotency.SetIfAbsent(ctx, key, receivedAt.Format(time.RFC3339Nano), r.dedupTTL())
	if err != nil {
		return Result{StatusCode: http.StatusInternalServerError, DeliveryID: deliveryID}, core.WrapError(err, core.ErrorInternal, "dedupe failed")
	}
	if !created {
		return Result{Status: StatusDuplicate, DeliveryID: deliveryID, StatusCode: http.StatusOK}, nil
	}

	in := ForwardInput{
		Provider:   name,
		DeliveryID: deliveryID,
		EventType:  strings.TrimSpace(adapter.ExtractEventType(req.Headers, payload)),
		ResourceID: strings.TrimSpace(adapter.ExtractResourceID(payload)),
		Payload:    append(json.RawMessage(nil), req.Body...),
		ReceivedAt: receivedAt,
	}
	if extractor, ok := adapter.(core.ActorExtractor); ok {
		if correlationKey, actor, ok := extractor.ExtractActor(req.Headers, payload); ok {
			in.CorrelationKey = correlationKey
			actor.Provider = name
			in.Actor = actor
		}
	}

	forwarded, err := r.Forwarder.Forward(ctx, in)
	if err != nil {
		// Release the key so the provider's retry is not treated as a duplicate.
		if _, _, releaseErr := r.Idempotency.Take(ctx, key); releaseErr != nil {
			err = fmt.Errorf("%w (release dedupe key: %v)", err, releaseErr)
		}
		return Result{StatusCode: http.StatusInternalServerError, DeliveryID: deliveryID}, core.WrapError(err, core.ErrorInternal, "delivery could not be queued")
	}
	return Result{
		Status:       forwarded.Status,
		DeliveryID:   deliveryID,
		StatusCode:   http.StatusOK,
		ConnectionID: forwarded.ConnectionID,
		DeadLetterID: forwarded.DeadLetterID,
	}, nil
}

func (r *Receiver) dedupTTL() time.Duration {
	if r.DedupTTL > 0 {
		return r.DedupTTL
	}
	return 24 * time.Hour
}

func (r *Receiver) now() time.Time {
	if r != nil && r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}
