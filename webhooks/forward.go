package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-integration-gateway/core"
)

type Status string

const (
	StatusAccepted     Status = "accepted"
	StatusDuplicate    Status = "duplicate"
	StatusUnresolvable Status = "unresolvable"
)

// ActorReconciler resolves and records the canonical actor for a delivery.
type ActorReconciler interface {
	Attribute(
		ctx context.Context,
		tenantID string,
		correlationKey string,
		deliveryID string,
		observed core.ObservedIdentity,
	) (core.ActorIdentity, error)
}

// ForwardInput is everything the forward step needs. It is rebuilt from a
// dead letter on replay, so it holds only already verified data.
type ForwardInput struct {
	Provider       string
	DeliveryID     string
	EventType      string
	ResourceID     string
	Payload        json.RawMessage
	ReceivedAt     time.Time
	CorrelationKey string
	Actor          core.ObservedIdentity
	// DeadLetterID is set on replay. An unresolved replay keeps that letter
	// instead of parking a new one.
	DeadLetterID string
	// ReplayKey publishes under a dedup id of its own, so a replay is not
	// swallowed by an earlier message for the same delivery. The envelope's
	// delivery id is unchanged.
	ReplayKey string
}

func (in ForwardInput) dedupID(envelope core.DeliveryEnvelope) string {
	key := strings.TrimSpace(in.ReplayKey)
	if key == "" {
		return envelope.DedupID()
	}
	return envelope.DedupID() + "#replay:" + key
}

func (in ForwardInput) hasActor() bool {
	return strings.TrimSpace(in.CorrelationKey) != "" && !in.Actor.Empty()
}

// ForwardInputFromDeadLetter rebuilds the forward input of a dead letter.
func ForwardInputFromDeadLetter(letter core.DeadLetter) ForwardInput {
	return ForwardInput{
		Provider:       letter.Provider,
		DeliveryID:     letter.DeliveryID,
		EventType:      letter.EventType,
		ResourceID:     letter.ResourceID,
		Payload:        append(json.RawMessage(nil), letter.Payload...),
		ReceivedAt:     letter.ReceivedAt,
		CorrelationKey: letter.CorrelationKey,
		Actor:          letter.Actor,
		DeadLetterID:   letter.ID,
	}
}

type ForwardResult struct {
	Status       Status
	ConnectionID string
	TenantID     string
	DeadLetterID string
}

// Forwarder resolves a verified delivery against the routing index and
// publishes it, or parks it in the dead-letter store when no route exists.
type Forwarder struct {
	Routes      core.RoutingIndex
	Queue       core.DeliveryQueue
	DeadLetters core.DeadLetterStore
	Actors      ActorReconciler
	MaxAttempts int
	Observer    core.Observer
	Now         func() time.Time
}

func NewForwarder(
	routes core.RoutingIndex,
	queue core.DeliveryQueue,
	deadLetters core.DeadLetterStore,
	actors ActorReconciler,
	cfg core.QueueConfig,
	observer core.Observer,
) *Forwarder {
	return &Forwarder{
		Routes:      routes,
		Queue:       queue,
		DeadLetters: deadLetters,
		Actors:      actors,
		MaxAttempts: cfg.MaxAttempts,
		Observer:    observer,
	}
}

func (f *Forwarder) Forward(ctx context.Context, in ForwardInput) (ForwardResult, error) {
	if f == nil || f.Routes == nil || f.Queue == nil || f.DeadLetters == nil {
		return ForwardResult{}, fmt.Errorf("webhooks: forwarder requires routes, queue and dead letters")
	}
	in.Provider = core.NormalizeProvider(in.Provider)
	in.DeliveryID = strings.TrimSpace(in.DeliveryID)
	in.ResourceID = strings.TrimSpace(in.ResourceID)
	if in.Provider == "" || in.DeliveryID == "" {
		return ForwardResult{}, fmt.Errorf("webhooks: provider and delivery id are required")
	}

	route, found, lookupErr := f.resolve(ctx, in)
	if !found {
		if in.DeadLetterID != "" {
			return ForwardResult{Status: StatusUnresolvable, DeadLetterID: in.DeadLetterID}, nil
		}
		return f.park(ctx, in, lookupErr)
	}

	envelope := core.DeliveryEnvelope{
		DeliveryID:   in.DeliveryID,
		ConnectionID: route.ConnectionID,
		TenantID:     route.TenantID,
		Provider:     in.Provider,
		EventType:    in.EventType,
		ResourceID:   core.StringRef(in.ResourceID),
		Payload:      append(json.RawMessage(nil), in.Payload...),
		ReceivedAt:   in.ReceivedAt.UTC(),
	}
	if in.hasActor() && f.Actors != nil {
		identity, err := f.Actors.Attribute(ctx, route.TenantID, in.CorrelationKey, in.DeliveryID, in.Actor)
		if err != nil {
			// Attribution enriches the envelope; the delivery still goes out.
			f.Observer.Warn(ctx, "actor reconciliation failed", map[string]any{
				"provider":    in.Provider,
				"delivery_id": in.DeliveryID,
				"error":       err.Error(),
			})
		} else {
			canonical := identity.Canonical()
			envelope.Actor = &canonical
		}
	}

	result := ForwardResult{
		Status:       StatusAccepted,
		ConnectionID: route.ConnectionID,
		TenantID:     route.TenantID,
	}
	dedupID := in.dedupID(envelope)
	err := f.Queue.Publish(ctx, core.QueueMessage{
		DedupID:     dedupID,
		Envelope:    envelope,
		MaxAttempts: f.MaxAttempts,
	})
	if errors.Is(err, core.ErrDuplicateMessage) {
		result.Status = StatusDuplicate
		return result, nil
	}
	if err != nil {
		return ForwardResult{}, fmt.Errorf("webhooks: publish %s: %w", dedupID, err)
	}
	return result, nil
}

// resolve treats lookup failures as unresolved. The routing index is a
// derived cache and the dead-letter path is always safe.
func (f *Forwarder) resolve(ctx context.Context, in ForwardInput) (core.Route, bool, error) {
	if in.ResourceID == "" {
		return core.Route{}, false, nil
	}
	route, found, err := f.Routes.Resolve(ctx, in.Provider, in.ResourceID)
	if err != nil {
		f.Observer.Warn(ctx, "routing index lookup failed", map[string]any{
			"provider":    in.Provider,
			"delivery_id": in.DeliveryID,
			"error":       err.Error(),
		})
		return core.Route{}, false, err
	}
	return route, found, nil
}

func (f *Forwarder) park(ctx context.Context, in ForwardInput, cause error) (ForwardResult, error) {
	letter := core.DeadLetter{
		Provider:       in.Provider,
		DeliveryID:     in.DeliveryID,
		EventType:      in.EventType,
		ResourceID:     in.ResourceID,
		CorrelationKey: in.CorrelationKey,
		Actor:          in.Actor,
		Reason:         core.DeadLetterUnresolvable,
		Payload:        append(json.RawMessage(nil), in.Payload...),
		ReceivedAt:     in.ReceivedAt.UTC(),
		CreatedAt:      f.now(),
	}
	if cause != nil {
		letter.LastError = cause.Error()
	} else if in.ResourceID == "" {
		letter.LastError = "resource id missing"
	} else {
		letter.LastError = "no route for " + core.RouteKey(in.Provider, in.ResourceID)
	}
	stored, err := f.DeadLetters.Put(ctx, letter)
	if err != nil {
		return ForwardResult{}, fmt.Errorf("webhooks: dead letter %s: %w", core.DedupKey(in.Provider, in.DeliveryID), err)
	}
	return ForwardResult{Status: StatusUnresolvable, DeadLetterID: stored.ID}, nil
}

func (f *Forwarder) now() time.Time {
	if f != nil && f.Now != nil {
		return f.Now().UTC()
	}
	return time.Now().UTC()
}
