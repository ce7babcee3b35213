package sqlstore

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-integration-gateway/core"
	"github.com/goliatone/go-integration-gateway/workflow"
)

func newConnectionRecord(conn core.Connection) *connectionRecord {
	return &connectionRecord{
		ID:                  conn.ID,
		TenantID:            conn.TenantID,
		Provider:            conn.Provider,
		ExternalAccountID:   conn.ExternalAccountID,
		ExternalAccountType: conn.ExternalAccountType,
		Status:              string(conn.Status),
		CredentialRef:       conn.CredentialRef,
		WebhookID:           conn.WebhookID,
		LastError:           conn.LastError,
		LastRefreshedAt:     cloneTimePointer(conn.LastRefreshedAt),
		LastValidatedAt:     cloneTimePointer(conn.LastValidatedAt),
		CreatedAt:           conn.CreatedAt,
		UpdatedAt:           conn.UpdatedAt,
	}
}

func (r *connectionRecord) toDomain() core.Connection {
	if r == nil {
		return core.Connection{}
	}
	return core.Connection{
		ID:                  r.ID,
		TenantID:            r.TenantID,
		Provider:            r.Provider,
		ExternalAccountID:   r.ExternalAccountID,
		ExternalAccountType: r.ExternalAccountType,
		Status:              core.ConnectionStatus(r.Status),
		CredentialRef:       r.CredentialRef,
		WebhookID:           r.WebhookID,
		LastError:           r.LastError,
		CreatedAt:           r.CreatedAt.UTC(),
		UpdatedAt:           r.UpdatedAt.UTC(),
		LastRefreshedAt:     cloneTimePointer(r.LastRefreshedAt),
		LastValidatedAt:     cloneTimePointer(r.LastValidatedAt),
	}
}

func newResourceRecord(resource core.Resource) *resourceRecord {
	return &resourceRecord{
		Provider:           resource.Provider,
		ExternalResourceID: resource.ExternalResourceID,
		ConnectionID:       resource.ConnectionID,
		TenantID:           resource.TenantID,
		DisplayName:        resource.DisplayName,
		CreatedAt:          resource.CreatedAt,
	}
}

func (r *resourceRecord) toDomain() core.Resource {
	if r == nil {
		return core.Resource{}
	}
	return core.Resource{
		Provider:           r.Provider,
		ExternalResourceID: r.ExternalResourceID,
		ConnectionID:       r.ConnectionID,
		TenantID:           r.TenantID,
		DisplayName:        r.DisplayName,
		CreatedAt:          r.CreatedAt.UTC(),
	}
}

func (r *credentialRecord) toDomain() core.SealedCredential {
	if r == nil {
		return core.SealedCredential{}
	}
	return core.SealedCredential{
		ConnectionID: r.ConnectionID,
		Ciphertext:   append([]byte(nil), r.Ciphertext...),
		KeyID:        r.KeyID,
		ExpiresAt:    cloneTimePointer(r.ExpiresAt),
		Version:      r.Version,
		UpdatedAt:    r.UpdatedAt.UTC(),
	}
}

func newQueueRecord(msg core.QueueMessage) (*queueRecord, error) {
	envelope, err := json.Marshal(msg.Envelope)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: encode envelope: %w", err)
	}
	return &queueRecord{
		ID:            msg.ID,
		DedupID:       msg.DedupID,
		Envelope:      string(envelope),
		Attempts:      msg.Attempts,
		MaxAttempts:   msg.MaxAttempts,
		Status:        string(msg.Status),
		NextAttemptAt: cloneTimePointer(msg.NextAttemptAt),
		LastError:     msg.LastError,
		CreatedAt:     msg.CreatedAt,
		UpdatedAt:     msg.CreatedAt,
	}, nil
}

func (r queueRecord) toDomain() (core.QueueMessage, error) {
	var envelope core.DeliveryEnvelope
	if err := json.Unmarshal([]byte(r.Envelope), &envelope); err != nil {
		return core.QueueMessage{}, fmt.Errorf("sqlstore: decode envelope %s: %w", r.ID, err)
	}
	return core.QueueMessage{
		ID:            r.ID,
		DedupID:       r.DedupID,
		Envelope:      envelope,
		Attempts:      r.Attempts,
		MaxAttempts:   r.MaxAttempts,
		Status:        core.QueueStatus(r.Status),
		NextAttemptAt: cloneTimePointer(r.NextAttemptAt),
		LastError:     r.LastError,
		CreatedAt:     r.CreatedAt.UTC(),
	}, nil
}

func newDeadLetterRecord(letter core.DeadLetter) *deadLetterRecord {
	return &deadLetterRecord{
		ID:             letter.ID,
		Provider:       letter.Provider,
		DeliveryID:     letter.DeliveryID,
		EventType:      letter.EventType,
		ResourceID:     letter.ResourceID,
		ConnectionID:   letter.ConnectionID,
		TenantID:       letter.TenantID,
		CorrelationKey: letter.CorrelationKey,
		Actor:          actorToJSON(letter.Actor),
		Reason:         string(letter.Reason),
		Payload:        string(letter.Payload),
		Attempts:       letter.Attempts,
		LastError:      letter.LastError,
		ReceivedAt:     letter.ReceivedAt,
		CreatedAt:      letter.CreatedAt,
		ReplayedAt:     cloneTimePointer(letter.ReplayedAt),
	}
}

func (r *deadLetterRecord) toDomain() core.DeadLetter {
	if r == nil {
		return core.DeadLetter{}
	}
	return core.DeadLetter{
		ID:             r.ID,
		Provider:       r.Provider,
		DeliveryID:     r.DeliveryID,
		EventType:      r.EventType,
		ResourceID:     r.ResourceID,
		ConnectionID:   r.ConnectionID,
		TenantID:       r.TenantID,
		CorrelationKey: r.CorrelationKey,
		Actor:          r.Actor.toDomain(),
		Reason:         core.DeadLetterReason(r.Reason),
		Payload:        json.RawMessage(r.Payload),
		Attempts:       r.Attempts,
		LastError:      r.LastError,
		ReceivedAt:     r.ReceivedAt.UTC(),
		CreatedAt:      r.CreatedAt.UTC(),
		ReplayedAt:     cloneTimePointer(r.ReplayedAt),
	}
}

func actorToJSON(actor core.ObservedIdentity) actorJSON {
	return actorJSON{Provider: actor.Provider, ID: actor.ID, Name: actor.Name}
}

func (a actorJSON) toDomain() core.ObservedIdentity {
	return core.ObservedIdentity{Provider: a.Provider, ID: a.ID, Name: a.Name}
}

func newActorIdentityRecord(identity core.ActorIdentity) *actorIdentityRecord {
	aliases := make([]actorJSON, 0, len(identity.Aliases))
	for _, alias := range identity.Aliases {
		aliases = append(aliases, actorToJSON(alias))
	}
	return &actorIdentityRecord{
		TenantID:       identity.TenantID,
		CorrelationKey: identity.CorrelationKey,
		ActorID:        identity.ActorID,
		Name:           identity.Name,
		Provider:       identity.Provider,
		Strength:       int(identity.Strength),
		Aliases:        aliases,
		Version:        identity.Version,
		CreatedAt:      identity.CreatedAt,
		UpdatedAt:      identity.UpdatedAt,
	}
}

func (r *actorIdentityRecord) toDomain() core.ActorIdentity {
	if r == nil {
		return core.ActorIdentity{}
	}
	aliases := make([]core.ObservedIdentity, 0, len(r.Aliases))
	for _, alias := range r.Aliases {
		aliases = append(aliases, alias.toDomain())
	}
	return core.ActorIdentity{
		TenantID:       r.TenantID,
		CorrelationKey: r.CorrelationKey,
		ActorID:        r.ActorID,
		Name:           r.Name,
		Provider:       r.Provider,
		Strength:       core.IdentityStrength(r.Strength),
		Aliases:        aliases,
		Version:        r.Version,
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
	}
}

func (r attributionRecord) toDomain() core.Attribution {
	return core.Attribution{
		TenantID:       r.TenantID,
		CorrelationKey: r.CorrelationKey,
		DeliveryID:     r.DeliveryID,
		ActorID:        r.ActorID,
		ActorName:      r.ActorName,
		Strength:       core.IdentityStrength(r.Strength),
		UpdatedAt:      r.UpdatedAt.UTC(),
	}
}

func newWorkflowRunRecord(run workflow.Run) *workflowRunRecord {
	state := make(map[string]string, len(run.State))
	for key, value := range run.State {
		state[key] = value
	}
	record := &workflowRunRecord{
		ID:          run.ID,
		Workflow:    run.Workflow,
		Status:      string(run.Status),
		Step:        run.Step,
		StepName:    run.StepName,
		Attempts:    run.Attempts,
		State:       state,
		LastError:   run.LastError,
		NextRunAt:   cloneTimePointer(run.NextRunAt),
		CreatedAt:   run.CreatedAt,
		UpdatedAt:   run.UpdatedAt,
		CompletedAt: cloneTimePointer(run.CompletedAt),
	}
	if key := strings.TrimSpace(run.Key); key != "" {
		record.Key = &key
	}
	return record
}

func (r *workflowRunRecord) toDomain() workflow.Run {
	if r == nil {
		return workflow.Run{}
	}
	run := workflow.Run{
		ID:          r.ID,
		Workflow:    r.Workflow,
		Status:      workflow.RunStatus(r.Status),
		Step:        r.Step,
		StepName:    r.StepName,
		Attempts:    r.Attempts,
		LastError:   r.LastError,
		NextRunAt:   cloneTimePointer(r.NextRunAt),
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
		CompletedAt: cloneTimePointer(r.CompletedAt),
	}
	if r.Key != nil {
		run.Key = *r.Key
	}
	if len(r.State) > 0 {
		run.State = make(map[string]string, len(r.State))
		for key, value := range r.State {
			run.State[key] = value
		}
	}
	return run
}

func cloneTimePointer(input *time.Time) *time.Time {
	if input == nil || input.IsZero() {
		return nil
	}
	value := input.UTC()
	return &value
}
