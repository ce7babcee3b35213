package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound                          = errors.New("core: record not found")
	ErrConflict                          = errors.New("core: record already exists")
	ErrInvalidConnectionStatusTransition = errors.New("core: invalid connection status transition")
	ErrDuplicateMessage                  = errors.New("core: message with this dedup id is already queued")
)

type ConnectionStatus string

const (
	ConnectionStatusPending ConnectionStatus = "pending"
	ConnectionStatusActive  ConnectionStatus = "active"
	ConnectionStatusRevoked ConnectionStatus = "revoked"
	ConnectionStatusError   ConnectionStatus = "error"
)

var allowedConnectionTransitions = map[ConnectionStatus]map[ConnectionStatus]struct{}{
	ConnectionStatusPending: {
		ConnectionStatusActive: {},
		ConnectionStatusError:  {},
	},
	ConnectionStatusActive: {
		ConnectionStatusActive:  {},
		ConnectionStatusRevoked: {},
		ConnectionStatusError:   {},
	},
	ConnectionStatusError: {
		ConnectionStatusRevoked: {},
	},
}

// CanTransition reports whether a connection may move from one status to another.
func CanTransition(from ConnectionStatus, to ConnectionStatus) bool {
	next, ok := allowedConnectionTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

type Connection struct {
	ID                  string
	TenantID            string
	Provider            string
	ExternalAccountID   string
	ExternalAccountType string
	Status              ConnectionStatus
	CredentialRef       string
	WebhookID           string
	LastError           string
	CreatedAt           time.Time
	UpdatedAt           time.Time
	LastRefreshedAt     *time.Time
	LastValidatedAt     *time.Time
}

func (c *Connection) TransitionTo(next ConnectionStatus, reason string, at time.Time) error {
	if c == nil {
		return fmt.Errorf("core: connection is nil")
	}
	if !CanTransition(c.Status, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidConnectionStatusTransition, c.Status, next)
	}
	c.Status = next
	c.LastError = strings.TrimSpace(reason)
	c.UpdatedAt = at.UTC()
	return nil
}

type Resource struct {
	Provider           string
	ExternalResourceID string
	ConnectionID       string
	TenantID           string
	DisplayName        string
	CreatedAt          time.Time
}

func (r Resource) Route() Route {
	return Route{
		Provider:     r.Provider,
		ResourceID:   r.ExternalResourceID,
		ConnectionID: r.ConnectionID,
		TenantID:     r.TenantID,
	}
}

// Route is one Routing Index entry.
type Route struct {
	Provider     string `json:"provider"`
	ResourceID   string `json:"resourceId"`
	ConnectionID string `json:"connectionId"`
	TenantID     string `json:"tenantId"`
}

func (r Route) Key() string {
	return RouteKey(r.Provider, r.ResourceID)
}

func RouteKey(provider string, resourceID string) string {
	return strings.TrimSpace(provider) + ":" + strings.TrimSpace(resourceID)
}

type Credential struct {
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	TokenType    string     `json:"token_type,omitempty"`
	Scope        []string   `json:"scope,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

func (c Credential) Refreshable() bool {
	return strings.TrimSpace(c.RefreshToken) != ""
}

// ExpiresWithin reports whether the credential expires before now+window.
func (c Credential) ExpiresWithin(now time.Time, window time.Duration) bool {
	if c.ExpiresAt == nil || c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(window).Before(c.ExpiresAt.UTC())
}

// VendedToken is the only plaintext view of a credential that leaves the vault.
type VendedToken struct {
	ConnectionID string    `json:"connectionId"`
	AccessToken  string    `json:"accessToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

type IdentityStrength int

const (
	IdentityWeak IdentityStrength = iota + 1
	IdentityStrong
)

func (s IdentityStrength) String() string {
	switch s {
	case IdentityStrong:
		return "strong"
	case IdentityWeak:
		return "weak"
	default:
		return "unknown"
	}
}

func ParseIdentityStrength(value string) IdentityStrength {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "strong":
		return IdentityStrong
	default:
		return IdentityWeak
	}
}

// ObservedIdentity is an actor as reported by one provider event. An empty ID
// means only a username was supplied.
type ObservedIdentity struct {
	Provider string `json:"provider"`
	ID       string `json:"id,omitempty"`
	Name     string `json:"name,omitempty"`
}

func (o ObservedIdentity) Strength() IdentityStrength {
	if strings.TrimSpace(o.ID) != "" {
		return IdentityStrong
	}
	return IdentityWeak
}

func (o ObservedIdentity) Alias() string {
	return strings.Join([]string{
		strings.TrimSpace(o.Provider),
		strings.TrimSpace(o.ID),
		strings.TrimSpace(o.Name),
	}, "|")
}

func (o ObservedIdentity) Empty() bool {
	return strings.TrimSpace(o.ID) == "" && strings.TrimSpace(o.Name) == ""
}

type ActorIdentity struct {
	TenantID       string
	CorrelationKey string
	ActorID        string
	Name           string
	Provider       string
	Strength       IdentityStrength
	Aliases        []ObservedIdentity
	Version        int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (a ActorIdentity) Canonical() CanonicalActor {
	return CanonicalActor{
		CorrelationKey: a.CorrelationKey,
		ID:             a.ActorID,
		Name:           a.Name,
		Strength:       a.Strength.String(),
	}
}

// CanonicalActor is the identity attached to delivery envelopes.
type CanonicalActor struct {
	CorrelationKey string `json:"correlationKey"`
	ID             string `json:"id,omitempty"`
	Name           string `json:"name,omitempty"`
	Strength       string `json:"strength"`
}

// Attribution records which actor a forwarded delivery was attributed to.
type Attribution struct {
	TenantID       string
	CorrelationKey string
	DeliveryID     string
	ActorID        string
	ActorName      string
	Strength       IdentityStrength
	UpdatedAt      time.Time
}

type DeliveryEnvelope struct {
	DeliveryID   string          `json:"deliveryId"`
	ConnectionID string          `json:"connectionId"`
	TenantID     string          `json:"tenantId"`
	Provider     string          `json:"provider"`
	EventType    string          `json:"eventType"`
	ResourceID   *string         `json:"resourceId"`
	Payload      json.RawMessage `json:"payload"`
	ReceivedAt   time.Time       `json:"receivedAt"`
	Actor        *CanonicalActor `json:"actor,omitempty"`
}

func (e DeliveryEnvelope) DedupID() string {
	return DedupKey(e.Provider, e.DeliveryID)
}

// DedupKey is the idempotency key for one provider delivery.
func DedupKey(provider string, deliveryID string) string {
	return strings.TrimSpace(provider) + ":" + strings.TrimSpace(deliveryID)
}

func StringRef(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func StringValue(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

type DeadLetterReason string

const (
	DeadLetterUnresolvable   DeadLetterReason = "unresolvable"
	DeadLetterDeliveryFailed DeadLetterReason = "delivery_failed"
)

// DeadLetter holds a verified delivery that was not forwarded to the consumer.
type DeadLetter struct {
	ID             string           `json:"id"`
	Provider       string           `json:"provider"`
	DeliveryID     string           `json:"deliveryId"`
	EventType      string           `json:"eventType"`
	ResourceID     string           `json:"resourceId,omitempty"`
	ConnectionID   string           `json:"connectionId,omitempty"`
	TenantID       string           `json:"tenantId,omitempty"`
	CorrelationKey string           `json:"correlationKey,omitempty"`
	Actor          ObservedIdentity `json:"actor"`
	Reason         DeadLetterReason `json:"reason"`
	Payload        json.RawMessage  `json:"payload"`
	Attempts       int              `json:"attempts"`
	LastError      string           `json:"lastError,omitempty"`
	ReceivedAt     time.Time        `json:"receivedAt"`
	CreatedAt      time.Time        `json:"createdAt"`
	ReplayedAt     *time.Time       `json:"replayedAt,omitempty"`
}

type DeadLetterFilter struct {
	IDs             []string
	Provider        string
	Reason          DeadLetterReason
	IncludeReplayed bool
	Limit           int
}

type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusDelivered  QueueStatus = "delivered"
)

// QueueMessage is one envelope in the delivery transport.
type QueueMessage struct {
	ID            string
	DedupID       string
	Envelope      DeliveryEnvelope
	Attempts      int
	MaxAttempts   int
	Status        QueueStatus
	NextAttemptAt *time.Time
	LastError     string
	CreatedAt     time.Time
}

type DispatchStats struct {
	Claimed      int
	Delivered    int
	Retried      int
	DeadLettered int
}
