package httpapi

import (
	"time"

	"github.com/goliatone/go-integration-gateway/core"
)

type connectionView struct {
	ID                string     `json:"id"`
	TenantID          string     `json:"tenantId"`
	Provider          string     `json:"provider"`
	ExternalAccountID string     `json:"externalAccountId,omitempty"`
	Status            string     `json:"status"`
	LastError         string     `json:"lastError,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
	LastRefreshedAt   *time.Time `json:"lastRefreshedAt,omitempty"`
}

func newConnectionView(conn core.Connection) connectionView {
	return connectionView{
		ID:                conn.ID,
		TenantID:          conn.TenantID,
		Provider:          conn.Provider,
		ExternalAccountID: conn.ExternalAccountID,
		Status:            string(conn.Status),
		LastError:         conn.LastError,
		CreatedAt:         conn.CreatedAt,
		UpdatedAt:         conn.UpdatedAt,
		LastRefreshedAt:   conn.LastRefreshedAt,
	}
}

type resourceView struct {
	Provider     string    `json:"provider"`
	ResourceID   string    `json:"resourceId"`
	ConnectionID string    `json:"connectionId"`
	TenantID     string    `json:"tenantId"`
	DisplayName  string    `json:"displayName,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

func newResourceView(resource core.Resource) resourceView {
	return resourceView{
		Provider:     resource.Provider,
		ResourceID:   resource.ExternalResourceID,
		ConnectionID: resource.ConnectionID,
		TenantID:     resource.TenantID,
		DisplayName:  resource.DisplayName,
		CreatedAt:    resource.CreatedAt,
	}
}

type attributionView struct {
	TenantID       string    `json:"tenantId"`
	CorrelationKey string    `json:"correlationKey"`
	DeliveryID     string    `json:"deliveryId"`
	ActorID        string    `json:"actorId,omitempty"`
	ActorName      string    `json:"actorName,omitempty"`
	Strength       string    `json:"strength"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

func newAttributionView(attribution core.Attribution) attributionView {
	return attributionView{
		TenantID:       attribution.TenantID,
		CorrelationKey: attribution.CorrelationKey,
		DeliveryID:     attribution.DeliveryID,
		ActorID:        attribution.ActorID,
		ActorName:      attribution.ActorName,
		Strength:       attribution.Strength.String(),
		UpdatedAt:      attribution.UpdatedAt,
	}
}

type tokenView struct {
	AccessToken string    `json:"accessToken"`
	ExpiresAt   time.Time `json:"expiresAt"`
}
