package query

import (
	"strings"

	"github.com/goliatone/go-integration-gateway/core"
)

const (
	TypeGetConnection    = "gateway.query.connection.get"
	TypeListResources    = "gateway.query.connection.resources"
	TypeResolveRoute     = "gateway.query.route.resolve"
	TypeListDeadLetters  = "gateway.query.dead_letters.list"
	TypeListAttributions = "gateway.query.attributions.list"
	TypeHealth           = "gateway.query.health"
)

type GetConnectionMessage struct {
	ConnectionID string
}

func (GetConnectionMessage) Type() string { return TypeGetConnection }

func (m GetConnectionMessage) Validate() error {
	return requireField("connection_id", m.ConnectionID)
}

type ListResourcesMessage struct {
	ConnectionID string
}

func (ListResourcesMessage) Type() string { return TypeListResources }

func (m ListResourcesMessage) Validate() error {
	return requireField("connection_id", m.ConnectionID)
}

type ResolveRouteMessage struct {
	Provider   string
	ResourceID string
}

func (ResolveRouteMessage) Type() string { return TypeResolveRoute }

func (m ResolveRouteMessage) Validate() error {
	if err := requireField("provider", m.Provider); err != nil {
		return err
	}
	return requireField("resource_id", m.ResourceID)
}

type ListDeadLettersMessage struct {
	Filter core.DeadLetterFilter
}

func (ListDeadLettersMessage) Type() string { return TypeListDeadLetters }

func (m ListDeadLettersMessage) Validate() error {
	if m.Filter.Limit < 0 {
		return queryValidationError("limit", "must be >= 0")
	}
	return nil
}

type ListAttributionsMessage struct {
	TenantID       string
	CorrelationKey string
}

func (ListAttributionsMessage) Type() string { return TypeListAttributions }

func (m ListAttributionsMessage) Validate() error {
	if err := requireField("tenant_id", m.TenantID); err != nil {
		return err
	}
	return requireField("correlation_key", m.CorrelationKey)
}

type HealthMessage struct{}

func (HealthMessage) Type() string { return TypeHealth }

func requireField(field string, value string) error {
	if strings.TrimSpace(value) == "" {
		return queryValidationError(field, "is required")
	}
	return nil
}
