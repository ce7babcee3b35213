package query

import (
	"context"

	"github.com/goliatone/go-integration-gateway/admin"
	"github.com/goliatone/go-integration-gateway/core"
)

type ConnectionReader interface {
	GetConnection(ctx context.Context, connectionID string) (core.Connection, error)
	ListResources(ctx context.Context, connectionID string) ([]core.Resource, error)
}

type DeadLetterReader interface {
	ListDeadLetters(ctx context.Context, filter core.DeadLetterFilter) ([]core.DeadLetter, error)
}

type HealthReader interface {
	Health(ctx context.Context) admin.Health
}

type GetConnectionQuery struct {
	reader ConnectionReader
}

func NewGetConnectionQuery(reader ConnectionReader) *GetConnectionQuery {
	return &GetConnectionQuery{reader: reader}
}

func (q *GetConnectionQuery) Query(ctx context.Context, msg GetConnectionMessage) (core.Connection, error) {
	if q == nil || q.reader == nil {
		return core.Connection{}, queryDependencyError("query: connection reader is required")
	}
	return q.reader.GetConnection(ctx, msg.ConnectionID)
}

type ListResourcesQuery struct {
	reader ConnectionReader
}

func NewListResourcesQuery(reader ConnectionReader) *ListResourcesQuery {
	return &ListResourcesQuery{reader: reader}
}

func (q *ListResourcesQuery) Query(ctx context.Context, msg ListResourcesMessage) ([]core.Resource, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: connection reader is required")
	}
	return q.reader.ListResources(ctx, msg.ConnectionID)
}

type ResolveRouteQuery struct {
	routes core.RoutingIndex
}

func NewResolveRouteQuery(routes core.RoutingIndex) *ResolveRouteQuery {
	return &ResolveRouteQuery{routes: routes}
}

// Query answers from the routing index, the same view webhook ingress uses.
func (q *ResolveRouteQuery) Query(ctx context.Context, msg ResolveRouteMessage) (core.Route, error) {
	if q == nil || q.routes == nil {
		return core.Route{}, queryDependencyError("query: routing index is required")
	}
	route, ok, err := q.routes.Resolve(ctx, core.NormalizeProvider(msg.Provider), msg.ResourceID)
	if err != nil {
		return core.Route{}, err
	}
	if !ok {
		return core.Route{}, core.NewError(core.ErrorNotFound, "no route for resource")
	}
	return route, nil
}

type ListDeadLettersQuery struct {
	reader DeadLetterReader
}

func NewListDeadLettersQuery(reader DeadLetterReader) *ListDeadLettersQuery {
	return &ListDeadLettersQuery{reader: reader}
}

func (q *ListDeadLettersQuery) Query(ctx context.Context, msg ListDeadLettersMessage) ([]core.DeadLetter, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: dead letter reader is required")
	}
	return q.reader.ListDeadLetters(ctx, msg.Filter)
}

type ListAttributionsQuery struct {
	store core.AttributionStore
}

func NewListAttributionsQuery(store core.AttributionStore) *ListAttributionsQuery {
	return &ListAttributionsQuery{store: store}
}

func (q *ListAttributionsQuery) Query(ctx context.Context, msg ListAttributionsMessage) ([]core.Attribution, error) {
	if q == nil || q.store == nil {
		return nil, queryDependencyError("query: attribution store is required")
	}
	return q.store.List(ctx, msg.TenantID, msg.CorrelationKey)
}

type HealthQuery struct {
	reader HealthReader
}

func NewHealthQuery(reader HealthReader) *HealthQuery {
	return &HealthQuery{reader: reader}
}

func (q *HealthQuery) Query(ctx context.Context, _ HealthMessage) (admin.Health, error) {
	if q == nil || q.reader == nil {
		return admin.Health{}, queryDependencyError("query: health reader is required")
	}
	return q.reader.Health(ctx), nil
}
