package query

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-integration-gateway/admin"
	"github.com/goliatone/go-integration-gateway/core"
	"github.com/goliatone/go-integration-gateway/lifecycle"
)

var (
	_ gocmd.Querier[GetConnectionMessage, core.Connection]       = (*GetConnectionQuery)(nil)
	_ gocmd.Querier[ListResourcesMessage, []core.Resource]       = (*ListResourcesQuery)(nil)
	_ gocmd.Querier[ResolveRouteMessage, core.Route]             = (*ResolveRouteQuery)(nil)
	_ gocmd.Querier[ListDeadLettersMessage, []core.DeadLetter]   = (*ListDeadLettersQuery)(nil)
	_ gocmd.Querier[ListAttributionsMessage, []core.Attribution] = (*ListAttributionsQuery)(nil)
	_ gocmd.Querier[HealthMessage, admin.Health]                 = (*HealthQuery)(nil)

	_ ConnectionReader = (*lifecycle.Service)(nil)
	_ DeadLetterReader = (*admin.Service)(nil)
	_ HealthReader     = (*admin.Service)(nil)
)
