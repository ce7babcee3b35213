// Package admin implements recovery operations over the derived routing
// index and the dead-letter store.
package admin

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goliatone/go-integration-gateway/core"
	"github.com/goliatone/go-integration-gateway/webhooks"
)

const defaultReplayLimit = 100

// HealthCheck reports a dependency failure as a non-nil error.
type HealthCheck func(ctx context.Context) error

type Service struct {
	Connections core.ConnectionStore
	Routes      core.RoutingIndex
	DeadLetters core.DeadLetterStore
	Forwarder   *webhooks.Forwarder
	Observer    core.Observer
	Now         func() time.Time

	checks map[string]HealthCheck
}

func NewService(
	connections core.ConnectionStore,
	routes core.RoutingIndex,
	deadLetters core.DeadLetterStore,
	forwarder *webhooks.Forwarder,
	observer core.Observer,
) *Service {
	return &Service{
		Connections: connections,
		Routes:      routes,
		DeadLetters: deadLetters,
		Forwarder:   forwarder,
		Observer:    observer,
		checks:      map[string]HealthCheck{},
	}
}

func (s *Service) AddCheck(name string, check HealthCheck) {
	name = strings.TrimSpace(name)
	if s == nil || name == "" || check == nil {
		return
	}
	if s.checks == nil {
		s.checks = map[string]HealthCheck{}
	}
	s.checks[name] = check
}

type RebuildResult struct {
	Routes  int `json:"routes"`
	Added   int `json:"added"`
	Removed int `json:"removed"`
}

// RebuildRoutingIndex replaces the routing index with the routes of every
// active connection in the source of truth.
func (s *Service) RebuildRoutingIndex(ctx context.Context) (result RebuildResult, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{}
	defer func() {
		fields["routes"] = result.Routes
		fields["added"] = result.Added
		fields["removed"] = result.Removed
		s.Observer.Observe(ctx, startedAt, "admin.rebuild_routing_index", err, fields)
	}()

	if s == nil || s.Connections == nil || s.Routes == nil {
		err = fmt.Errorf("admin: connections and routing index are required")
		return RebuildResult{}, err
	}
	before, err := s.Routes.Snapshot(ctx)
	if err != nil {
		err = core.MapError(err)
		return RebuildResult{}, err
	}
	routes, err := s.Connections.ListActiveRoutes(ctx)
	if err != nil {
		err = core.MapError(err)
		return RebuildResult{}, err
	}
	if err = s.Routes.Replace(ctx, routes); err != nil {
		err = core.MapError(err)
		return RebuildResult{}, err
	}

	previous := make(map[string]core.Route, len(before))
	for _, route := range before {
		previous[route.Key()] = route
	}
	result.Routes = len(routes)
	for _, route := range routes {
		if existing, ok := previous[route.Key()]; ok && existing == route {
			delete(previous, route.Key())
			continue
		}
		result.Added++
		if _, ok := previous[route.Key()]; ok {
			// Rebound to another connection: counted as added only.
			delete(previous, route.Key())
		}
	}
	result.Removed = len(previous)
	return result, nil
}

func (s *Service) ListDeadLetters(ctx context.Context, filter core.DeadLetterFilter) ([]core.DeadLetter, error) {
	if s == nil || s.DeadLetters == nil {
		return nil, fmt.Errorf("admin: dead letter store is required")
	}
	letters, err := s.DeadLetters.List(ctx, filter)
	if err != nil {
		return nil, core.MapError(err)
	}
	return letters, nil
}

type ReplayItem struct {
	ID         string `json:"id"`
	DeliveryID string `json:"deliveryId"`
	Provider   string `json:"provider"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
}

type ReplayResult struct {
	Selected     int          `json:"selected"`
	Replayed     int          `json:"replayed"`
	Unresolvable int          `json:"unresolvable"`
	Duplicate    int          `json:"duplicate"`
	Failed       int          `json:"failed"`
	Items        []ReplayItem `json:"items"`
}

// ReplayDeadLetters forwards the selected letters again without
// re-verification. Letters that still have no route stay in the store;
// forwarded letters are marked replayed. Explicit ids select letters even
// when they were replayed before. Each replay publishes under its own dedup
// id; a letter the queue still reports as a duplicate is left unmarked.
func (s *Service) ReplayDeadLetters(ctx context.Context, filter core.DeadLetterFilter) (result ReplayResult, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{"provider": filter.Provider, "reason": string(filter.Reason)}
	defer func() {
		fields["selected"] = result.Selected
		fields["replayed"] = result.Replayed
		fields["failed"] = result.Failed
		s.Observer.Observe(ctx, startedAt, "admin.replay_dead_letters", err, fields)
	}()

	if s == nil || s.DeadLetters == nil || s.Forwarder == nil {
		err = fmt.Errorf("admin: dead letter store and forwarder are required")
		return ReplayResult{}, err
	}
	if len(filter.IDs) > 0 {
		filter.IncludeReplayed = true
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultReplayLimit
	}
	letters, err := s.DeadLetters.List(ctx, filter)
	if err != nil {
		err = core.MapError(err)
		return ReplayResult{}, err
	}
	sort.SliceStable(letters, func(a, b int) bool { return letters[a].ID < letters[b].ID })

	result.Selected = len(letters)
	result.Items = make([]ReplayItem, 0, len(letters))
	for _, letter := range letters {
		item := ReplayItem{ID: letter.ID, DeliveryID: letter.DeliveryID, Provider: letter.Provider}
		in := webhooks.ForwardInputFromDeadLetter(letter)
		in.ReplayKey = core.NewSortableID(s.now())
		forwarded, forwardErr := s.Forwarder.Forward(ctx, in)
		switch {
		case forwardErr != nil:
			item.Status = "failed"
			item.Error = forwardErr.Error()
			result.Failed++
		case forwarded.Status == webhooks.StatusUnresolvable:
			item.Status = string(webhooks.StatusUnresolvable)
			result.Unresolvable++
		case forwarded.Status == webhooks.StatusDuplicate:
			item.Status = string(webhooks.StatusDuplicate)
			result.Duplicate++
		default:
			item.Status = string(forwarded.Status)
			if markErr := s.DeadLetters.MarkReplayed(ctx, letter.ID, s.now()); markErr != nil {
				s.Observer.Warn(ctx, "dead letter replay mark failed", map[string]any{
					"dead_letter_id": letter.ID,
					"error":          markErr.Error(),
				})
			}
			result.Replayed++
		}
		result.Items = append(result.Items, item)
	}
	return result, nil
}

type Health struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
	Routes int               `json:"routes"`
	Time   time.Time         `json:"time"`
}

// Health runs the registered checks. Any failing check makes the status
// degraded.
func (s *Service) Health(ctx context.Context) Health {
	health := Health{Status: "ok", Checks: map[string]string{}, Time: s.now()}
	if s == nil {
		health.Status = "degraded"
		return health
	}
	if s.Routes != nil {
		if routes, err := s.Routes.Snapshot(ctx); err == nil {
			health.Routes = len(routes)
		} else {
			health.Checks["routing_index"] = err.Error()
			health.Status = "degraded"
		}
	}
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := s.checks[name](ctx); err != nil {
			health.Checks[name] = err.Error()
			health.Status = "degraded"
			continue
		}
		health.Checks[name] = "ok"
	}
	return health
}

func (s *Service) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}
