package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryRoutingIndex keeps both routing directions under one lock so a
// reader never observes a resource without its connection entry.
type MemoryRoutingIndex struct {
	mu           sync.RWMutex
	byResource   map[string]Route
	byConnection map[string]map[string]struct{}
}

func NewMemoryRoutingIndex() *MemoryRoutingIndex {
	return &MemoryRoutingIndex{
		byResource:   map[string]Route{},
		byConnection: map[string]map[string]struct{}{},
	}
}

func (i *MemoryRoutingIndex) Resolve(_ context.Context, provider string, resourceID string) (Route, bool, error) {
	if i == nil {
		return Route{}, false, fmt.Errorf("core: routing index is nil")
	}
	key := RouteKey(NormalizeProvider(provider), resourceID)
	i.mu.RLock()
	route, ok := i.byResource[key]
	i.mu.RUnlock()
	return route, ok, nil
}

func (i *MemoryRoutingIndex) Put(_ context.Context, route Route) error {
	if i == nil {
		return fmt.Errorf("core: routing index is nil")
	}
	route, err := normalizeRoute(route)
	if err != nil {
		return err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.putLocked(route)
	return nil
}

func (i *MemoryRoutingIndex) Remove(_ context.Context, provider string, resourceID string) error {
	if i == nil {
		return fmt.Errorf("core: routing index is nil")
	}
	key := RouteKey(NormalizeProvider(provider), resourceID)
	i.mu.Lock()
	defer i.mu.Unlock()
	i.removeLocked(key)
	return nil
}

func (i *MemoryRoutingIndex) ResourcesFor(_ context.Context, connectionID string) ([]Route, error) {
	if i == nil {
		return nil, fmt.Errorf("core: routing index is nil")
	}
	i.mu.RLock()
	defer i.mu.RUnlock()
	keys := i.byConnection[strings.TrimSpace(connectionID)]
	routes := make([]Route, 0, len(keys))
	for key := range keys {
		routes = append(routes, i.byResource[key])
	}
	sortRoutes(routes)
	return routes, nil
}

func (i *MemoryRoutingIndex) PurgeConnection(_ context.Context, connectionID string) error {
	if i == nil {
		return fmt.Errorf("core: routing index is nil")
	}
	connectionID = strings.TrimSpace(connectionID)
	i.mu.Lock()
	defer i.mu.Unlock()
	for key := range i.byConnection[connectionID] {
		delete(i.byResource, key)
	}
	delete(i.byConnection, connectionID)
	return nil
}

// Replace swaps the whole index for routes in one step.
func (i *MemoryRoutingIndex) Replace(_ context.Context, routes []Route) error {
	if i == nil {
		return fmt.Errorf("core: routing index is nil")
	}
	next := &MemoryRoutingIndex{
		byResource:   make(map[string]Route, len(routes)),
		byConnection: map[string]map[string]struct{}{},
	}
	for _, route := range routes {
		normalized, err := normalizeRoute(route)
		if err != nil {
			return err
		}
		next.putLocked(normalized)
	}
	i.mu.Lock()
	i.byResource = next.byResource
	i.byConnection = next.byConnection
	i.mu.Unlock()
	return nil
}

func (i *MemoryRoutingIndex) Snapshot(context.Context) ([]Route, error) {
	if i == nil {
		return nil, fmt.Errorf("core: routing index is nil")
	}
	i.mu.RLock()
	routes := make([]Route, 0, len(i.byResource))
	for _, route := range i.byResource {
		routes = append(routes, route)
	}
	i.mu.RUnlock()
	sortRoutes(routes)
	return routes, nil
}

func (i *MemoryRoutingIndex) putLocked(route Route) {
	key := route.Key()
	if existing, ok := i.byResource[key]; ok && existing.ConnectionID != route.ConnectionID {
		i.unbindLocked(existing.ConnectionID, key)
	}
	i.byResource[key] = route
	keys, ok := i.byConnection[route.ConnectionID]
	if !ok {
		keys = map[string]struct{}{}
		i.byConnection[route.ConnectionID] = keys
	}
	keys[key] = struct{}{}
}

func (i *MemoryRoutingIndex) removeLocked(key string) {
	existing, ok := i.byResource[key]
	if !ok {
		return
	}
	delete(i.byResource, key)
	i.unbindLocked(existing.ConnectionID, key)
}

func (i *MemoryRoutingIndex) unbindLocked(connectionID string, key string) {
	keys := i.byConnection[connectionID]
	delete(keys, key)
	if len(keys) == 0 {
		delete(i.byConnection, connectionID)
	}
}

func normalizeRoute(route Route) (Route, error) {
	route.Provider = NormalizeProvider(route.Provider)
	route.ResourceID = strings.TrimSpace(route.ResourceID)
	route.ConnectionID = strings.TrimSpace(route.ConnectionID)
	route.TenantID = strings.TrimSpace(route.TenantID)
	if route.Provider == "" || route.ResourceID == "" {
		return Route{}, fmt.Errorf("core: route provider and resource id are required")
	}
	if route.ConnectionID == "" || route.TenantID == "" {
		return Route{}, fmt.Errorf("core: route connection id and tenant id are required")
	}
	return route, nil
}

func sortRoutes(routes []Route) {
	sort.Slice(routes, func(a, b int) bool {
		if routes[a].Provider != routes[b].Provider {
			return routes[a].Provider < routes[b].Provider
		}
		return routes[a].ResourceID < routes[b].ResourceID
	})
}

var _ RoutingIndex = (*MemoryRoutingIndex)(nil)
