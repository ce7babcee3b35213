package sqlstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/goliatone/go-integration-gateway/core"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

const connectionCacheKeyPrefix = "gateway::connection::v1"

// CachedConnectionStore serves Get from a read-through cache. Writes that
// change a connection row drop its cache entry after the base write succeeds.
type CachedConnectionStore struct {
	core.ConnectionStore
	cache repositorycache.CacheService
}

func NewCachedConnectionStore(
	base core.ConnectionStore,
	cacheService repositorycache.CacheService,
) (*CachedConnectionStore, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base connection store is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: connection cache service is required")
	}
	return &CachedConnectionStore{ConnectionStore: base, cache: cacheService}, nil
}

// ConnectionCacheKey returns gateway::connection::v1::<id> with the id
// URL-path escaped.
func ConnectionCacheKey(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("sqlstore: connection id is required")
	}
	return connectionCacheKeyPrefix + "::" + url.PathEscape(id), nil
}

func (s *CachedConnectionStore) Get(ctx context.Context, id string) (core.Connection, error) {
	if s == nil || s.ConnectionStore == nil || s.cache == nil {
		return core.Connection{}, fmt.Errorf("sqlstore: cached connection store is not configured")
	}
	cacheKey, err := ConnectionCacheKey(id)
	if err != nil {
		return core.Connection{}, err
	}
	return repositorycache.GetOrFetch(ctx, s.cache, cacheKey, func(ctx context.Context) (core.Connection, error) {
		return s.ConnectionStore.Get(ctx, id)
	})
}

func (s *CachedConnectionStore) UpdateStatus(ctx context.Context, id string, status core.ConnectionStatus, reason string) error {
	if err := s.ConnectionStore.UpdateStatus(ctx, id, status, reason); err != nil {
		return err
	}
	return s.invalidate(ctx, id)
}

func (s *CachedConnectionStore) SetWebhookID(ctx context.Context, id string, webhookID string) error {
	if err := s.ConnectionStore.SetWebhookID(ctx, id, webhookID); err != nil {
		return err
	}
	return s.invalidate(ctx, id)
}

func (s *CachedConnectionStore) TouchRefreshed(ctx context.Context, id string, at time.Time) error {
	if err := s.ConnectionStore.TouchRefreshed(ctx, id, at); err != nil {
		return err
	}
	return s.invalidate(ctx, id)
}

func (s *CachedConnectionStore) invalidate(ctx context.Context, id string) error {
	cacheKey, err := ConnectionCacheKey(id)
	if err != nil {
		return err
	}
	return s.cache.Delete(ctx, cacheKey)
}
