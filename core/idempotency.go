package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	defaultIdempotencyTTL        = 24 * time.Hour
	defaultIdempotencyMaxEntries = 65536
)

type idempotencyEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryIdempotencyStore is a bounded in-process IdempotencyStore. When full,
// the least recently used key is evicted first.
type MemoryIdempotencyStore struct {
	mu         sync.Mutex
	defaultTTL time.Duration
	entries    *lru.Cache[string, idempotencyEntry]
	Now        func() time.Time
}

func NewMemoryIdempotencyStore(defaultTTL time.Duration) *MemoryIdempotencyStore {
	store, _ := NewMemoryIdempotencyStoreWithLimits(defaultTTL, defaultIdempotencyMaxEntries)
	return store
}

func NewMemoryIdempotencyStoreWithLimits(defaultTTL time.Duration, maxEntries int) (*MemoryIdempotencyStore, error) {
	if defaultTTL <= 0 {
		defaultTTL = defaultIdempotencyTTL
	}
	if maxEntries <= 0 {
		maxEntries = defaultIdempotencyMaxEntries
	}
	entries, err := lru.New[string, idempotencyEntry](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("core: idempotency cache: %w", err)
	}
	return &MemoryIdempotencyStore{
		defaultTTL: defaultTTL,
		entries:    entries,
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}, nil
}

func (s *MemoryIdempotencyStore) SetIfAbsent(_ context.Context, key string, value string, ttl time.Duration) (bool, error) {
	if s == nil || s.entries == nil {
		return false, fmt.Errorf("core: idempotency store is not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return false, fmt.Errorf("core: idempotency key is required")
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries.Get(key); ok && now.Before(existing.expiresAt) {
		return false, nil
	}
	s.entries.Add(key, idempotencyEntry{value: value, expiresAt: now.Add(ttl)})
	return true, nil
}

func (s *MemoryIdempotencyStore) Take(_ context.Context, key string) (string, bool, error) {
	if s == nil || s.entries == nil {
		return "", false, fmt.Errorf("core: idempotency store is not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", false, fmt.Errorf("core: idempotency key is required")
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.entries.Peek(key)
	if !ok {
		return "", false, nil
	}
	s.entries.Remove(key)
	if !now.Before(existing.expiresAt) {
		return "", false, nil
	}
	return existing.value, true, nil
}

// PurgeExpired drops keys whose TTL has passed and reports how many.
func (s *MemoryIdempotencyStore) PurgeExpired(_ context.Context) (int64, error) {
	if s == nil || s.entries == nil {
		return 0, fmt.Errorf("core: idempotency store is not configured")
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	var purged int64
	for _, key := range s.entries.Keys() {
		entry, ok := s.entries.Peek(key)
		if ok && !now.Before(entry.expiresAt) {
			s.entries.Remove(key)
			purged++
		}
	}
	return purged, nil
}

func (s *MemoryIdempotencyStore) Len() int {
	if s == nil || s.entries == nil {
		return 0
	}
	return s.entries.Len()
}

func (s *MemoryIdempotencyStore) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

var _ IdempotencyStore = (*MemoryIdempotencyStore)(nil)
