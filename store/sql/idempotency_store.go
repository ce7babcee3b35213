package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-integration-gateway/core"
	"github.com/uptrace/bun"
)

const (
	setIfAbsentSQL = `
INSERT INTO gateway_idempotency_keys (idem_key, value, expires_at, created_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (idem_key) DO UPDATE SET
	value = excluded.value,
	expires_at = excluded.expires_at,
	created_at = excluded.created_at
WHERE gateway_idempotency_keys.expires_at <= ?
`
	takeSQL = `
DELETE FROM gateway_idempotency_keys
WHERE idem_key = ?
RETURNING idem_key, value, expires_at, created_at
`
)

// IdempotencyStore shares dedup keys across gateway instances. SetIfAbsent is
// one upsert that only overwrites expired keys.
type IdempotencyStore struct {
	db         *bun.DB
	defaultTTL time.Duration
	Now        func() time.Time
}

func NewIdempotencyStore(db *bun.DB, defaultTTL time.Duration) (*IdempotencyStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	if defaultTTL <= 0 {
		defaultTTL = core.DefaultConfig().Webhooks.DedupTTL
	}
	return &IdempotencyStore{db: db, defaultTTL: defaultTTL}, nil
}

func (s *IdempotencyStore) SetIfAbsent(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("sqlstore: idempotency store is not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return false, fmt.Errorf("sqlstore: idempotency key is required")
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	now := s.now()
	result, err := s.db.ExecContext(ctx, setIfAbsentSQL, key, value, now.Add(ttl), now, now)
	if err != nil {
		return false, err
	}
	return rowsAffected(result) == 1, nil
}

func (s *IdempotencyStore) Take(ctx context.Context, key string) (string, bool, error) {
	if s == nil || s.db == nil {
		return "", false, fmt.Errorf("sqlstore: idempotency store is not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", false, fmt.Errorf("sqlstore: idempotency key is required")
	}
	var records []idempotencyRecord
	if err := s.db.NewRaw(takeSQL, key).Scan(ctx, &records); err != nil {
		if isNoRows(err) {
			return "", false, nil
		}
		return "", false, err
	}
	if len(records) == 0 || !s.now().Before(records[0].ExpiresAt) {
		return "", false, nil
	}
	return records[0].Value, true, nil
}

// PurgeExpired deletes keys whose TTL has passed and reports how many.
func (s *IdempotencyStore) PurgeExpired(ctx context.Context) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: idempotency store is not configured")
	}
	result, err := s.db.NewDelete().
		Model((*idempotencyRecord)(nil)).
		Where("expires_at <= ?", s.now()).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return rowsAffected(result), nil
}

func (s *IdempotencyStore) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}
