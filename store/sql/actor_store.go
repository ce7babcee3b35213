package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-integration-gateway/core"
	"github.com/uptrace/bun"
)

type ActorIdentityStore struct {
	db  *bun.DB
	Now func() time.Time
}

func NewActorIdentityStore(db *bun.DB) (*ActorIdentityStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &ActorIdentityStore{db: db}, nil
}

func (s *ActorIdentityStore) Get(ctx context.Context, tenantID string, correlationKey string) (core.ActorIdentity, bool, error) {
	if s == nil || s.db == nil {
		return core.ActorIdentity{}, false, fmt.Errorf("sqlstore: actor identity store is not configured")
	}
	record := &actorIdentityRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.tenant_id = ?", strings.TrimSpace(tenantID)).
		Where("?TableAlias.correlation_key = ?", strings.TrimSpace(correlationKey)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return core.ActorIdentity{}, false, nil
		}
		return core.ActorIdentity{}, false, err
	}
	return record.toDomain(), true, nil
}

func (s *ActorIdentityStore) Insert(ctx context.Context, identity core.ActorIdentity) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("sqlstore: actor identity store is not configured")
	}
	if strings.TrimSpace(identity.TenantID) == "" || strings.TrimSpace(identity.CorrelationKey) == "" {
		return false, fmt.Errorf("sqlstore: actor identity requires tenant id and correlation key")
	}
	now := s.now()
	identity.Version = 1
	if identity.CreatedAt.IsZero() {
		identity.CreatedAt = now
	}
	if identity.UpdatedAt.IsZero() {
		identity.UpdatedAt = now
	}
	result, err := s.db.NewInsert().
		Model(newActorIdentityRecord(identity)).
		On("CONFLICT (tenant_id, correlation_key) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return false, err
	}
	return rowsAffected(result) == 1, nil
}

func (s *ActorIdentityStore) CompareAndSwap(ctx context.Context, identity core.ActorIdentity, expectedVersion int) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("sqlstore: actor identity store is not configured")
	}
	record := newActorIdentityRecord(identity)
	record.Version = expectedVersion + 1
	record.UpdatedAt = s.now()
	result, err := s.db.NewUpdate().
		Model(record).
		Column("actor_id", "name", "provider", "strength", "aliases", "version", "updated_at").
		Where("tenant_id = ?", record.TenantID).
		Where("correlation_key = ?", record.CorrelationKey).
		Where("version = ?", expectedVersion).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	return rowsAffected(result) == 1, nil
}

func (s *ActorIdentityStore) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

type AttributionStore struct {
	db  *bun.DB
	Now func() time.Time
}

func NewAttributionStore(db *bun.DB) (*AttributionStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &AttributionStore{db: db}, nil
}

func (s *AttributionStore) Record(ctx context.Context, attribution core.Attribution) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: attribution store is not configured")
	}
	if strings.TrimSpace(attribution.DeliveryID) == "" {
		return fmt.Errorf("sqlstore: attribution delivery id is required")
	}
	record := &attributionRecord{
		TenantID:       attribution.TenantID,
		CorrelationKey: attribution.CorrelationKey,
		DeliveryID:     attribution.DeliveryID,
		ActorID:        attribution.ActorID,
		ActorName:      attribution.ActorName,
		Strength:       int(attribution.Strength),
		UpdatedAt:      attribution.UpdatedAt,
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = s.now()
	}
	_, err := s.db.NewInsert().
		Model(record).
		On("CONFLICT (tenant_id, correlation_key, delivery_id) DO UPDATE").
		Set("actor_id = EXCLUDED.actor_id").
		Set("actor_name = EXCLUDED.actor_name").
		Set("strength = EXCLUDED.strength").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

// Rewrite points stale attributions of the key at identity, at most limit
// rows per call.
func (s *AttributionStore) Rewrite(ctx context.Context, identity core.ActorIdentity, limit int) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: attribution store is not configured")
	}
	changed := 0
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		stale := make([]attributionRecord, 0)
		query := tx.NewSelect().
			Model(&stale).
			Where("?TableAlias.tenant_id = ?", identity.TenantID).
			Where("?TableAlias.correlation_key = ?", identity.CorrelationKey).
			WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
				return q.
					Where("?TableAlias.actor_id <> ?", identity.ActorID).
					WhereOr("?TableAlias.actor_name <> ?", identity.Name).
					WhereOr("?TableAlias.strength <> ?", int(identity.Strength))
			}).
			OrderExpr("?TableAlias.delivery_id ASC")
		if limit > 0 {
			query = query.Limit(limit)
		}
		if err := query.Scan(ctx); err != nil && !isNoRows(err) {
			return err
		}
		if len(stale) == 0 {
			return nil
		}
		deliveryIDs := make([]string, 0, len(stale))
		for _, row := range stale {
			deliveryIDs = append(deliveryIDs, row.DeliveryID)
		}
		result, err := tx.NewUpdate().
			Model((*attributionRecord)(nil)).
			Set("actor_id = ?", identity.ActorID).
			Set("actor_name = ?", identity.Name).
			Set("strength = ?", int(identity.Strength)).
			Set("updated_at = ?", s.now()).
			Where("tenant_id = ?", identity.TenantID).
			Where("correlation_key = ?", identity.CorrelationKey).
			Where("delivery_id IN (?)", bun.In(deliveryIDs)).
			Exec(ctx)
		if err != nil {
			return err
		}
		changed = int(rowsAffected(result))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return changed, nil
}

func (s *AttributionStore) List(ctx context.Context, tenantID string, correlationKey string) ([]core.Attribution, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: attribution store is not configured")
	}
	records := make([]attributionRecord, 0)
	err := s.db.NewSelect().
		Model(&records).
		Where("?TableAlias.tenant_id = ?", strings.TrimSpace(tenantID)).
		Where("?TableAlias.correlation_key = ?", strings.TrimSpace(correlationKey)).
		OrderExpr("?TableAlias.delivery_id ASC").
		Scan(ctx)
	if err != nil && !isNoRows(err) {
		return nil, err
	}
	out := make([]core.Attribution, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

func (s *AttributionStore) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}
