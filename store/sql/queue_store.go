package sqlstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goliatone/go-integration-gateway/core"
	"github.com/uptrace/bun"
)

const claimQueueSQL = `
WITH claimed AS (
	SELECT id
	FROM gateway_delivery_queue
	WHERE status = ?
	  AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
	ORDER BY created_at ASC, id ASC
	LIMIT ?
)
UPDATE gateway_delivery_queue
SET status = ?, attempts = attempts + 1, updated_at = ?
WHERE id IN (SELECT id FROM claimed)
  AND status = ?
RETURNING
	id,
	dedup_id,
	envelope,
	attempts,
	max_attempts,
	status,
	next_attempt_at,
	last_error,
	created_at,
	updated_at
`

// DeliveryQueueStore is the durable QueueStore. A dedup id stays reserved
// after delivery and is released only by Discard.
type DeliveryQueueStore struct {
	db  *bun.DB
	Now func() time.Time
}

func NewDeliveryQueueStore(db *bun.DB) (*DeliveryQueueStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &DeliveryQueueStore{db: db}, nil
}

func (s *DeliveryQueueStore) Publish(ctx context.Context, msg core.QueueMessage) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: delivery queue store is not configured")
	}
	msg, err := core.PrepareQueueMessage(msg, s.now())
	if err != nil {
		return err
	}
	record, err := newQueueRecord(msg)
	if err != nil {
		return err
	}
	res, err := s.db.NewInsert().
		Model(record).
		On("CONFLICT (dedup_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return core.ErrDuplicateMessage
	}
	return nil
}

func (s *DeliveryQueueStore) ClaimBatch(ctx context.Context, limit int, now time.Time) ([]core.QueueMessage, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: delivery queue store is not configured")
	}
	if limit <= 0 {
		limit = 1
	}
	now = now.UTC()
	var records []queueRecord
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return tx.NewRaw(
			claimQueueSQL,
			string(core.QueueStatusPending),
			now,
			limit,
			string(core.QueueStatusProcessing),
			now,
			string(core.QueueStatusPending),
		).Scan(ctx, &records)
	})
	if err != nil && !isNoRows(err) {
		return nil, err
	}

	messages := make([]core.QueueMessage, 0, len(records))
	for _, record := range records {
		msg, err := record.toDomain()
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	sortQueueMessages(messages)
	return messages, nil
}

func (s *DeliveryQueueStore) Ack(ctx context.Context, id string) error {
	return s.update(ctx, id, func(q *bun.UpdateQuery) *bun.UpdateQuery {
		return q.
			Set("status = ?", string(core.QueueStatusDelivered)).
			Set("next_attempt_at = NULL").
			Set("last_error = ?", "")
	})
}

func (s *DeliveryQueueStore) Retry(ctx context.Context, id string, cause error, nextAttemptAt time.Time) error {
	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}
	return s.update(ctx, id, func(q *bun.UpdateQuery) *bun.UpdateQuery {
		return q.
			Set("status = ?", string(core.QueueStatusPending)).
			Set("next_attempt_at = ?", nextAttemptAt.UTC()).
			Set("last_error = ?", lastError)
	})
}

func (s *DeliveryQueueStore) Discard(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: delivery queue store is not configured")
	}
	result, err := s.db.NewDelete().
		Model((*queueRecord)(nil)).
		Where("id = ?", strings.TrimSpace(id)).
		Exec(ctx)
	if err != nil {
		return err
	}
	if rowsAffected(result) == 0 {
		return core.ErrNotFound
	}
	return nil
}

// PurgeDelivered deletes messages acknowledged at or before the cutoff, so
// their dedup ids can be published again.
func (s *DeliveryQueueStore) PurgeDelivered(ctx context.Context, before time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: delivery queue store is not configured")
	}
	result, err := s.db.NewDelete().
		Model((*queueRecord)(nil)).
		Where("status = ?", string(core.QueueStatusDelivered)).
		Where("updated_at <= ?", before.UTC()).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return rowsAffected(result), nil
}

// Depth counts messages that are waiting for delivery or being delivered.
func (s *DeliveryQueueStore) Depth(ctx context.Context) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: delivery queue store is not configured")
	}
	return s.db.NewSelect().
		Model((*queueRecord)(nil)).
		Where("?TableAlias.status IN (?)", bun.In([]string{
			string(core.QueueStatusPending),
			string(core.QueueStatusProcessing),
		})).
		Count(ctx)
}

func (s *DeliveryQueueStore) update(ctx context.Context, id string, apply func(q *bun.UpdateQuery) *bun.UpdateQuery) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: delivery queue store is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("sqlstore: queue message id is required")
	}
	query := s.db.NewUpdate().
		Model((*queueRecord)(nil)).
		Set("updated_at = ?", s.now()).
		Where("id = ?", id)
	result, err := apply(query).Exec(ctx)
	if err != nil {
		return err
	}
	if rowsAffected(result) == 0 {
		return core.ErrNotFound
	}
	return nil
}

func (s *DeliveryQueueStore) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func sortQueueMessages(messages []core.QueueMessage) {
	sort.Slice(messages, func(a, b int) bool {
		if !messages[a].CreatedAt.Equal(messages[b].CreatedAt) {
			return messages[a].CreatedAt.Before(messages[b].CreatedAt)
		}
		return messages[a].ID < messages[b].ID
	})
}
