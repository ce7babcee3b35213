package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-integration-gateway/core"
	"github.com/uptrace/bun"
)

type DeadLetterStore struct {
	db  *bun.DB
	Now func() time.Time
}

func NewDeadLetterStore(db *bun.DB) (*DeadLetterStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &DeadLetterStore{db: db}, nil
}

func (s *DeadLetterStore) Put(ctx context.Context, letter core.DeadLetter) (core.DeadLetter, error) {
	if s == nil || s.db == nil {
		return core.DeadLetter{}, fmt.Errorf("sqlstore: dead letter store is not configured")
	}
	letter, err := core.PrepareDeadLetter(letter, s.now())
	if err != nil {
		return core.DeadLetter{}, err
	}
	record := newDeadLetterRecord(letter)
	if _, err := s.db.NewInsert().Model(record).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return core.DeadLetter{}, core.ErrConflict
		}
		return core.DeadLetter{}, err
	}
	return record.toDomain(), nil
}

func (s *DeadLetterStore) Get(ctx context.Context, id string) (core.DeadLetter, error) {
	if s == nil || s.db == nil {
		return core.DeadLetter{}, fmt.Errorf("sqlstore: dead letter store is not configured")
	}
	record := &deadLetterRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", strings.TrimSpace(id)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return core.DeadLetter{}, core.ErrNotFound
		}
		return core.DeadLetter{}, err
	}
	return record.toDomain(), nil
}

func (s *DeadLetterStore) List(ctx context.Context, filter core.DeadLetterFilter) ([]core.DeadLetter, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: dead letter store is not configured")
	}
	records := make([]deadLetterRecord, 0)
	query := s.db.NewSelect().Model(&records).OrderExpr("?TableAlias.id ASC")
	if ids := trimmedIDs(filter.IDs); len(ids) > 0 {
		query = query.Where("?TableAlias.id IN (?)", bun.In(ids))
	}
	if provider := core.NormalizeProvider(filter.Provider); provider != "" {
		query = query.Where("?TableAlias.provider = ?", provider)
	}
	if filter.Reason != "" {
		query = query.Where("?TableAlias.reason = ?", string(filter.Reason))
	}
	if !filter.IncludeReplayed {
		query = query.Where("?TableAlias.replayed_at IS NULL")
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if err := query.Scan(ctx); err != nil && !isNoRows(err) {
		return nil, err
	}
	letters := make([]core.DeadLetter, 0, len(records))
	for i := range records {
		letters = append(letters, records[i].toDomain())
	}
	return letters, nil
}

func (s *DeadLetterStore) MarkReplayed(ctx context.Context, id string, at time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: dead letter store is not configured")
	}
	result, err := s.db.NewUpdate().
		Model((*deadLetterRecord)(nil)).
		Set("replayed_at = ?", at.UTC()).
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

func (s *DeadLetterStore) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func trimmedIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}
