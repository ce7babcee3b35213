package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-integration-gateway/workflow"
	"github.com/uptrace/bun"
)

// WorkflowRunStore persists lifecycle workflow runs so an interrupted run is
// resumed by whichever instance claims it next.
type WorkflowRunStore struct {
	db *bun.DB
}

func NewWorkflowRunStore(db *bun.DB) (*WorkflowRunStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &WorkflowRunStore{db: db}, nil
}

func (s *WorkflowRunStore) Create(ctx context.Context, run workflow.Run) (workflow.Run, bool, error) {
	if s == nil || s.db == nil {
		return workflow.Run{}, false, fmt.Errorf("sqlstore: workflow run store is not configured")
	}
	if strings.TrimSpace(run.ID) == "" || strings.TrimSpace(run.Workflow) == "" {
		return workflow.Run{}, false, fmt.Errorf("sqlstore: run id and workflow are required")
	}
	record := newWorkflowRunRecord(run)
	result, err := s.db.NewInsert().
		Model(record).
		On("CONFLICT DO NOTHING").
		Exec(ctx)
	if err != nil {
		return workflow.Run{}, false, err
	}
	if rowsAffected(result) == 1 {
		return record.toDomain(), true, nil
	}
	if record.Key == nil {
		return workflow.Run{}, false, fmt.Errorf("sqlstore: workflow run %q already exists", run.ID)
	}
	existing, err := s.findBy(ctx, "run_key", *record.Key)
	if err != nil {
		return workflow.Run{}, false, err
	}
	return existing, false, nil
}

func (s *WorkflowRunStore) Get(ctx context.Context, id string) (workflow.Run, error) {
	if s == nil || s.db == nil {
		return workflow.Run{}, fmt.Errorf("sqlstore: workflow run store is not configured")
	}
	return s.findBy(ctx, "id", strings.TrimSpace(id))
}

func (s *WorkflowRunStore) Update(ctx context.Context, run workflow.Run) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: workflow run store is not configured")
	}
	record := newWorkflowRunRecord(run)
	result, err := s.db.NewUpdate().
		Model(record).
		Column("status", "step", "step_name", "attempts", "state", "last_error", "next_run_at", "updated_at", "completed_at").
		WherePK().
		Exec(ctx)
	if err != nil {
		return err
	}
	if rowsAffected(result) == 0 {
		return workflow.ErrRunNotFound
	}
	return nil
}

// Claim moves a due run, or a running run whose lease lapsed, to running in
// one conditional update so only one worker wins.
func (s *WorkflowRunStore) Claim(ctx context.Context, id string, now time.Time, lease time.Duration) (workflow.Run, bool, error) {
	if s == nil || s.db == nil {
		return workflow.Run{}, false, fmt.Errorf("sqlstore: workflow run store is not configured")
	}
	id = strings.TrimSpace(id)
	now = now.UTC()
	result, err := s.db.NewUpdate().
		Model((*workflowRunRecord)(nil)).
		Set("status = ?", string(workflow.RunStatusRunning)).
		Set("updated_at = ?", now).
		Where("id = ?", id).
		WhereGroup(" AND ", func(q *bun.UpdateQuery) *bun.UpdateQuery {
			q = q.WhereGroup(" OR ", func(q *bun.UpdateQuery) *bun.UpdateQuery {
				return q.
					Where("status IN (?)", bun.In([]string{
						string(workflow.RunStatusPending),
						string(workflow.RunStatusWaiting),
					})).
					WhereGroup(" AND ", func(q *bun.UpdateQuery) *bun.UpdateQuery {
						return q.Where("next_run_at IS NULL").WhereOr("next_run_at <= ?", now)
					})
			})
			if lease > 0 {
				q = q.WhereGroup(" OR ", func(q *bun.UpdateQuery) *bun.UpdateQuery {
					return q.
						Where("status = ?", string(workflow.RunStatusRunning)).
						Where("updated_at < ?", now.Add(-lease))
				})
			}
			return q
		}).
		Exec(ctx)
	if err != nil {
		return workflow.Run{}, false, err
	}
	run, err := s.findBy(ctx, "id", id)
	if err != nil {
		return workflow.Run{}, false, err
	}
	return run, rowsAffected(result) == 1, nil
}

func (s *WorkflowRunStore) ListDue(ctx context.Context, now time.Time, limit int) ([]workflow.Run, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: workflow run store is not configured")
	}
	records := make([]workflowRunRecord, 0)
	query := s.db.NewSelect().
		Model(&records).
		Where("?TableAlias.status IN (?)", bun.In([]string{
			string(workflow.RunStatusPending),
			string(workflow.RunStatusWaiting),
		})).
		WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("?TableAlias.next_run_at IS NULL").WhereOr("?TableAlias.next_run_at <= ?", now.UTC())
		}).
		OrderExpr("?TableAlias.id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Scan(ctx); err != nil && !isNoRows(err) {
		return nil, err
	}
	runs := make([]workflow.Run, 0, len(records))
	for i := range records {
		runs = append(runs, records[i].toDomain())
	}
	return runs, nil
}

func (s *WorkflowRunStore) findBy(ctx context.Context, column string, value string) (workflow.Run, error) {
	record := &workflowRunRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.? = ?", bun.Ident(column), value).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return workflow.Run{}, workflow.ErrRunNotFound
		}
		return workflow.Run{}, err
	}
	return record.toDomain(), nil
}
