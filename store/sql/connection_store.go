package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-integration-gateway/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"
)

// ConnectionStore is the relational source of truth for connections, their
// resources and, through CreateWithCredential, their first credential.
type ConnectionStore struct {
	db   *bun.DB
	repo repository.Repository[*connectionRecord]
	Now  func() time.Time
}

func NewConnectionStore(db *bun.DB) (*ConnectionStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*connectionRecord](db, connectionHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid connection repository wiring: %w", err)
		}
	}
	return &ConnectionStore{db: db, repo: repo}, nil
}

func (s *ConnectionStore) CreateWithCredential(
	ctx context.Context,
	conn core.Connection,
	sealed core.SealedCredential,
	resources []core.Resource,
) (core.Connection, error) {
	if s == nil || s.db == nil || s.repo == nil {
		return core.Connection{}, fmt.Errorf("sqlstore: connection store is not configured")
	}
	conn.ID = strings.TrimSpace(conn.ID)
	conn.TenantID = strings.TrimSpace(conn.TenantID)
	conn.Provider = core.NormalizeProvider(conn.Provider)
	if conn.ID == "" || conn.TenantID == "" || conn.Provider == "" {
		return core.Connection{}, fmt.Errorf("sqlstore: connection id, tenant id and provider are required")
	}
	if strings.TrimSpace(sealed.ConnectionID) != conn.ID {
		return core.Connection{}, fmt.Errorf("sqlstore: sealed credential does not belong to connection %s", conn.ID)
	}
	if len(sealed.Ciphertext) == 0 {
		return core.Connection{}, fmt.Errorf("sqlstore: credential ciphertext is required")
	}

	now := s.now()
	if conn.Status == "" {
		conn.Status = core.ConnectionStatusActive
	}
	conn.CredentialRef = conn.ID
	conn.CreatedAt = now
	conn.UpdatedAt = now

	var out core.Connection
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		existing, found, err := findConnection(ctx, tx, conn.ID)
		if err != nil {
			return err
		}
		if found {
			out = existing.toDomain()
			return nil
		}

		prepared := make([]core.Resource, 0, len(resources))
		for _, resource := range resources {
			resource.ConnectionID = conn.ID
			resource.TenantID = conn.TenantID
			resource.Provider = conn.Provider
			resource.CreatedAt = now
			checked, _, err := checkResource(ctx, tx, resource)
			if err != nil {
				return err
			}
			prepared = append(prepared, checked)
		}

		created, err := s.repo.CreateTx(ctx, tx, newConnectionRecord(conn))
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: connection %s", core.ErrConflict, conn.ID)
			}
			return err
		}
		if err := saveCredential(ctx, tx, sealed, now); err != nil {
			return err
		}
		for _, resource := range prepared {
			if err := upsertResource(ctx, tx, resource); err != nil {
				return err
			}
		}
		out = created.toDomain()
		return nil
	})
	if err != nil {
		return core.Connection{}, err
	}
	return out, nil
}

func (s *ConnectionStore) Get(ctx context.Context, id string) (core.Connection, error) {
	if s == nil || s.db == nil {
		return core.Connection{}, fmt.Errorf("sqlstore: connection store is not configured")
	}
	record, found, err := findConnection(ctx, s.db, strings.TrimSpace(id))
	if err != nil {
		return core.Connection{}, err
	}
	if !found {
		return core.Connection{}, core.ErrNotFound
	}
	return record.toDomain(), nil
}

// ListByTenant returns the tenant's connections, oldest first.
func (s *ConnectionStore) ListByTenant(ctx context.Context, tenantID string) ([]core.Connection, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: connection store is not configured")
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("tenant_id", "=", strings.TrimSpace(tenantID)),
		repository.OrderBy("created_at ASC"),
	)
	if err != nil {
		return nil, err
	}
	out := make([]core.Connection, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

func (s *ConnectionStore) UpdateStatus(ctx context.Context, id string, status core.ConnectionStatus, reason string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: connection store is not configured")
	}
	id = strings.TrimSpace(id)
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record, found, err := findConnection(ctx, tx, id)
		if err != nil {
			return err
		}
		if !found {
			return core.ErrNotFound
		}
		conn := record.toDomain()
		previous := conn.Status
		if err := conn.TransitionTo(status, reason, s.now()); err != nil {
			return err
		}
		result, err := tx.NewUpdate().
			Model((*connectionRecord)(nil)).
			Set("status = ?", string(conn.Status)).
			Set("last_error = ?", conn.LastError).
			Set("updated_at = ?", conn.UpdatedAt).
			Where("id = ?", id).
			Where("status = ?", string(previous)).
			Exec(ctx)
		if err != nil {
			return err
		}
		if rowsAffected(result) == 0 {
			return fmt.Errorf("%w: connection %s changed status concurrently", core.ErrConflict, id)
		}
		return nil
	})
}

func (s *ConnectionStore) SetWebhookID(ctx context.Context, id string, webhookID string) error {
	return s.mutate(ctx, id, func(record *connectionRecord) {
		record.WebhookID = strings.TrimSpace(webhookID)
	})
}

func (s *ConnectionStore) TouchRefreshed(ctx context.Context, id string, at time.Time) error {
	return s.mutate(ctx, id, func(record *connectionRecord) {
		at = at.UTC()
		record.LastRefreshedAt = &at
	})
}

func (s *ConnectionStore) LinkResource(ctx context.Context, resource core.Resource) (core.Resource, error) {
	if s == nil || s.db == nil {
		return core.Resource{}, fmt.Errorf("sqlstore: connection store is not configured")
	}
	var out core.Resource
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		conn, found, err := findConnection(ctx, tx, strings.TrimSpace(resource.ConnectionID))
		if err != nil {
			return err
		}
		if !found {
			return core.ErrNotFound
		}
		resource.ConnectionID = conn.ID
		resource.TenantID = conn.TenantID
		resource.Provider = conn.Provider
		resource.CreatedAt = s.now()
		checked, existing, err := checkResource(ctx, tx, resource)
		if err != nil {
			return err
		}
		if existing != nil && existing.ConnectionID == checked.ConnectionID {
			out = existing.toDomain()
			return nil
		}
		if err := upsertResource(ctx, tx, checked); err != nil {
			return err
		}
		out = checked
		return nil
	})
	if err != nil {
		return core.Resource{}, err
	}
	return out, nil
}

func (s *ConnectionStore) UnlinkResource(ctx context.Context, connectionID string, provider string, resourceID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: connection store is not configured")
	}
	result, err := s.db.NewDelete().
		Model((*resourceRecord)(nil)).
		Where("provider = ?", core.NormalizeProvider(provider)).
		Where("external_resource_id = ?", strings.TrimSpace(resourceID)).
		Where("connection_id = ?", strings.TrimSpace(connectionID)).
		Exec(ctx)
	if err != nil {
		return err
	}
	if rowsAffected(result) == 0 {
		return core.ErrNotFound
	}
	return nil
}

func (s *ConnectionStore) DeleteResources(ctx context.Context, connectionID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: connection store is not configured")
	}
	_, err := s.db.NewDelete().
		Model((*resourceRecord)(nil)).
		Where("connection_id = ?", strings.TrimSpace(connectionID)).
		Exec(ctx)
	return err
}

func (s *ConnectionStore) ListResources(ctx context.Context, connectionID string) ([]core.Resource, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: connection store is not configured")
	}
	var records []resourceRecord
	if err := s.db.NewSelect().
		Model(&records).
		Where("?TableAlias.connection_id = ?", strings.TrimSpace(connectionID)).
		OrderExpr("?TableAlias.external_resource_id ASC").
		Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]core.Resource, 0, len(records))
	for i := range records {
		out = append(out, records[i].toDomain())
	}
	return out, nil
}

func (s *ConnectionStore) ListActiveRoutes(ctx context.Context) ([]core.Route, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: connection store is not configured")
	}
	var records []resourceRecord
	if err := s.db.NewSelect().
		Model(&records).
		Join("JOIN gateway_connections AS gc ON gc.id = ?TableAlias.connection_id").
		Where("gc.status = ?", string(core.ConnectionStatusActive)).
		OrderExpr("?TableAlias.provider ASC, ?TableAlias.external_resource_id ASC").
		Scan(ctx); err != nil {
		return nil, err
	}
	routes := make([]core.Route, 0, len(records))
	for i := range records {
		routes = append(routes, records[i].toDomain().Route())
	}
	return routes, nil
}

func (s *ConnectionStore) mutate(ctx context.Context, id string, fn func(record *connectionRecord)) error {
	if s == nil || s.db == nil || s.repo == nil {
		return fmt.Errorf("sqlstore: connection store is not configured")
	}
	id = strings.TrimSpace(id)
	record, found, err := findConnection(ctx, s.db, id)
	if err != nil {
		return err
	}
	if !found {
		return core.ErrNotFound
	}
	fn(record)
	record.UpdatedAt = s.now()
	_, err = s.repo.Update(ctx, record, repository.UpdateByID(id))
	return err
}

func (s *ConnectionStore) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func findConnection(ctx context.Context, db bun.IDB, id string) (*connectionRecord, bool, error) {
	if id == "" {
		return nil, false, nil
	}
	record := &connectionRecord{}
	err := db.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return record, true, nil
}

// checkResource rejects a resource bound to another active connection. The
// current binding, if any, is returned.
func checkResource(ctx context.Context, db bun.IDB, resource core.Resource) (core.Resource, *resourceRecord, error) {
	resource.ExternalResourceID = strings.TrimSpace(resource.ExternalResourceID)
	resource.DisplayName = strings.TrimSpace(resource.DisplayName)
	if resource.ExternalResourceID == "" {
		return core.Resource{}, nil, fmt.Errorf("sqlstore: external resource id is required")
	}
	existing := &resourceRecord{}
	err := db.NewSelect().
		Model(existing).
		Where("?TableAlias.provider = ?", resource.Provider).
		Where("?TableAlias.external_resource_id = ?", resource.ExternalResourceID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return resource, nil, nil
		}
		return core.Resource{}, nil, err
	}
	if existing.ConnectionID != resource.ConnectionID {
		owner, found, err := findConnection(ctx, db, existing.ConnectionID)
		if err != nil {
			return core.Resource{}, nil, err
		}
		if found && owner.Status == string(core.ConnectionStatusActive) {
			return core.Resource{}, nil, fmt.Errorf("%w: resource %s is bound to another connection", core.ErrConflict, resource.ExternalResourceID)
		}
	}
	return resource, existing, nil
}

func upsertResource(ctx context.Context, db bun.IDB, resource core.Resource) error {
	_, err := db.NewInsert().
		Model(newResourceRecord(resource)).
		On("CONFLICT (provider, external_resource_id) DO UPDATE").
		Set("connection_id = EXCLUDED.connection_id").
		Set("tenant_id = EXCLUDED.tenant_id").
		Set("display_name = EXCLUDED.display_name").
		Set("created_at = EXCLUDED.created_at").
		Exec(ctx)
	return err
}
