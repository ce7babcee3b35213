package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-integration-gateway/core"
	"github.com/uptrace/bun"
)

const upsertCredentialSQL = `
INSERT INTO gateway_credentials (connection_id, ciphertext, key_id, version, expires_at, updated_at)
VALUES (?, ?, ?, 1, ?, ?)
ON CONFLICT (connection_id) DO UPDATE SET
	ciphertext = excluded.ciphertext,
	key_id = excluded.key_id,
	version = gateway_credentials.version + 1,
	expires_at = excluded.expires_at,
	updated_at = excluded.updated_at
`

// CredentialStore keeps one sealed credential per connection. Saving over an
// existing credential bumps its version.
type CredentialStore struct {
	db  *bun.DB
	Now func() time.Time
}

func NewCredentialStore(db *bun.DB) (*CredentialStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &CredentialStore{db: db}, nil
}

func (s *CredentialStore) Save(ctx context.Context, sealed core.SealedCredential) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: credential store is not configured")
	}
	now := time.Now().UTC()
	if s.Now != nil {
		now = s.Now().UTC()
	}
	return saveCredential(ctx, s.db, sealed, now)
}

func (s *CredentialStore) Get(ctx context.Context, connectionID string) (core.SealedCredential, error) {
	if s == nil || s.db == nil {
		return core.SealedCredential{}, fmt.Errorf("sqlstore: credential store is not configured")
	}
	record := &credentialRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.connection_id = ?", strings.TrimSpace(connectionID)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return core.SealedCredential{}, core.ErrNotFound
		}
		return core.SealedCredential{}, err
	}
	return record.toDomain(), nil
}

func (s *CredentialStore) Delete(ctx context.Context, connectionID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: credential store is not configured")
	}
	_, err := s.db.NewDelete().
		Model((*credentialRecord)(nil)).
		Where("connection_id = ?", strings.TrimSpace(connectionID)).
		Exec(ctx)
	return err
}

func saveCredential(ctx context.Context, db execer, sealed core.SealedCredential, now time.Time) error {
	connectionID := strings.TrimSpace(sealed.ConnectionID)
	if connectionID == "" {
		return fmt.Errorf("sqlstore: credential connection id is required")
	}
	if len(sealed.Ciphertext) == 0 {
		return fmt.Errorf("sqlstore: credential ciphertext is required")
	}
	var expiresAt any
	if sealed.ExpiresAt != nil && !sealed.ExpiresAt.IsZero() {
		expiresAt = sealed.ExpiresAt.UTC()
	}
	_, err := db.ExecContext(ctx, upsertCredentialSQL,
		connectionID,
		sealed.Ciphertext,
		strings.TrimSpace(sealed.KeyID),
		expiresAt,
		now,
	)
	return err
}
