package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const defaultVendTTL = 5 * time.Minute

// SecretMetadataProvider is implemented by secret providers that expose the
// active key id and version.
type SecretMetadataProvider interface {
	Metadata() (keyID string, version int)
}

// CredentialVault encrypts credentials at rest and vends short-lived access
// tokens for active connections. Plaintext credentials never leave it except
// through Load for lifecycle steps and Vend for callers.
type CredentialVault struct {
	Secrets     SecretProvider
	Codec       CredentialCodec
	Store       CredentialStore
	Connections ConnectionStore
	VendTTL     time.Duration
	Now         func() time.Time
}

func NewCredentialVault(
	secrets SecretProvider,
	store CredentialStore,
	connections ConnectionStore,
	vendTTL time.Duration,
) (*CredentialVault, error) {
	if secrets == nil {
		return nil, fmt.Errorf("core: secret provider is required")
	}
	if store == nil {
		return nil, fmt.Errorf("core: credential store is required")
	}
	if vendTTL <= 0 {
		vendTTL = defaultVendTTL
	}
	return &CredentialVault{
		Secrets:     secrets,
		Codec:       JSONCredentialCodec{},
		Store:       store,
		Connections: connections,
		VendTTL:     vendTTL,
	}, nil
}

// Seal encrypts a credential without persisting it.
func (v *CredentialVault) Seal(ctx context.Context, connectionID string, credential Credential) (SealedCredential, error) {
	if v == nil || v.Secrets == nil {
		return SealedCredential{}, fmt.Errorf("core: credential vault is not configured")
	}
	connectionID = strings.TrimSpace(connectionID)
	if connectionID == "" {
		return SealedCredential{}, fmt.Errorf("core: connection id is required")
	}
	plaintext, err := v.codec().Encode(credential)
	if err != nil {
		return SealedCredential{}, err
	}
	ciphertext, err := v.Secrets.Encrypt(ctx, plaintext)
	if err != nil {
		return SealedCredential{}, fmt.Errorf("core: seal credential: %w", err)
	}
	sealed := SealedCredential{
		ConnectionID: connectionID,
		Ciphertext:   ciphertext,
		ExpiresAt:    cloneTimePointer(credential.ExpiresAt),
		Version:      1,
		UpdatedAt:    v.now(),
	}
	if meta, ok := v.Secrets.(SecretMetadataProvider); ok {
		sealed.KeyID, _ = meta.Metadata()
	}
	return sealed, nil
}

// Put seals and stores a credential, replacing any previous one.
func (v *CredentialVault) Put(ctx context.Context, connectionID string, credential Credential) error {
	if v == nil || v.Store == nil {
		return fmt.Errorf("core: credential vault is not configured")
	}
	sealed, err := v.Seal(ctx, connectionID, credential)
	if err != nil {
		return err
	}
	return v.Store.Save(ctx, sealed)
}

// Load returns the decrypted credential. A missing credential is reported as
// no_token.
func (v *CredentialVault) Load(ctx context.Context, connectionID string) (Credential, error) {
	if v == nil || v.Store == nil || v.Secrets == nil {
		return Credential{}, fmt.Errorf("core: credential vault is not configured")
	}
	sealed, err := v.Store.Get(ctx, strings.TrimSpace(connectionID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Credential{}, NewError(ErrorNoToken, "no credential stored for connection")
		}
		return Credential{}, err
	}
	return v.Open(ctx, sealed)
}

func (v *CredentialVault) Open(ctx context.Context, sealed SealedCredential) (Credential, error) {
	if v == nil || v.Secrets == nil {
		return Credential{}, fmt.Errorf("core: credential vault is not configured")
	}
	plaintext, err := v.Secrets.Decrypt(ctx, sealed.Ciphertext)
	if err != nil {
		return Credential{}, fmt.Errorf("core: open credential: %w", err)
	}
	return v.codec().Decode(plaintext)
}

// Vend returns the access token of an active connection. The reported expiry
// is capped at VendTTL so callers re-request instead of caching tokens.
func (v *CredentialVault) Vend(ctx context.Context, connectionID string) (VendedToken, error) {
	if v == nil || v.Connections == nil {
		return VendedToken{}, fmt.Errorf("core: credential vault is not configured")
	}
	connectionID = strings.TrimSpace(connectionID)
	if connectionID == "" {
		return VendedToken{}, NewError(ErrorBadInput, "connection id is required")
	}
	conn, err := v.Connections.Get(ctx, connectionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return VendedToken{}, NewError(ErrorNoToken, "connection not found")
		}
		return VendedToken{}, err
	}
	if conn.Status != ConnectionStatusActive {
		return VendedToken{}, NewError(ErrorNoToken, "connection is not active").
			WithMetadata(map[string]any{"status": string(conn.Status)})
	}
	credential, err := v.Load(ctx, connectionID)
	if err != nil {
		return VendedToken{}, err
	}
	if strings.TrimSpace(credential.AccessToken) == "" {
		return VendedToken{}, NewError(ErrorNoToken, "credential has no access token")
	}
	now := v.now()
	if credential.ExpiresAt != nil && !credential.ExpiresAt.After(now) {
		return VendedToken{}, NewError(ErrorNoToken, "credential expired")
	}
	expiresAt := now.Add(v.VendTTL)
	if credential.ExpiresAt != nil && credential.ExpiresAt.Before(expiresAt) {
		expiresAt = credential.ExpiresAt.UTC()
	}
	return VendedToken{
		ConnectionID: connectionID,
		AccessToken:  credential.AccessToken,
		ExpiresAt:    expiresAt,
	}, nil
}

func (v *CredentialVault) Delete(ctx context.Context, connectionID string) error {
	if v == nil || v.Store == nil {
		return fmt.Errorf("core: credential vault is not configured")
	}
	err := v.Store.Delete(ctx, strings.TrimSpace(connectionID))
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func (v *CredentialVault) codec() CredentialCodec {
	if v.Codec == nil {
		return JSONCredentialCodec{}
	}
	return v.Codec
}

func (v *CredentialVault) now() time.Time {
	if v != nil && v.Now != nil {
		return v.Now().UTC()
	}
	return time.Now().UTC()
}
