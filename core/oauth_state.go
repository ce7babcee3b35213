package core

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	defaultOAuthStateTTL = 15 * time.Minute
	oauthStateKeyPrefix  = "oauth_state:"
)

// OAuthState binds an authorization redirect to the tenant that started it.
type OAuthState struct {
	State       string    `json:"state"`
	Provider    string    `json:"provider"`
	TenantID    string    `json:"tenantId"`
	RedirectURI string    `json:"redirectUri,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// OAuthStateStore keeps single-use authorization state on top of an
// IdempotencyStore.
type OAuthStateStore struct {
	Store IdempotencyStore
	TTL   time.Duration
	Now   func() time.Time
}

func NewOAuthStateStore(store IdempotencyStore, ttl time.Duration) *OAuthStateStore {
	if ttl <= 0 {
		ttl = defaultOAuthStateTTL
	}
	return &OAuthStateStore{Store: store, TTL: ttl}
}

func (s *OAuthStateStore) Save(ctx context.Context, record OAuthState) (OAuthState, error) {
	if s == nil || s.Store == nil {
		return OAuthState{}, fmt.Errorf("core: oauth state store is not configured")
	}
	record.State = strings.TrimSpace(record.State)
	if record.State == "" {
		generated, err := GenerateOAuthState()
		if err != nil {
			return OAuthState{}, err
		}
		record.State = generated
	}
	record.Provider = NormalizeProvider(record.Provider)
	record.TenantID = strings.TrimSpace(record.TenantID)
	if record.TenantID == "" {
		return OAuthState{}, NewError(ErrorBadInput, "tenant id is required")
	}
	record.CreatedAt = s.now()
	record.ExpiresAt = record.CreatedAt.Add(s.TTL)

	encoded, err := json.Marshal(record)
	if err != nil {
		return OAuthState{}, fmt.Errorf("core: encode oauth state: %w", err)
	}
	created, err := s.Store.SetIfAbsent(ctx, oauthStateKeyPrefix+record.State, string(encoded), s.TTL)
	if err != nil {
		return OAuthState{}, err
	}
	if !created {
		return OAuthState{}, NewError(ErrorConflict, "oauth state already issued")
	}
	return record, nil
}

// Consume returns the state and removes it. A second call for the same state
// fails with invalid_state.
func (s *OAuthStateStore) Consume(ctx context.Context, provider string, state string) (OAuthState, error) {
	if s == nil || s.Store == nil {
		return OAuthState{}, fmt.Errorf("core: oauth state store is not configured")
	}
	state = strings.TrimSpace(state)
	if state == "" {
		return OAuthState{}, NewError(ErrorInvalidState, "oauth state is required")
	}
	raw, ok, err := s.Store.Take(ctx, oauthStateKeyPrefix+state)
	if err != nil {
		return OAuthState{}, err
	}
	if !ok {
		return OAuthState{}, NewError(ErrorInvalidState, "oauth state is unknown or expired")
	}
	var record OAuthState
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return OAuthState{}, WrapError(err, ErrorInvalidState, "oauth state is malformed")
	}
	if record.Provider != NormalizeProvider(provider) {
		return OAuthState{}, NewError(ErrorInvalidState, "oauth state was issued for another provider")
	}
	return record, nil
}

func (s *OAuthStateStore) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func GenerateOAuthState() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("core: generate oauth state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
