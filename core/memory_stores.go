package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryCredentialStore holds sealed credentials keyed by connection id.
type MemoryCredentialStore struct {
	mu      sync.Mutex
	entries map[string]SealedCredential
}

func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{entries: map[string]SealedCredential{}}
}

func (s *MemoryCredentialStore) Save(_ context.Context, sealed SealedCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(sealed)
}

func (s *MemoryCredentialStore) saveLocked(sealed SealedCredential) error {
	sealed.ConnectionID = strings.TrimSpace(sealed.ConnectionID)
	if sealed.ConnectionID == "" {
		return fmt.Errorf("core: credential connection id is required")
	}
	if len(sealed.Ciphertext) == 0 {
		return fmt.Errorf("core: credential ciphertext is required")
	}
	if existing, ok := s.entries[sealed.ConnectionID]; ok {
		sealed.Version = existing.Version + 1
	} else if sealed.Version < 1 {
		sealed.Version = 1
	}
	sealed.Ciphertext = append([]byte(nil), sealed.Ciphertext...)
	s.entries[sealed.ConnectionID] = sealed
	return nil
}

func (s *MemoryCredentialStore) Get(_ context.Context, connectionID string) (SealedCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sealed, ok := s.entries[strings.TrimSpace(connectionID)]
	if !ok {
		return SealedCredential{}, ErrNotFound
	}
	sealed.Ciphertext = append([]byte(nil), sealed.Ciphertext...)
	return sealed, nil
}

func (s *MemoryCredentialStore) Delete(_ context.Context, connectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, strings.TrimSpace(connectionID))
	return nil
}

// MemoryConnectionStore is a ConnectionStore that writes credentials through
// the paired MemoryCredentialStore so creation stays all-or-nothing.
type MemoryConnectionStore struct {
	mu          sync.Mutex
	credentials *MemoryCredentialStore
	connections map[string]Connection
	resources   map[string]Resource
	Now         func() time.Time
}

func NewMemoryConnectionStore(credentials *MemoryCredentialStore) *MemoryConnectionStore {
	if credentials == nil {
		credentials = NewMemoryCredentialStore()
	}
	return &MemoryConnectionStore{
		credentials: credentials,
		connections: map[string]Connection{},
		resources:   map[string]Resource{},
	}
}

func (s *MemoryConnectionStore) Credentials() *MemoryCredentialStore {
	return s.credentials
}

func (s *MemoryConnectionStore) CreateWithCredential(
	_ context.Context,
	conn Connection,
	sealed SealedCredential,
	resources []Resource,
) (Connection, error) {
	conn.ID = strings.TrimSpace(conn.ID)
	conn.TenantID = strings.TrimSpace(conn.TenantID)
	conn.Provider = NormalizeProvider(conn.Provider)
	if conn.ID == "" || conn.TenantID == "" || conn.Provider == "" {
		return Connection{}, fmt.Errorf("core: connection id, tenant id and provider are required")
	}
	if strings.TrimSpace(sealed.ConnectionID) != conn.ID {
		return Connection{}, fmt.Errorf("core: sealed credential does not belong to connection %s", conn.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.connections[conn.ID]; ok {
		return existing, nil
	}
	prepared := make([]Resource, 0, len(resources))
	for _, resource := range resources {
		resource.ConnectionID = conn.ID
		resource.TenantID = conn.TenantID
		resource.Provider = conn.Provider
		normalized, err := s.checkResourceLocked(resource)
		if err != nil {
			return Connection{}, err
		}
		prepared = append(prepared, normalized)
	}

	now := s.now()
	if conn.Status == "" {
		conn.Status = ConnectionStatusActive
	}
	conn.CredentialRef = conn.ID
	conn.CreatedAt = now
	conn.UpdatedAt = now

	s.credentials.mu.Lock()
	err := s.credentials.saveLocked(sealed)
	s.credentials.mu.Unlock()
	if err != nil {
		return Connection{}, err
	}
	s.connections[conn.ID] = conn
	for _, resource := range prepared {
		resource.CreatedAt = now
		s.resources[RouteKey(resource.Provider, resource.ExternalResourceID)] = resource
	}
	return conn, nil
}

func (s *MemoryConnectionStore) Get(_ context.Context, id string) (Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.connections[strings.TrimSpace(id)]
	if !ok {
		return Connection{}, ErrNotFound
	}
	return conn, nil
}

func (s *MemoryConnectionStore) UpdateStatus(_ context.Context, id string, status ConnectionStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.connections[strings.TrimSpace(id)]
	if !ok {
		return ErrNotFound
	}
	if err := conn.TransitionTo(status, reason, s.now()); err != nil {
		return err
	}
	s.connections[conn.ID] = conn
	return nil
}

func (s *MemoryConnectionStore) SetWebhookID(_ context.Context, id string, webhookID string) error {
	return s.mutate(id, func(conn *Connection) {
		conn.WebhookID = strings.TrimSpace(webhookID)
	})
}

func (s *MemoryConnectionStore) TouchRefreshed(_ context.Context, id string, at time.Time) error {
	return s.mutate(id, func(conn *Connection) {
		at = at.UTC()
		conn.LastRefreshedAt = &at
	})
}

func (s *MemoryConnectionStore) LinkResource(_ context.Context, resource Resource) (Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.connections[strings.TrimSpace(resource.ConnectionID)]
	if !ok {
		return Resource{}, ErrNotFound
	}
	resource.ConnectionID = conn.ID
	resource.TenantID = conn.TenantID
	resource.Provider = conn.Provider
	normalized, err := s.checkResourceLocked(resource)
	if err != nil {
		return Resource{}, err
	}
	key := RouteKey(normalized.Provider, normalized.ExternalResourceID)
	if existing, ok := s.resources[key]; ok && existing.ConnectionID == normalized.ConnectionID {
		return existing, nil
	}
	normalized.CreatedAt = s.now()
	s.resources[key] = normalized
	return normalized, nil
}

func (s *MemoryConnectionStore) UnlinkResource(_ context.Context, connectionID string, provider string, resourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := RouteKey(NormalizeProvider(provider), resourceID)
	existing, ok := s.resources[key]
	if !ok || existing.ConnectionID != strings.TrimSpace(connectionID) {
		return ErrNotFound
	}
	delete(s.resources, key)
	return nil
}

func (s *MemoryConnectionStore) DeleteResources(_ context.Context, connectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	connectionID = strings.TrimSpace(connectionID)
	for key, resource := range s.resources {
		if resource.ConnectionID == connectionID {
			delete(s.resources, key)
		}
	}
	return nil
}

func (s *MemoryConnectionStore) ListResources(_ context.Context, connectionID string) ([]Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	connectionID = strings.TrimSpace(connectionID)
	out := make([]Resource, 0)
	for _, resource := range s.resources {
		if resource.ConnectionID == connectionID {
			out = append(out, resource)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ExternalResourceID < out[b].ExternalResourceID })
	return out, nil
}

func (s *MemoryConnectionStore) ListActiveRoutes(context.Context) ([]Route, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	routes := make([]Route, 0, len(s.resources))
	for _, resource := range s.resources {
		conn, ok := s.connections[resource.ConnectionID]
		if !ok || conn.Status != ConnectionStatusActive {
			continue
		}
		routes = append(routes, resource.Route())
	}
	sortRoutes(routes)
	return routes, nil
}

func (s *MemoryConnectionStore) checkResourceLocked(resource Resource) (Resource, error) {
	resource.ExternalResourceID = strings.TrimSpace(resource.ExternalResourceID)
	resource.DisplayName = strings.TrimSpace(resource.DisplayName)
	if resource.ExternalResourceID == "" {
		return Resource{}, fmt.Errorf("core: external resource id is required")
	}
	existing, ok := s.resources[RouteKey(resource.Provider, resource.ExternalResourceID)]
	if ok && existing.ConnectionID != resource.ConnectionID {
		if owner, found := s.connections[existing.ConnectionID]; found && owner.Status == ConnectionStatusActive {
			return Resource{}, fmt.Errorf("%w: resource %s is bound to another connection", ErrConflict, resource.ExternalResourceID)
		}
	}
	return resource, nil
}

func (s *MemoryConnectionStore) mutate(id string, fn func(conn *Connection)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.connections[strings.TrimSpace(id)]
	if !ok {
		return ErrNotFound
	}
	fn(&conn)
	conn.UpdatedAt = s.now()
	s.connections[conn.ID] = conn
	return nil
}

func (s *MemoryConnectionStore) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

type MemoryDeadLetterStore struct {
	mu      sync.Mutex
	letters map[string]DeadLetter
}

func NewMemoryDeadLetterStore() *MemoryDeadLetterStore {
	return &MemoryDeadLetterStore{letters: map[string]DeadLetter{}}
}

func (s *MemoryDeadLetterStore) Put(_ context.Context, letter DeadLetter) (DeadLetter, error) {
	letter, err := PrepareDeadLetter(letter, time.Now().UTC())
	if err != nil {
		return DeadLetter{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.letters[letter.ID] = cloneDeadLetter(letter)
	return cloneDeadLetter(letter), nil
}

func (s *MemoryDeadLetterStore) Get(_ context.Context, id string) (DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	letter, ok := s.letters[strings.TrimSpace(id)]
	if !ok {
		return DeadLetter{}, ErrNotFound
	}
	return cloneDeadLetter(letter), nil
}

func (s *MemoryDeadLetterStore) List(_ context.Context, filter DeadLetterFilter) ([]DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DeadLetter, 0)
	for _, letter := range s.letters {
		if filter.Matches(letter) {
			out = append(out, cloneDeadLetter(letter))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryDeadLetterStore) MarkReplayed(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	letter, ok := s.letters[strings.TrimSpace(id)]
	if !ok {
		return ErrNotFound
	}
	at = at.UTC()
	letter.ReplayedAt = &at
	s.letters[letter.ID] = letter
	return nil
}

// Matches reports whether letter satisfies the filter, ignoring Limit.
func (f DeadLetterFilter) Matches(letter DeadLetter) bool {
	if len(f.IDs) > 0 {
		found := false
		for _, id := range f.IDs {
			if strings.TrimSpace(id) == letter.ID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if provider := NormalizeProvider(f.Provider); provider != "" && provider != letter.Provider {
		return false
	}
	if f.Reason != "" && f.Reason != letter.Reason {
		return false
	}
	if !f.IncludeReplayed && letter.ReplayedAt != nil {
		return false
	}
	return true
}

// PrepareDeadLetter validates a letter and fills its id and timestamps.
func PrepareDeadLetter(letter DeadLetter, now time.Time) (DeadLetter, error) {
	letter.Provider = NormalizeProvider(letter.Provider)
	letter.DeliveryID = strings.TrimSpace(letter.DeliveryID)
	if letter.Provider == "" || letter.DeliveryID == "" {
		return DeadLetter{}, fmt.Errorf("core: dead letter requires provider and delivery id")
	}
	if letter.Reason == "" {
		return DeadLetter{}, fmt.Errorf("core: dead letter reason is required")
	}
	if strings.TrimSpace(letter.ID) == "" {
		letter.ID = NewSortableID(now)
	}
	if letter.CreatedAt.IsZero() {
		letter.CreatedAt = now
	}
	if len(letter.Payload) == 0 {
		letter.Payload = json.RawMessage("null")
	}
	return letter, nil
}

func cloneDeadLetter(letter DeadLetter) DeadLetter {
	letter.Payload = append(json.RawMessage(nil), letter.Payload...)
	if letter.ReplayedAt != nil {
		at := *letter.ReplayedAt
		letter.ReplayedAt = &at
	}
	return letter
}

func actorKey(tenantID string, correlationKey string) string {
	return strings.TrimSpace(tenantID) + "\x00" + strings.TrimSpace(correlationKey)
}

type MemoryActorIdentityStore struct {
	mu         sync.Mutex
	identities map[string]ActorIdentity
}

func NewMemoryActorIdentityStore() *MemoryActorIdentityStore {
	return &MemoryActorIdentityStore{identities: map[string]ActorIdentity{}}
}

func (s *MemoryActorIdentityStore) Get(_ context.Context, tenantID string, correlationKey string) (ActorIdentity, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	identity, ok := s.identities[actorKey(tenantID, correlationKey)]
	if !ok {
		return ActorIdentity{}, false, nil
	}
	return cloneActorIdentity(identity), true, nil
}

func (s *MemoryActorIdentityStore) Insert(_ context.Context, identity ActorIdentity) (bool, error) {
	key := actorKey(identity.TenantID, identity.CorrelationKey)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.identities[key]; exists {
		return false, nil
	}
	identity.Version = 1
	s.identities[key] = cloneActorIdentity(identity)
	return true, nil
}

func (s *MemoryActorIdentityStore) CompareAndSwap(_ context.Context, identity ActorIdentity, expectedVersion int) (bool, error) {
	key := actorKey(identity.TenantID, identity.CorrelationKey)
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.identities[key]
	if !ok || existing.Version != expectedVersion {
		return false, nil
	}
	identity.Version = expectedVersion + 1
	identity.CreatedAt = existing.CreatedAt
	s.identities[key] = cloneActorIdentity(identity)
	return true, nil
}

func cloneActorIdentity(identity ActorIdentity) ActorIdentity {
	identity.Aliases = append([]ObservedIdentity(nil), identity.Aliases...)
	return identity
}

type MemoryAttributionStore struct {
	mu           sync.Mutex
	attributions map[string][]Attribution
	Now          func() time.Time
}

func NewMemoryAttributionStore() *MemoryAttributionStore {
	return &MemoryAttributionStore{attributions: map[string][]Attribution{}}
}

// Record upserts by delivery id within the correlation key.
func (s *MemoryAttributionStore) Record(_ context.Context, attribution Attribution) error {
	if strings.TrimSpace(attribution.DeliveryID) == "" {
		return fmt.Errorf("core: attribution delivery id is required")
	}
	key := actorKey(attribution.TenantID, attribution.CorrelationKey)
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.attributions[key]
	for i := range rows {
		if rows[i].DeliveryID == attribution.DeliveryID {
			rows[i] = attribution
			return nil
		}
	}
	s.attributions[key] = append(rows, attribution)
	return nil
}

func (s *MemoryAttributionStore) Rewrite(_ context.Context, identity ActorIdentity, limit int) (int, error) {
	key := actorKey(identity.TenantID, identity.CorrelationKey)
	now := time.Now().UTC()
	if s.Now != nil {
		now = s.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.attributions[key]
	changed := 0
	for i := range rows {
		if limit > 0 && changed >= limit {
			break
		}
		if rows[i].ActorID == identity.ActorID && rows[i].ActorName == identity.Name && rows[i].Strength == identity.Strength {
			continue
		}
		rows[i].ActorID = identity.ActorID
		rows[i].ActorName = identity.Name
		rows[i].Strength = identity.Strength
		rows[i].UpdatedAt = now
		changed++
	}
	return changed, nil
}

func (s *MemoryAttributionStore) List(_ context.Context, tenantID string, correlationKey string) ([]Attribution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Attribution(nil), s.attributions[actorKey(tenantID, correlationKey)]...), nil
}

var (
	_ CredentialStore    = (*MemoryCredentialStore)(nil)
	_ ConnectionStore    = (*MemoryConnectionStore)(nil)
	_ DeadLetterStore    = (*MemoryDeadLetterStore)(nil)
	_ ActorIdentityStore = (*MemoryActorIdentityStore)(nil)
	_ AttributionStore   = (*MemoryAttributionStore)(nil)
)
