package sqlstore

import (
	"fmt"
	"time"

	"github.com/goliatone/go-integration-gateway/core"
	"github.com/goliatone/go-integration-gateway/workflow"
	persistence "github.com/goliatone/go-persistence-bun"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/uptrace/bun"
)

// RepositoryFactory builds every bun-backed gateway store over one database.
type RepositoryFactory struct {
	db *bun.DB

	dedupTTL     time.Duration
	cacheService repositorycache.CacheService

	connectionStore    *ConnectionStore
	cachedConnections  *CachedConnectionStore
	credentialStore    *CredentialStore
	idempotencyStore   *IdempotencyStore
	queueStore         *DeliveryQueueStore
	deadLetterStore    *DeadLetterStore
	actorIdentityStore *ActorIdentityStore
	attributionStore   *AttributionStore
	workflowRunStore   *WorkflowRunStore
}

type FactoryOption func(*RepositoryFactory)

// WithDedupTTL sets the default idempotency key lifetime.
func WithDedupTTL(ttl time.Duration) FactoryOption {
	return func(f *RepositoryFactory) {
		f.dedupTTL = ttl
	}
}

// WithConnectionCache fronts connection reads with cacheService.
func WithConnectionCache(cacheService repositorycache.CacheService) FactoryOption {
	return func(f *RepositoryFactory) {
		f.cacheService = cacheService
	}
}

func NewRepositoryFactory(opts ...FactoryOption) *RepositoryFactory {
	factory := &RepositoryFactory{}
	for _, opt := range opts {
		if opt != nil {
			opt(factory)
		}
	}
	return factory
}

func NewRepositoryFactoryFromPersistence(client *persistence.Client, opts ...FactoryOption) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory(opts...)
	if err := factory.Build(client); err != nil {
		return nil, err
	}
	return factory, nil
}

func NewRepositoryFactoryFromDB(db *bun.DB, opts ...FactoryOption) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory(opts...)
	if err := factory.Build(db); err != nil {
		return nil, err
	}
	return factory, nil
}

// Build resolves the bun database from a persistence client or *bun.DB and
// creates the stores. Calling it again is a no-op.
func (f *RepositoryFactory) Build(persistenceClient any) error {
	if f == nil {
		return fmt.Errorf("sqlstore: repository factory is nil")
	}
	if f.db == nil {
		db, err := resolveBunDB(persistenceClient)
		if err != nil {
			return err
		}
		f.db = db
	}
	if f.connectionStore != nil {
		return nil
	}
	return f.initStores()
}

func (f *RepositoryFactory) DB() *bun.DB {
	if f == nil {
		return nil
	}
	return f.db
}

// ConnectionStore returns the cached connection store when a cache service
// was configured.
func (f *RepositoryFactory) ConnectionStore() core.ConnectionStore {
	if f == nil {
		return nil
	}
	if f.cachedConnections != nil {
		return f.cachedConnections
	}
	return f.connectionStore
}

func (f *RepositoryFactory) CredentialStore() core.CredentialStore {
	if f == nil {
		return nil
	}
	return f.credentialStore
}

func (f *RepositoryFactory) IdempotencyStore() *IdempotencyStore {
	if f == nil {
		return nil
	}
	return f.idempotencyStore
}

func (f *RepositoryFactory) QueueStore() *DeliveryQueueStore {
	if f == nil {
		return nil
	}
	return f.queueStore
}

func (f *RepositoryFactory) DeadLetterStore() core.DeadLetterStore {
	if f == nil {
		return nil
	}
	return f.deadLetterStore
}

func (f *RepositoryFactory) ActorIdentityStore() core.ActorIdentityStore {
	if f == nil {
		return nil
	}
	return f.actorIdentityStore
}

func (f *RepositoryFactory) AttributionStore() core.AttributionStore {
	if f == nil {
		return nil
	}
	return f.attributionStore
}

func (f *RepositoryFactory) WorkflowRunStore() workflow.RunStore {
	if f == nil {
		return nil
	}
	return f.workflowRunStore
}

func (f *RepositoryFactory) initStores() error {
	var err error
	if f.connectionStore, err = NewConnectionStore(f.db); err != nil {
		return err
	}
	if f.cacheService != nil {
		if f.cachedConnections, err = NewCachedConnectionStore(f.connectionStore, f.cacheService); err != nil {
			return err
		}
	}
	if f.credentialStore, err = NewCredentialStore(f.db); err != nil {
		return err
	}
	if f.idempotencyStore, err = NewIdempotencyStore(f.db, f.dedupTTL); err != nil {
		return err
	}
	if f.queueStore, err = NewDeliveryQueueStore(f.db); err != nil {
		return err
	}
	if f.deadLetterStore, err = NewDeadLetterStore(f.db); err != nil {
		return err
	}
	if f.actorIdentityStore, err = NewActorIdentityStore(f.db); err != nil {
		return err
	}
	if f.attributionStore, err = NewAttributionStore(f.db); err != nil {
		return err
	}
	if f.workflowRunStore, err = NewWorkflowRunStore(f.db); err != nil {
		return err
	}
	return nil
}

func resolveBunDB(candidate any) (*bun.DB, error) {
	switch typed := candidate.(type) {
	case nil:
		return nil, fmt.Errorf("sqlstore: persistence client is required")
	case *bun.DB:
		return typed, nil
	case interface{ DB() *bun.DB }:
		db := typed.DB()
		if db == nil {
			return nil, fmt.Errorf("sqlstore: persistence client returned nil bun db")
		}
		return db, nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported persistence client type %T", candidate)
	}
}
