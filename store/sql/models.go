package sqlstore

import (
	"time"

	"github.com/uptrace/bun"
)

type connectionRecord struct {
	bun.BaseModel `bun:"table:gateway_connections,alias:gc"`

	ID                  string     `bun:"id,pk"`
	TenantID            string     `bun:"tenant_id,notnull"`
	Provider            string     `bun:"provider,notnull"`
	ExternalAccountID   string     `bun:"external_account_id,notnull"`
	ExternalAccountType string     `bun:"external_account_type,notnull"`
	Status              string     `bun:"status,notnull"`
	CredentialRef       string     `bun:"credential_ref,notnull"`
	WebhookID           string     `bun:"webhook_id,notnull"`
	LastError           string     `bun:"last_error,notnull"`
	LastRefreshedAt     *time.Time `bun:"last_refreshed_at,nullzero"`
	LastValidatedAt     *time.Time `bun:"last_validated_at,nullzero"`
	CreatedAt           time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt           time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type resourceRecord struct {
	bun.BaseModel `bun:"table:gateway_resources,alias:gr"`

	Provider           string    `bun:"provider,pk"`
	ExternalResourceID string    `bun:"external_resource_id,pk"`
	ConnectionID       string    `bun:"connection_id,notnull"`
	TenantID           string    `bun:"tenant_id,notnull"`
	DisplayName        string    `bun:"display_name,notnull"`
	CreatedAt          time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

type credentialRecord struct {
	bun.BaseModel `bun:"table:gateway_credentials,alias:gcr"`

	ConnectionID string     `bun:"connection_id,pk"`
	Ciphertext   []byte     `bun:"ciphertext,notnull"`
	KeyID        string     `bun:"key_id,notnull"`
	Version      int        `bun:"version,notnull"`
	ExpiresAt    *time.Time `bun:"expires_at,nullzero"`
	UpdatedAt    time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type idempotencyRecord struct {
	bun.BaseModel `bun:"table:gateway_idempotency_keys,alias:gik"`

	Key       string    `bun:"idem_key,pk"`
	Value     string    `bun:"value,notnull"`
	ExpiresAt time.Time `bun:"expires_at,notnull"`
	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

type queueRecord struct {
	bun.BaseModel `bun:"table:gateway_delivery_queue,alias:gdq"`

	ID            string     `bun:"id,pk"`
	DedupID       string     `bun:"dedup_id,notnull"`
	Envelope      string     `bun:"envelope,notnull"`
	Attempts      int        `bun:"attempts,notnull"`
	MaxAttempts   int        `bun:"max_attempts,notnull"`
	Status        string     `bun:"status,notnull"`
	NextAttemptAt *time.Time `bun:"next_attempt_at,nullzero"`
	LastError     string     `bun:"last_error,notnull"`
	CreatedAt     time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt     time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type deadLetterRecord struct {
	bun.BaseModel `bun:"table:gateway_dead_letters,alias:gdl"`

	ID             string     `bun:"id,pk"`
	Provider       string     `bun:"provider,notnull"`
	DeliveryID     string     `bun:"delivery_id,notnull"`
	EventType      string     `bun:"event_type,notnull"`
	ResourceID     string     `bun:"resource_id,notnull"`
	ConnectionID   string     `bun:"connection_id,notnull"`
	TenantID       string     `bun:"tenant_id,notnull"`
	CorrelationKey string     `bun:"correlation_key,notnull"`
	Actor          actorJSON  `bun:"actor,type:jsonb,notnull"`
	Reason         string     `bun:"reason,notnull"`
	Payload        string     `bun:"payload,notnull"`
	Attempts       int        `bun:"attempts,notnull"`
	LastError      string     `bun:"last_error,notnull"`
	ReceivedAt     time.Time  `bun:"received_at,notnull"`
	CreatedAt      time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	ReplayedAt     *time.Time `bun:"replayed_at,nullzero"`
}

type actorJSON struct {
	Provider string `json:"provider,omitempty"`
	ID       string `json:"id,omitempty"`
	Name     string `json:"name,omitempty"`
}

type actorIdentityRecord struct {
	bun.BaseModel `bun:"table:gateway_actor_identities,alias:gai"`

	TenantID       string      `bun:"tenant_id,pk"`
	CorrelationKey string      `bun:"correlation_key,pk"`
	ActorID        string      `bun:"actor_id,notnull"`
	Name           string      `bun:"name,notnull"`
	Provider       string      `bun:"provider,notnull"`
	Strength       int         `bun:"strength,notnull"`
	Aliases        []actorJSON `bun:"aliases,type:jsonb,notnull"`
	Version        int         `bun:"version,notnull"`
	CreatedAt      time.Time   `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt      time.Time   `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type attributionRecord struct {
	bun.BaseModel `bun:"table:gateway_attributions,alias:gat"`

	TenantID       string    `bun:"tenant_id,pk"`
	CorrelationKey string    `bun:"correlation_key,pk"`
	DeliveryID     string    `bun:"delivery_id,pk"`
	ActorID        string    `bun:"actor_id,notnull"`
	ActorName      string    `bun:"actor_name,notnull"`
	Strength       int       `bun:"strength,notnull"`
	UpdatedAt      time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type workflowRunRecord struct {
	bun.BaseModel `bun:"table:gateway_workflow_runs,alias:gwr"`

	ID          string            `bun:"id,pk"`
	Workflow    string            `bun:"workflow,notnull"`
	Key         *string           `bun:"run_key"`
	Status      string            `bun:"status,notnull"`
	Step        int               `bun:"step,notnull"`
	StepName    string            `bun:"step_name,notnull"`
	Attempts    int               `bun:"attempts,notnull"`
	State       map[string]string `bun:"state,type:jsonb,notnull"`
	LastError   string            `bun:"last_error,notnull"`
	NextRunAt   *time.Time        `bun:"next_run_at,nullzero"`
	CreatedAt   time.Time         `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt   time.Time         `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
	CompletedAt *time.Time        `bun:"completed_at,nullzero"`
}
