package sqlstore

import (
	"github.com/goliatone/go-integration-gateway/core"
	"github.com/goliatone/go-integration-gateway/workflow"
)

var (
	_ core.ConnectionStore    = (*ConnectionStore)(nil)
	_ core.ConnectionStore    = (*CachedConnectionStore)(nil)
	_ core.CredentialStore    = (*CredentialStore)(nil)
	_ core.IdempotencyStore   = (*IdempotencyStore)(nil)
	_ core.QueueStore         = (*DeliveryQueueStore)(nil)
	_ core.DeliveredPurger    = (*DeliveryQueueStore)(nil)
	_ core.ExpiredKeyPurger   = (*IdempotencyStore)(nil)
	_ core.DeadLetterStore    = (*DeadLetterStore)(nil)
	_ core.ActorIdentityStore = (*ActorIdentityStore)(nil)
	_ core.AttributionStore   = (*AttributionStore)(nil)
	_ workflow.RunStore       = (*WorkflowRunStore)(nil)
)
