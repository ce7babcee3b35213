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

// MemoryDeliveryQueue is an in-process QueueStore. A dedup id stays reserved
// after delivery until Discard or PurgeDelivered removes the message.
type MemoryDeliveryQueue struct {
	mu        sync.Mutex
	messages  map[string]*QueueMessage
	byDedup   map[string]string
	delivered map[string]time.Time
	Now       func() time.Time
}

func NewMemoryDeliveryQueue() *MemoryDeliveryQueue {
	return &MemoryDeliveryQueue{
		messages:  map[string]*QueueMessage{},
		byDedup:   map[string]string{},
		delivered: map[string]time.Time{},
	}
}

func (q *MemoryDeliveryQueue) Publish(_ context.Context, msg QueueMessage) error {
	if q == nil {
		return fmt.Errorf("core: delivery queue is nil")
	}
	msg, err := PrepareQueueMessage(msg, q.now())
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.byDedup[msg.DedupID]; exists {
		return ErrDuplicateMessage
	}
	stored := msg
	q.messages[msg.ID] = &stored
	q.byDedup[msg.DedupID] = msg.ID
	return nil
}

func (q *MemoryDeliveryQueue) ClaimBatch(_ context.Context, limit int, now time.Time) ([]QueueMessage, error) {
	if q == nil {
		return nil, fmt.Errorf("core: delivery queue is nil")
	}
	if limit <= 0 {
		limit = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	ready := make([]*QueueMessage, 0)
	for _, msg := range q.messages {
		if msg.Status != QueueStatusPending {
			continue
		}
		if msg.NextAttemptAt != nil && msg.NextAttemptAt.After(now) {
			continue
		}
		ready = append(ready, msg)
	}
	sort.Slice(ready, func(a, b int) bool {
		if !ready[a].CreatedAt.Equal(ready[b].CreatedAt) {
			return ready[a].CreatedAt.Before(ready[b].CreatedAt)
		}
		return ready[a].ID < ready[b].ID
	})
	if len(ready) > limit {
		ready = ready[:limit]
	}
	claimed := make([]QueueMessage, 0, len(ready))
	for _, msg := range ready {
		msg.Status = QueueStatusProcessing
		msg.Attempts++
		claimed = append(claimed, *msg)
	}
	return claimed, nil
}

func (q *MemoryDeliveryQueue) Ack(_ context.Context, id string) error {
	now := q.now()
	return q.update(id, func(msg *QueueMessage) {
		msg.Status = QueueStatusDelivered
		msg.NextAttemptAt = nil
		msg.LastError = ""
		q.delivered[msg.ID] = now
	})
}

func (q *MemoryDeliveryQueue) Retry(_ context.Context, id string, cause error, nextAttemptAt time.Time) error {
	return q.update(id, func(msg *QueueMessage) {
		msg.Status = QueueStatusPending
		next := nextAttemptAt.UTC()
		msg.NextAttemptAt = &next
		if cause != nil {
			msg.LastError = cause.Error()
		}
	})
}

func (q *MemoryDeliveryQueue) Discard(_ context.Context, id string) error {
	if q == nil {
		return fmt.Errorf("core: delivery queue is nil")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	msg, ok := q.messages[strings.TrimSpace(id)]
	if !ok {
		return ErrNotFound
	}
	q.remove(msg)
	return nil
}

// PurgeDelivered removes messages acknowledged at or before the cutoff and
// frees their dedup ids.
func (q *MemoryDeliveryQueue) PurgeDelivered(_ context.Context, before time.Time) (int64, error) {
	if q == nil {
		return 0, fmt.Errorf("core: delivery queue is nil")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	var purged int64
	for id, at := range q.delivered {
		if at.After(before) {
			continue
		}
		if msg, ok := q.messages[id]; ok {
			q.remove(msg)
			purged++
		} else {
			delete(q.delivered, id)
		}
	}
	return purged, nil
}

func (q *MemoryDeliveryQueue) remove(msg *QueueMessage) {
	delete(q.messages, msg.ID)
	delete(q.byDedup, msg.DedupID)
	delete(q.delivered, msg.ID)
}

// Messages returns a copy of every stored message ordered by creation.
func (q *MemoryDeliveryQueue) Messages() []QueueMessage {
	if q == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]QueueMessage, 0, len(q.messages))
	for _, msg := range q.messages {
		out = append(out, *msg)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

func (q *MemoryDeliveryQueue) update(id string, fn func(msg *QueueMessage)) error {
	if q == nil {
		return fmt.Errorf("core: delivery queue is nil")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	msg, ok := q.messages[strings.TrimSpace(id)]
	if !ok {
		return ErrNotFound
	}
	fn(msg)
	return nil
}

func (q *MemoryDeliveryQueue) now() time.Time {
	if q != nil && q.Now != nil {
		return q.Now().UTC()
	}
	return time.Now().UTC()
}

// PrepareQueueMessage assigns the id and publish defaults of a new message.
func PrepareQueueMessage(msg QueueMessage, now time.Time) (QueueMessage, error) {
	msg.DedupID = strings.TrimSpace(msg.DedupID)
	if msg.DedupID == "" {
		msg.DedupID = msg.Envelope.DedupID()
	}
	if strings.TrimSpace(msg.Envelope.DeliveryID) == "" || strings.TrimSpace(msg.Envelope.Provider) == "" {
		return QueueMessage{}, fmt.Errorf("core: queue message envelope requires provider and delivery id")
	}
	if strings.TrimSpace(msg.ID) == "" {
		msg.ID = NewSortableID(now)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	if msg.MaxAttempts < 1 {
		msg.MaxAttempts = DefaultConfig().Queue.MaxAttempts
	}
	msg.Status = QueueStatusPending
	msg.Attempts = 0
	msg.NextAttemptAt = nil
	return msg, nil
}

// DeadLetterFromEnvelope builds the dead-letter record for an envelope the
// consumer never accepted.
func DeadLetterFromEnvelope(msg QueueMessage, cause error, now time.Time) DeadLetter {
	envelope := msg.Envelope
	letter := DeadLetter{
		ID:           NewSortableID(now),
		Provider:     envelope.Provider,
		DeliveryID:   envelope.DeliveryID,
		EventType:    envelope.EventType,
		ResourceID:   StringValue(envelope.ResourceID),
		ConnectionID: envelope.ConnectionID,
		TenantID:     envelope.TenantID,
		Reason:       DeadLetterDeliveryFailed,
		Payload:      append(json.RawMessage(nil), envelope.Payload...),
		Attempts:     msg.Attempts,
		ReceivedAt:   envelope.ReceivedAt,
		CreatedAt:    now,
	}
	if envelope.Actor != nil {
		letter.CorrelationKey = envelope.Actor.CorrelationKey
		letter.Actor = ObservedIdentity{
			Provider: envelope.Provider,
			ID:       envelope.Actor.ID,
			Name:     envelope.Actor.Name,
		}
	}
	if cause != nil {
		letter.LastError = cause.Error()
	}
	return letter
}

type QueueDispatcher struct {
	store       QueueStore
	consumer    Consumer
	deadLetters DeadLetterStore
	tracker     DeliveryTracker
	backoff     BackoffScheduler
	config      QueueConfig
	observer    Observer
	now         func() time.Time
}

func NewQueueDispatcher(
	store QueueStore,
	consumer Consumer,
	deadLetters DeadLetterStore,
	config QueueConfig,
	observer Observer,
) (*QueueDispatcher, error) {
	if store == nil {
		return nil, fmt.Errorf("core: queue store is required")
	}
	if consumer == nil {
		return nil, fmt.Errorf("core: consumer is required")
	}
	if deadLetters == nil {
		return nil, fmt.Errorf("core: dead letter store is required")
	}
	defaults := DefaultConfig().Queue
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = defaults.InitialBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = defaults.MaxBackoff
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	return &QueueDispatcher{
		store:       store,
		consumer:    consumer,
		deadLetters: deadLetters,
		backoff:     ExponentialBackoff{Initial: config.InitialBackoff, Max: config.MaxBackoff},
		config:      config,
		observer:    observer,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}, nil
}

func (d *QueueDispatcher) WithTracker(tracker DeliveryTracker) *QueueDispatcher {
	d.tracker = tracker
	return d
}

func (d *QueueDispatcher) WithClock(now func() time.Time) *QueueDispatcher {
	if now != nil {
		d.now = now
	}
	return d
}

// DispatchPending delivers one batch of due messages.
func (d *QueueDispatcher) DispatchPending(ctx context.Context, batchSize int) (DispatchStats, error) {
	if d == nil || d.store == nil {
		return DispatchStats{}, fmt.Errorf("core: queue dispatcher is not configured")
	}
	limit := batchSize
	if limit <= 0 {
		limit = d.config.BatchSize
	}
	messages, err := d.store.ClaimBatch(ctx, limit, d.now())
	if err != nil {
		return DispatchStats{}, err
	}

	stats := DispatchStats{Claimed: len(messages)}
	var dispatchErr error
	for _, msg := range messages {
		startedAt := time.Now()
		deliverErr := d.consumer.Deliver(ctx, msg.Envelope)
		d.observer.Observe(ctx, startedAt, "queue.deliver", deliverErr, map[string]any{
			"provider":      msg.Envelope.Provider,
			"delivery_id":   msg.Envelope.DeliveryID,
			"connection_id": msg.Envelope.ConnectionID,
			"attempt":       msg.Attempts,
		})
		if deliverErr == nil {
			if err := d.store.Ack(ctx, msg.ID); err != nil {
				dispatchErr = joinErrors(dispatchErr, err)
				continue
			}
			stats.Delivered++
			if d.tracker != nil {
				d.tracker.OnDelivered(ctx, msg)
			}
			continue
		}

		maxAttempts := msg.MaxAttempts
		if maxAttempts < 1 {
			maxAttempts = d.config.MaxAttempts
		}
		if msg.Attempts >= maxAttempts {
			if err := d.deadLetter(ctx, msg, deliverErr); err != nil {
				dispatchErr = joinErrors(dispatchErr, err)
				continue
			}
			stats.DeadLettered++
			continue
		}
		next := d.now().Add(d.backoff.NextDelay(msg.Attempts))
		if err := d.store.Retry(ctx, msg.ID, deliverErr, next); err != nil {
			dispatchErr = joinErrors(dispatchErr, err)
			continue
		}
		stats.Retried++
		if d.tracker != nil {
			d.tracker.OnRetry(ctx, msg, deliverErr, next)
		}
	}
	return stats, dispatchErr
}

// Run polls the store until ctx is cancelled.
func (d *QueueDispatcher) Run(ctx context.Context) error {
	if d == nil {
		return fmt.Errorf("core: queue dispatcher is nil")
	}
	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := d.DispatchPending(ctx, 0); err != nil && ctx.Err() == nil {
			d.observer.Warn(ctx, "queue dispatch pass failed", map[string]any{"error": err.Error()})
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (d *QueueDispatcher) deadLetter(ctx context.Context, msg QueueMessage, cause error) error {
	letter, err := d.deadLetters.Put(ctx, DeadLetterFromEnvelope(msg, cause, d.now()))
	if err != nil {
		return err
	}
	if err := d.store.Discard(ctx, msg.ID); err != nil {
		return err
	}
	d.observer.Count(ctx, "queue.dead_lettered", map[string]string{
		"provider": msg.Envelope.Provider,
		"status":   "failure",
	})
	if d.tracker != nil {
		d.tracker.OnDeadLettered(ctx, letter)
	}
	return nil
}

func joinErrors(existing error, next error) error {
	if existing == nil {
		return next
	}
	if next == nil {
		return existing
	}
	return fmt.Errorf("%w; %v", existing, next)
}

var _ QueueStore = (*MemoryDeliveryQueue)(nil)
