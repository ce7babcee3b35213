package gojob

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
)

// MemoryQueue is an in-process go-job backend. Messages become visible again
// after a delayed nack and a drop-policy message is ignored while another
// message with the same idempotency key is still pending.
type MemoryQueue struct {
	mu       sync.Mutex
	pending  []memoryEntry
	inflight map[*job.ExecutionMessage]struct{}
	dead     []*job.ExecutionMessage

	Now func() time.Time
}

type memoryEntry struct {
	msg     *job.ExecutionMessage
	readyAt time.Time
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{inflight: map[*job.ExecutionMessage]struct{}{}}
}

func (q *MemoryQueue) Enqueue(_ context.Context, msg *job.ExecutionMessage) error {
	if msg == nil {
		return fmt.Errorf("gojob: message is required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if msg.DedupPolicy == DedupPolicyDrop && q.holdsKey(msg.JobID, msg.IdempotencyKey) {
		return nil
	}
	q.pending = append(q.pending, memoryEntry{msg: msg, readyAt: q.now()})
	return nil
}

// Dequeue hands out the oldest ready message, or nil when none is ready.
func (q *MemoryQueue) Dequeue(_ context.Context) (queue.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	for i, entry := range q.pending {
		if entry.readyAt.After(now) {
			continue
		}
		q.pending = append(q.pending[:i], q.pending[i+1:]...)
		q.inflight[entry.msg] = struct{}{}
		return &memoryDelivery{queue: q, msg: entry.msg}, nil
	}
	return nil, nil
}

// Len reports pending plus in-flight messages.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) + len(q.inflight)
}

// DeadLettered returns the messages nacked with DeadLetter set.
func (q *MemoryQueue) DeadLettered() []*job.ExecutionMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*job.ExecutionMessage(nil), q.dead...)
}

func (q *MemoryQueue) holdsKey(jobID string, key string) bool {
	key = strings.TrimSpace(key)
	if key == "" {
		return false
	}
	for _, entry := range q.pending {
		if entry.msg.JobID == jobID && entry.msg.IdempotencyKey == key {
			return true
		}
	}
	for msg := range q.inflight {
		if msg.JobID == jobID && msg.IdempotencyKey == key {
			return true
		}
	}
	return false
}

func (q *MemoryQueue) settle(msg *job.ExecutionMessage, opts *queue.NackOptions) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[msg]; !ok {
		return
	}
	delete(q.inflight, msg)
	switch {
	case opts == nil:
	case opts.DeadLetter:
		q.dead = append(q.dead, msg)
	case opts.Requeue:
		delay := opts.Delay
		if delay < 0 {
			delay = 0
		}
		q.pending = append(q.pending, memoryEntry{msg: msg, readyAt: q.now().Add(delay)})
	}
}

func (q *MemoryQueue) now() time.Time {
	if q.Now != nil {
		return q.Now().UTC()
	}
	return time.Now().UTC()
}

type memoryDelivery struct {
	queue *MemoryQueue
	msg   *job.ExecutionMessage
}

func (d *memoryDelivery) Message() *job.ExecutionMessage { return d.msg }

func (d *memoryDelivery) Ack(context.Context) error {
	d.queue.settle(d.msg, nil)
	return nil
}

func (d *memoryDelivery) Nack(_ context.Context, opts queue.NackOptions) error {
	d.queue.settle(d.msg, &opts)
	return nil
}

var (
	_ queue.Enqueuer = (*MemoryQueue)(nil)
	_ queue.Dequeuer = (*MemoryQueue)(nil)
)
