package gojob

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-integration-gateway/core"
	"github.com/goliatone/go-integration-gateway/workflow"

	"github.com/goliatone/go-job/queue"
)

// EnvelopePublisher publishes delivery envelopes as go-job messages. The
// dedup id becomes the message idempotency key.
type EnvelopePublisher struct {
	enqueuer    queue.Enqueuer
	maxAttempts int
	Now         func() time.Time
}

func NewEnvelopePublisher(enqueuer queue.Enqueuer, cfg core.QueueConfig) *EnvelopePublisher {
	return &EnvelopePublisher{enqueuer: enqueuer, maxAttempts: cfg.MaxAttempts}
}

func (p *EnvelopePublisher) Publish(ctx context.Context, msg core.QueueMessage) error {
	if p == nil || p.enqueuer == nil {
		return fmt.Errorf("gojob: enqueuer is not configured")
	}
	if msg.MaxAttempts < 1 {
		msg.MaxAttempts = p.maxAttempts
	}
	prepared, err := core.PrepareQueueMessage(msg, p.now())
	if err != nil {
		return err
	}
	execMsg, err := ToExecutionMessage(prepared)
	if err != nil {
		return err
	}
	return p.enqueuer.Enqueue(ctx, execMsg)
}

func (p *EnvelopePublisher) now() time.Time {
	if p != nil && p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

// ResumeScheduler enqueues workflow resumes so go-job workers pick up a
// waiting run instead of the engine poll loop.
type ResumeScheduler struct {
	enqueuer queue.Enqueuer
}

func NewResumeScheduler(enqueuer queue.Enqueuer) *ResumeScheduler {
	return &ResumeScheduler{enqueuer: enqueuer}
}

func (s *ResumeScheduler) ScheduleResume(ctx context.Context, run workflow.Run, at time.Time) error {
	if s == nil || s.enqueuer == nil {
		return fmt.Errorf("gojob: enqueuer is not configured")
	}
	if strings.TrimSpace(run.ID) == "" {
		return fmt.Errorf("gojob: run id is required")
	}
	return s.enqueuer.Enqueue(ctx, ResumeMessage(run, at))
}

var (
	_ core.DeliveryQueue = (*EnvelopePublisher)(nil)
	_ workflow.Scheduler = (*ResumeScheduler)(nil)
)
