package gojob

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-integration-gateway/core"

	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
)

// ErrMalformedMessage marks a message the worker can never process.
var ErrMalformedMessage = errors.New("gojob: malformed message")

// RetryPolicy bounds how often a failed message is requeued.
type RetryPolicy struct {
	MaxAttempts     int
	MaxDelay        time.Duration
	DeadLetterOnMax bool
}

// NormalizeAttempt enforces bounded retry behavior for a nack operation.
// Once attempt reaches MaxAttempts the message is never requeued; it is
// dead-lettered by the backend only when DeadLetterOnMax is set.
func (p RetryPolicy) NormalizeAttempt(opts queue.NackOptions, attempt int) queue.NackOptions {
	out := opts
	out.Reason = strings.TrimSpace(out.Reason)
	if out.Delay < 0 {
		out.Delay = 0
	}
	if p.MaxDelay > 0 && out.Delay > p.MaxDelay {
		out.Delay = p.MaxDelay
	}
	if out.DeadLetter {
		out.Requeue = false
		return out
	}
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		out.Requeue = false
		out.DeadLetter = p.DeadLetterOnMax
		return out
	}
	out.Requeue = true
	return out
}

// Exhausted reports whether opts ends the message's life in the backend.
func Exhausted(opts queue.NackOptions) bool {
	return opts.DeadLetter || !opts.Requeue
}

type deferError struct {
	delay time.Duration
}

func (e deferError) Error() string {
	return fmt.Sprintf("gojob: deferred for %s", e.delay)
}

// Defer asks the worker to requeue the message after delay without
// counting the run as a failed attempt.
func Defer(delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	return deferError{delay: delay}
}

func deferredDelay(err error) (time.Duration, bool) {
	var deferred deferError
	if errors.As(err, &deferred) {
		return deferred.delay, true
	}
	return 0, false
}

// TrackerHook reports delivery job outcomes to a core.DeliveryTracker and
// observes every job through the gateway observer.
type TrackerHook struct {
	tracker  core.DeliveryTracker
	observer core.Observer
}

func NewTrackerHook(tracker core.DeliveryTracker, observer core.Observer) *TrackerHook {
	return &TrackerHook{tracker: tracker, observer: observer}
}

func (h *TrackerHook) OnStart(context.Context, worker.Event) {}

func (h *TrackerHook) OnSuccess(ctx context.Context, event worker.Event) {
	if h == nil {
		return
	}
	h.observe(ctx, event, nil)
	if msg, ok := h.deliveryMessage(event); ok && h.tracker != nil {
		h.tracker.OnDelivered(ctx, msg)
	}
}

func (h *TrackerHook) OnFailure(ctx context.Context, event worker.Event) {
	if h == nil {
		return
	}
	h.observe(ctx, event, eventError(event))
}

func (h *TrackerHook) OnRetry(ctx context.Context, event worker.Event) {
	if h == nil {
		return
	}
	h.observe(ctx, event, eventError(event))
	if msg, ok := h.deliveryMessage(event); ok && h.tracker != nil {
		startedAt := event.StartedAt
		if startedAt.IsZero() {
			startedAt = time.Now().UTC()
		}
		h.tracker.OnRetry(ctx, msg, event.Err, startedAt.Add(event.Duration+event.Delay))
	}
}

func (h *TrackerHook) observe(ctx context.Context, event worker.Event, err error) {
	message := eventMessage(event)
	fields := map[string]any{"attempt": event.Attempt}
	operation := "job"
	if message != nil {
		operation = "job." + strings.TrimPrefix(message.JobID, "gateway.")
		fields["job_id"] = message.JobID
	}
	startedAt := event.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}
	h.observer.Observe(ctx, startedAt, operation, err, fields)
}

func (h *TrackerHook) deliveryMessage(event worker.Event) (core.QueueMessage, bool) {
	message := eventMessage(event)
	if message == nil || message.JobID != JobIDDelivery {
		return core.QueueMessage{}, false
	}
	msg, err := FromExecutionMessage(message)
	if err != nil {
		return core.QueueMessage{}, false
	}
	msg.Attempts = event.Attempt
	return msg, true
}

func eventError(event worker.Event) error {
	if event.Err != nil {
		return event.Err
	}
	return errors.New("job failed")
}

var _ worker.Hook = (*TrackerHook)(nil)
