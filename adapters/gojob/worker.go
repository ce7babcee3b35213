package gojob

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-integration-gateway/core"
	"github.com/goliatone/go-integration-gateway/workflow"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultAttemptCacheSize = 4096

type Handler interface {
	Handle(ctx context.Context, msg *job.ExecutionMessage, attempt int) error
}

type HandlerFunc func(ctx context.Context, msg *job.ExecutionMessage, attempt int) error

func (f HandlerFunc) Handle(ctx context.Context, msg *job.ExecutionMessage, attempt int) error {
	return f(ctx, msg, attempt)
}

// ExhaustionHandler is implemented by handlers that keep their own record of
// a message that will not be retried again.
type ExhaustionHandler interface {
	Exhausted(ctx context.Context, msg *job.ExecutionMessage, attempt int, cause error) error
}

type WorkerOption func(*Worker)

func WithHooks(hooks ...worker.Hook) WorkerOption {
	return func(w *Worker) {
		for _, hook := range hooks {
			if hook != nil {
				w.hooks = append(w.hooks, hook)
			}
		}
	}
}

func WithConcurrency(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

func WithIdleInterval(interval time.Duration) WorkerOption {
	return func(w *Worker) {
		if interval > 0 {
			w.idle = interval
		}
	}
}

// Worker dequeues go-job messages and dispatches them by job id. Attempts
// are counted per idempotency key within the process.
type Worker struct {
	dequeuer    queue.Dequeuer
	policy      RetryPolicy
	backoff     core.BackoffScheduler
	observer    core.Observer
	hooks       []worker.Hook
	concurrency int
	idle        time.Duration

	mu       sync.RWMutex
	handlers map[string]Handler
	attempts *lru.Cache[string, int]
}

func NewWorker(dequeuer queue.Dequeuer, policy RetryPolicy, backoff core.BackoffScheduler, observer core.Observer, opts ...WorkerOption) (*Worker, error) {
	if dequeuer == nil {
		return nil, fmt.Errorf("gojob: dequeuer is required")
	}
	attempts, err := lru.New[string, int](defaultAttemptCacheSize)
	if err != nil {
		return nil, err
	}
	if backoff == nil {
		backoff = core.ExponentialBackoff{}
	}
	w := &Worker{
		dequeuer:    dequeuer,
		policy:      policy,
		backoff:     backoff,
		observer:    observer,
		concurrency: 1,
		idle:        time.Second,
		handlers:    map[string]Handler{},
		attempts:    attempts,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w, nil
}

func (w *Worker) Handle(jobID string, handler Handler) error {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" || handler == nil {
		return fmt.Errorf("gojob: job id and handler are required")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, exists := w.handlers[jobID]; exists {
		return fmt.Errorf("gojob: handler for %q already registered", jobID)
	}
	w.handlers[jobID] = handler
	return nil
}

// ProcessOne handles a single message. It reports false when the queue
// had nothing to hand out.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	delivery, err := w.dequeuer.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if delivery == nil {
		return false, nil
	}
	msg := delivery.Message()
	if msg == nil {
		return true, delivery.Nack(ctx, queue.NackOptions{DeadLetter: true, Reason: "empty message"})
	}

	key := attemptKey(msg)
	attempt := w.nextAttempt(key)
	event := worker.Event{Message: msg, Delivery: delivery, Attempt: attempt, StartedAt: time.Now()}
	w.emit(func(hook worker.Hook) { hook.OnStart(ctx, event) })

	handler, ok := w.handler(msg.JobID)
	var handleErr error
	if !ok {
		handleErr = fmt.Errorf("%w: no handler for job %q", ErrMalformedMessage, msg.JobID)
	} else {
		handleErr = handler.Handle(ctx, msg, attempt)
	}
	event.Duration = time.Since(event.StartedAt)

	if handleErr == nil {
		w.attempts.Remove(key)
		w.emit(func(hook worker.Hook) { hook.OnSuccess(ctx, event) })
		return true, delivery.Ack(ctx)
	}

	if delay, deferred := deferredDelay(handleErr); deferred {
		w.attempts.Add(key, attempt-1)
		return true, delivery.Nack(ctx, queue.NackOptions{Delay: delay, Requeue: true, Reason: "deferred"})
	}

	event.Err = handleErr
	opts := queue.NackOptions{Delay: w.backoff.NextDelay(attempt), Requeue: true, Reason: handleErr.Error()}
	if errors.Is(handleErr, ErrMalformedMessage) || workflow.IsPermanent(handleErr) {
		opts.DeadLetter = true
	}
	opts = w.policy.NormalizeAttempt(opts, attempt)
	event.Delay = opts.Delay

	if !Exhausted(opts) {
		w.emit(func(hook worker.Hook) { hook.OnRetry(ctx, event) })
		return true, delivery.Nack(ctx, opts)
	}

	w.attempts.Remove(key)
	if exhaustion, ok := handler.(ExhaustionHandler); ok {
		if err := exhaustion.Exhausted(ctx, msg, attempt, handleErr); err != nil {
			w.observer.Error(ctx, "job exhaustion handler failed", map[string]any{
				"job_id": msg.JobID,
				"error":  err.Error(),
			})
			return true, errors.Join(err, delivery.Nack(ctx, queue.NackOptions{Delay: opts.Delay, Requeue: true, Reason: handleErr.Error()}))
		}
	}
	w.emit(func(hook worker.Hook) { hook.OnFailure(ctx, event) })
	return true, delivery.Nack(ctx, opts)
}

// Run processes messages on the configured number of goroutines until ctx
// is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}
	wg.Wait()
	return nil
}

func (w *Worker) loop(ctx context.Context) {
	for ctx.Err() == nil {
		processed, err := w.ProcessOne(ctx)
		if err != nil && ctx.Err() == nil {
			w.observer.Warn(ctx, "job worker pass failed", map[string]any{"error": err.Error()})
		}
		if processed && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.idle):
		}
	}
}

func (w *Worker) handler(jobID string) (Handler, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	handler, ok := w.handlers[strings.TrimSpace(jobID)]
	return handler, ok
}

func (w *Worker) nextAttempt(key string) int {
	previous, _ := w.attempts.Get(key)
	attempt := previous + 1
	w.attempts.Add(key, attempt)
	return attempt
}

func (w *Worker) emit(fn func(worker.Hook)) {
	for _, hook := range w.hooks {
		fn(hook)
	}
}

func attemptKey(msg *job.ExecutionMessage) string {
	if key := strings.TrimSpace(msg.IdempotencyKey); key != "" {
		return msg.JobID + "|" + key
	}
	return msg.JobID + "|" + stringParam(msg.Parameters, paramMessageID) + stringParam(msg.Parameters, paramRunID)
}

func eventMessage(event worker.Event) *job.ExecutionMessage {
	if event.Message != nil {
		return event.Message
	}
	if event.Delivery != nil {
		return event.Delivery.Message()
	}
	return nil
}

// DeliveryHandler forwards delivery envelopes to the consumer and records a
// dead letter once the worker stops retrying.
type DeliveryHandler struct {
	consumer    core.Consumer
	deadLetters core.DeadLetterStore
	tracker     core.DeliveryTracker
	Now         func() time.Time
}

func NewDeliveryHandler(consumer core.Consumer, deadLetters core.DeadLetterStore, tracker core.DeliveryTracker) (*DeliveryHandler, error) {
	if consumer == nil {
		return nil, fmt.Errorf("gojob: consumer is required")
	}
	if deadLetters == nil {
		return nil, fmt.Errorf("gojob: dead letter store is required")
	}
	return &DeliveryHandler{consumer: consumer, deadLetters: deadLetters, tracker: tracker}, nil
}

func (h *DeliveryHandler) Handle(ctx context.Context, msg *job.ExecutionMessage, _ int) error {
	queued, err := FromExecutionMessage(msg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return h.consumer.Deliver(ctx, queued.Envelope)
}

func (h *DeliveryHandler) Exhausted(ctx context.Context, msg *job.ExecutionMessage, attempt int, cause error) error {
	queued, err := FromExecutionMessage(msg)
	if err != nil {
		// Nothing recoverable to replay.
		return nil
	}
	queued.Attempts = attempt
	letter, err := h.deadLetters.Put(ctx, core.DeadLetterFromEnvelope(queued, cause, h.now()))
	if err != nil && !errors.Is(err, core.ErrConflict) {
		return err
	}
	if err == nil && h.tracker != nil {
		h.tracker.OnDeadLettered(ctx, letter)
	}
	return nil
}

func (h *DeliveryHandler) now() time.Time {
	if h != nil && h.Now != nil {
		return h.Now().UTC()
	}
	return time.Now().UTC()
}

type resumer interface {
	Resume(ctx context.Context, id string) (workflow.Run, error)
}

// ResumeHandler resumes workflow runs scheduled by ResumeScheduler. Step
// failures are already checkpointed by the engine so they ack the message.
type ResumeHandler struct {
	engine resumer
	Now    func() time.Time
}

func NewResumeHandler(engine *workflow.Engine) (*ResumeHandler, error) {
	if engine == nil {
		return nil, fmt.Errorf("gojob: workflow engine is required")
	}
	return &ResumeHandler{engine: engine}, nil
}

func (h *ResumeHandler) Handle(ctx context.Context, msg *job.ExecutionMessage, _ int) error {
	runID, at, err := ResumeTarget(msg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if now := h.now(); at.After(now) {
		return Defer(at.Sub(now))
	}
	_, err = h.engine.Resume(ctx, runID)
	var stepErr *workflow.StepError
	if errors.As(err, &stepErr) || errors.Is(err, workflow.ErrRunNotFound) {
		return nil
	}
	return err
}

func (h *ResumeHandler) now() time.Time {
	if h != nil && h.Now != nil {
		return h.Now().UTC()
	}
	return time.Now().UTC()
}

var (
	_ Handler           = (*DeliveryHandler)(nil)
	_ ExhaustionHandler = (*DeliveryHandler)(nil)
	_ Handler           = (*ResumeHandler)(nil)
)
