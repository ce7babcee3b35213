package gojob

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/goliatone/go-integration-gateway/core"
	"github.com/goliatone/go-integration-gateway/workflow"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
)

func TestEnvelopePublisherMapsQueueMessage(t *testing.T) {
	enqueuer := &stubQueueEnqueuer{}
	publisher := NewEnvelopePublisher(enqueuer, core.QueueConfig{MaxAttempts: 4})

	err := publisher.Publish(context.Background(), core.QueueMessage{Envelope: testEnvelope("d1")})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(enqueuer.messages) != 1 {
		t.Fatalf("expected one enqueued message, got %d", len(enqueuer.messages))
	}
	msg := enqueuer.messages[0]
	if msg.JobID != JobIDDelivery || msg.IdempotencyKey != "github:d1" || msg.DedupPolicy != DedupPolicyDrop {
		t.Fatalf("unexpected execution message: %+v", msg)
	}

	// Backends that round trip parameters through JSON hand numbers back as float64.
	msg.Parameters[paramMaxAttempts] = float64(4)
	decoded, err := FromExecutionMessage(msg)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.MaxAttempts != 4 || decoded.DedupID != "github:d1" || decoded.ID == "" {
		t.Fatalf("unexpected decoded message: %+v", decoded)
	}
	if string(decoded.Envelope.Payload) != `{"action":"opened"}` {
		t.Fatalf("expected payload bytes to survive, got %s", decoded.Envelope.Payload)
	}
	if core.StringValue(decoded.Envelope.ResourceID) != "repo-1" {
		t.Fatalf("expected resource id, got %+v", decoded.Envelope.ResourceID)
	}
}

func TestEnvelopePublisherRejectsIncompleteEnvelope(t *testing.T) {
	publisher := NewEnvelopePublisher(&stubQueueEnqueuer{}, core.QueueConfig{})
	if err := publisher.Publish(context.Background(), core.QueueMessage{}); err == nil {
		t.Fatalf("expected missing provider and delivery id to fail")
	}
	if err := NewEnvelopePublisher(nil, core.QueueConfig{}).Publish(context.Background(), core.QueueMessage{}); err == nil {
		t.Fatalf("expected unconfigured enqueuer to fail")
	}
}

func TestResumeSchedulerKeysByStepAndAttempt(t *testing.T) {
	enqueuer := &stubQueueEnqueuer{}
	scheduler := NewResumeScheduler(enqueuer)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	run := workflow.Run{ID: "run-1", Workflow: "connection.setup", Step: 2, Attempts: 1}
	if err := scheduler.ScheduleResume(context.Background(), run, at); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	run.Attempts = 2
	if err := scheduler.ScheduleResume(context.Background(), run, at); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if len(enqueuer.messages) != 2 {
		t.Fatalf("expected two messages, got %d", len(enqueuer.messages))
	}
	if enqueuer.messages[0].IdempotencyKey == enqueuer.messages[1].IdempotencyKey {
		t.Fatalf("expected distinct keys per attempt")
	}
	runID, resumeAt, err := ResumeTarget(enqueuer.messages[0])
	if err != nil {
		t.Fatalf("resume target: %v", err)
	}
	if runID != "run-1" || !resumeAt.Equal(at) {
		t.Fatalf("unexpected resume target %q %s", runID, resumeAt)
	}
	if err := scheduler.ScheduleResume(context.Background(), workflow.Run{}, at); err == nil {
		t.Fatalf("expected missing run id to fail")
	}
}

func TestNackRetryPolicyBoundaries(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, MaxDelay: 10 * time.Second}

	opts := policy.NormalizeAttempt(queue.NackOptions{Delay: 30 * time.Second, Reason: " transient "}, 1)
	if opts.Delay != 10*time.Second {
		t.Fatalf("expected delay to be bounded, got %s", opts.Delay)
	}
	if !opts.Requeue || opts.Reason != "transient" {
		t.Fatalf("expected requeue before max attempts, got %+v", opts)
	}

	opts = policy.NormalizeAttempt(queue.NackOptions{Delay: time.Second, Requeue: true}, 3)
	if opts.Requeue || opts.DeadLetter {
		t.Fatalf("expected message to be dropped at max attempts, got %+v", opts)
	}

	policy.DeadLetterOnMax = true
	opts = policy.NormalizeAttempt(queue.NackOptions{Requeue: true}, 3)
	if opts.Requeue || !opts.DeadLetter {
		t.Fatalf("expected dead letter at max attempts, got %+v", opts)
	}

	opts = policy.NormalizeAttempt(queue.NackOptions{Requeue: true, DeadLetter: true}, 1)
	if opts.Requeue || !opts.DeadLetter {
		t.Fatalf("expected explicit dead letter to win, got %+v", opts)
	}
}

func TestWorkerDeliversAndAcks(t *testing.T) {
	ctx := context.Background()
	msg := executionMessage(t, "d1")
	delivery := &stubQueueDelivery{msg: msg}
	tracker := &capturingTracker{}

	var delivered []core.DeliveryEnvelope
	handler, err := NewDeliveryHandler(core.ConsumerFunc(func(_ context.Context, envelope core.DeliveryEnvelope) error {
		delivered = append(delivered, envelope)
		return nil
	}), core.NewMemoryDeadLetterStore(), tracker)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	w := newTestWorker(t, &stubQueueDequeuer{deliveries: []queue.Delivery{delivery}}, RetryPolicy{MaxAttempts: 3}, tracker)
	if err := w.Handle(JobIDDelivery, handler); err != nil {
		t.Fatalf("register handler: %v", err)
	}

	processed, err := w.ProcessOne(ctx)
	if err != nil || !processed {
		t.Fatalf("expected processed message, got processed=%v err=%v", processed, err)
	}
	if !delivery.acked {
		t.Fatalf("expected ack")
	}
	if len(delivered) != 1 || delivered[0].DeliveryID != "d1" {
		t.Fatalf("unexpected deliveries: %+v", delivered)
	}
	if len(tracker.delivered) != 1 || tracker.delivered[0].Attempts != 1 {
		t.Fatalf("expected tracker delivered notification, got %+v", tracker.delivered)
	}

	processed, err = w.ProcessOne(ctx)
	if err != nil || processed {
		t.Fatalf("expected empty queue, got processed=%v err=%v", processed, err)
	}
}

func TestWorkerRetriesThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	msg := executionMessage(t, "d2")
	first := &stubQueueDelivery{msg: msg}
	second := &stubQueueDelivery{msg: msg}
	tracker := &capturingTracker{}
	deadLetters := core.NewMemoryDeadLetterStore()

	handler, err := NewDeliveryHandler(core.ConsumerFunc(func(context.Context, core.DeliveryEnvelope) error {
		return errors.New("consumer down")
	}), deadLetters, tracker)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	w := newTestWorker(t, &stubQueueDequeuer{deliveries: []queue.Delivery{first, second}}, RetryPolicy{MaxAttempts: 2}, tracker)
	if err := w.Handle(JobIDDelivery, handler); err != nil {
		t.Fatalf("register handler: %v", err)
	}

	if _, err := w.ProcessOne(ctx); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if !first.nacked || !first.nackOpts.Requeue || first.nackOpts.Delay != time.Second {
		t.Fatalf("expected requeue with backoff, got %+v", first.nackOpts)
	}
	if len(tracker.retried) != 1 {
		t.Fatalf("expected one retry notification, got %d", len(tracker.retried))
	}

	if _, err := w.ProcessOne(ctx); err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if !second.nacked || second.nackOpts.Requeue {
		t.Fatalf("expected final nack without requeue, got %+v", second.nackOpts)
	}
	letters, err := deadLetters.List(ctx, core.DeadLetterFilter{})
	if err != nil {
		t.Fatalf("list dead letters: %v", err)
	}
	if len(letters) != 1 {
		t.Fatalf("expected one dead letter, got %d", len(letters))
	}
	letter := letters[0]
	if letter.DeliveryID != "d2" || letter.Attempts != 2 || letter.Reason != core.DeadLetterDeliveryFailed || letter.LastError != "consumer down" {
		t.Fatalf("unexpected dead letter: %+v", letter)
	}
	if len(tracker.deadLettered) != 1 {
		t.Fatalf("expected dead letter notification")
	}
}

func TestWorkerDeadLettersMalformedMessages(t *testing.T) {
	unknown := &stubQueueDelivery{msg: &job.ExecutionMessage{JobID: "gateway.unknown"}}
	broken := &stubQueueDelivery{msg: &job.ExecutionMessage{JobID: JobIDDelivery, Parameters: map[string]any{}}}
	handler, err := NewDeliveryHandler(core.ConsumerFunc(func(context.Context, core.DeliveryEnvelope) error {
		t.Fatalf("consumer must not be called")
		return nil
	}), core.NewMemoryDeadLetterStore(), nil)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	w := newTestWorker(t, &stubQueueDequeuer{deliveries: []queue.Delivery{unknown, broken}}, RetryPolicy{MaxAttempts: 5}, nil)
	if err := w.Handle(JobIDDelivery, handler); err != nil {
		t.Fatalf("register handler: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := w.ProcessOne(context.Background()); err != nil {
			t.Fatalf("pass %d: %v", i, err)
		}
	}
	if !unknown.nackOpts.DeadLetter || !broken.nackOpts.DeadLetter {
		t.Fatalf("expected malformed messages to be dead-lettered, got %+v and %+v", unknown.nackOpts, broken.nackOpts)
	}
}

func TestResumeHandlerDefersAndResumes(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	engine := &stubResumer{}
	handler := &ResumeHandler{engine: engine, Now: func() time.Time { return now }}

	future := ResumeMessage(workflow.Run{ID: "run-1"}, now.Add(time.Minute))
	err := handler.Handle(context.Background(), future, 1)
	delay, deferred := deferredDelay(err)
	if !deferred || delay != time.Minute {
		t.Fatalf("expected deferral of one minute, got %v", err)
	}
	if len(engine.resumed) != 0 {
		t.Fatalf("expected no resume before due time")
	}

	due := ResumeMessage(workflow.Run{ID: "run-1"}, now)
	if err := handler.Handle(context.Background(), due, 1); err != nil {
		t.Fatalf("resume: %v", err)
	}
	engine.err = &workflow.StepError{Workflow: "connection.setup", RunID: "run-1", Step: "exchange", Err: errors.New("boom")}
	if err := handler.Handle(context.Background(), due, 1); err != nil {
		t.Fatalf("expected step failure to be acked, got %v", err)
	}
	engine.err = errors.New("store offline")
	if err := handler.Handle(context.Background(), due, 1); err == nil {
		t.Fatalf("expected store error to be retried")
	}
	if len(engine.resumed) != 3 || engine.resumed[0] != "run-1" {
		t.Fatalf("unexpected resumes: %v", engine.resumed)
	}
}

func TestWorkerDeferDoesNotConsumeAttempts(t *testing.T) {
	msg := &job.ExecutionMessage{JobID: "gateway.test", IdempotencyKey: "k1"}
	deliveries := []queue.Delivery{&stubQueueDelivery{msg: msg}, &stubQueueDelivery{msg: msg}}
	w := newTestWorker(t, &stubQueueDequeuer{deliveries: deliveries}, RetryPolicy{MaxAttempts: 1}, nil)
	var seen []int
	if err := w.Handle("gateway.test", HandlerFunc(func(_ context.Context, _ *job.ExecutionMessage, attempt int) error {
		seen = append(seen, attempt)
		return Defer(time.Second)
	})); err != nil {
		t.Fatalf("register handler: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := w.ProcessOne(context.Background()); err != nil {
			t.Fatalf("pass %d: %v", i, err)
		}
	}
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 1 {
		t.Fatalf("expected attempts to stay at 1, got %v", seen)
	}
	last := deliveries[1].(*stubQueueDelivery)
	if !last.nackOpts.Requeue || last.nackOpts.Delay != time.Second {
		t.Fatalf("expected deferred requeue, got %+v", last.nackOpts)
	}
}

func newTestWorker(t *testing.T, dequeuer queue.Dequeuer, policy RetryPolicy, tracker core.DeliveryTracker) *Worker {
	t.Helper()
	w, err := NewWorker(dequeuer, policy, core.ExponentialBackoff{Initial: time.Second, Max: time.Minute}, core.Observer{},
		WithHooks(NewTrackerHook(tracker, core.Observer{})))
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	return w
}

func testEnvelope(deliveryID string) core.DeliveryEnvelope {
	return core.DeliveryEnvelope{
		DeliveryID:   deliveryID,
		ConnectionID: "conn-1",
		TenantID:     "tenant-1",
		Provider:     "github",
		EventType:    "pull_request",
		ResourceID:   core.StringRef("repo-1"),
		Payload:      json.RawMessage(`{"action":"opened"}`),
		ReceivedAt:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func executionMessage(t *testing.T, deliveryID string) *job.ExecutionMessage {
	t.Helper()
	msg, err := ToExecutionMessage(core.QueueMessage{
		ID:          "msg-" + deliveryID,
		DedupID:     "github:" + deliveryID,
		Envelope:    testEnvelope(deliveryID),
		MaxAttempts: 2,
	})
	if err != nil {
		t.Fatalf("to execution message: %v", err)
	}
	return msg
}

type stubQueueEnqueuer struct {
	messages []*job.ExecutionMessage
}

func (s *stubQueueEnqueuer) Enqueue(_ context.Context, msg *job.ExecutionMessage) error {
	s.messages = append(s.messages, msg)
	return nil
}

type stubQueueDequeuer struct {
	deliveries []queue.Delivery
}

func (s *stubQueueDequeuer) Dequeue(context.Context) (queue.Delivery, error) {
	if len(s.deliveries) == 0 {
		return nil, nil
	}
	next := s.deliveries[0]
	s.deliveries = s.deliveries[1:]
	return next, nil
}

type stubQueueDelivery struct {
	msg      *job.ExecutionMessage
	acked    bool
	nacked   bool
	nackOpts queue.NackOptions
}

func (s *stubQueueDelivery) Message() *job.ExecutionMessage {
	return s.msg
}

func (s *stubQueueDelivery) Ack(context.Context) error {
	s.acked = true
	return nil
}

func (s *stubQueueDelivery) Nack(_ context.Context, opts queue.NackOptions) error {
	s.nacked = true
	s.nackOpts = opts
	return nil
}

type capturingTracker struct {
	delivered    []core.QueueMessage
	retried      []core.QueueMessage
	deadLettered []core.DeadLetter
}

func (c *capturingTracker) OnDelivered(_ context.Context, msg core.QueueMessage) {
	c.delivered = append(c.delivered, msg)
}

func (c *capturingTracker) OnRetry(_ context.Context, msg core.QueueMessage, _ error, _ time.Time) {
	c.retried = append(c.retried, msg)
}

func (c *capturingTracker) OnDeadLettered(_ context.Context, letter core.DeadLetter) {
	c.deadLettered = append(c.deadLettered, letter)
}

type stubResumer struct {
	resumed []string
	err     error
}

func (s *stubResumer) Resume(_ context.Context, id string) (workflow.Run, error) {
	s.resumed = append(s.resumed, id)
	return workflow.Run{ID: id}, s.err
}
