package adapters_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-command"
	"github.com/goliatone/go-integration-gateway/adapters/gocommand"
	"github.com/goliatone/go-integration-gateway/adapters/gojob"
	"github.com/goliatone/go-integration-gateway/adapters/gologger"
	gatewaycommand "github.com/goliatone/go-integration-gateway/command"
	"github.com/goliatone/go-integration-gateway/core"
	"github.com/goliatone/go-integration-gateway/webhooks"
	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"
	glog "github.com/goliatone/go-logger/glog"
)

func TestRuntimeCompatibility_PublishWorkLog(t *testing.T) {
	ctx := context.Background()
	logger := &compatLogger{}
	loggers := gologger.ResolveForJobs("gateway", &compatProvider{logger: logger}, nil)
	if loggers.JobProvider == nil || loggers.JobLogger == nil {
		t.Fatalf("expected go-job logger bridges")
	}

	loop := &loopbackQueue{}
	publisher := gojob.NewEnvelopePublisher(loop, core.QueueConfig{MaxAttempts: 3})
	err := publisher.Publish(ctx, core.QueueMessage{Envelope: core.DeliveryEnvelope{
		DeliveryID:   "abc",
		ConnectionID: "c1",
		TenantID:     "t1",
		Provider:     "github",
		EventType:    "push",
		ResourceID:   core.StringRef("r1"),
		Payload:      json.RawMessage(`{"ref":"main"}`),
		ReceivedAt:   time.Date(2026, 2, 13, 12, 0, 0, 0, time.UTC),
	}})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	observer := core.NewObserver("gateway", nil, loggers.Logger, nil)
	deadLetters := core.NewMemoryDeadLetterStore()
	var received []core.DeliveryEnvelope
	handler, err := gojob.NewDeliveryHandler(core.ConsumerFunc(func(_ context.Context, envelope core.DeliveryEnvelope) error {
		received = append(received, envelope)
		return nil
	}), deadLetters, nil)
	if err != nil {
		t.Fatalf("delivery handler: %v", err)
	}
	w, err := gojob.NewWorker(loop, gojob.RetryPolicy{MaxAttempts: 3}, core.ExponentialBackoff{Initial: time.Second, Max: time.Minute}, observer,
		gojob.WithHooks(gojob.NewTrackerHook(nil, observer)))
	if err != nil {
		t.Fatalf("worker: %v", err)
	}
	if err := w.Handle(gojob.JobIDDelivery, handler); err != nil {
		t.Fatalf("register handler: %v", err)
	}
	if processed, err := w.ProcessOne(ctx); err != nil || !processed {
		t.Fatalf("expected processed delivery, got processed=%v err=%v", processed, err)
	}

	if len(received) != 1 || received[0].DeliveryID != "abc" || received[0].TenantID != "t1" {
		t.Fatalf("unexpected consumer deliveries: %+v", received)
	}
	if loop.acked != 1 {
		t.Fatalf("expected ack through go-job delivery, got %d", loop.acked)
	}
	if !logger.sawField("component", gologger.JobComponent) {
		t.Fatalf("expected job logs scoped to the jobs component")
	}
	if logger.sawArg("{\"ref\":\"main\"}") {
		t.Fatalf("payload must not be logged")
	}

	loggers.JobLogger.Info("bridge check", "job_id", gojob.JobIDDelivery)
	if !logger.sawMessage("bridge check") {
		t.Fatalf("expected go-job logger bridge to reach the gateway sink")
	}
}

func TestRuntimeCompatibility_CommandsMirrorIntoQueueRegistry(t *testing.T) {
	bus := gocommand.NewBus(command.NewRegistry())
	defer bus.Close()
	queueRegistry := jobqueuecommand.NewRegistry()
	if err := bus.AddQueueResolver("queue", queueRegistry); err != nil {
		t.Fatalf("add queue resolver: %v", err)
	}
	receiver := compatReceiver{}
	if err := gocommand.RegisterGateway(bus, gocommand.Handlers{Receiver: receiver}); err != nil {
		t.Fatalf("register gateway: %v", err)
	}
	if err := bus.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, ok := queueRegistry.Get(gatewaycommand.ReceiveWebhookMessage{}.Type()); !ok {
		t.Fatalf("expected receive webhook command in the queue registry")
	}

	result, err := gocommand.DispatchResult[gatewaycommand.ReceiveWebhookMessage, webhooks.Result](context.Background(), gatewaycommand.ReceiveWebhookMessage{
		Provider: "github",
		Body:     []byte(`{}`),
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if result.Status != webhooks.StatusAccepted || result.DeliveryID != "abc" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

type compatReceiver struct{}

func (compatReceiver) Receive(context.Context, webhooks.Request) (webhooks.Result, error) {
	return webhooks.Result{Status: webhooks.StatusAccepted, DeliveryID: "abc", StatusCode: 200}, nil
}

type loopbackQueue struct {
	mu      sync.Mutex
	pending []*job.ExecutionMessage
	acked   int
}

func (q *loopbackQueue) Enqueue(_ context.Context, msg *job.ExecutionMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, msg)
	return nil
}

func (q *loopbackQueue) Dequeue(context.Context) (queue.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, nil
	}
	msg := q.pending[0]
	q.pending = q.pending[1:]
	return &loopbackDelivery{queue: q, msg: msg}, nil
}

type loopbackDelivery struct {
	queue *loopbackQueue
	msg   *job.ExecutionMessage
}

func (d *loopbackDelivery) Message() *job.ExecutionMessage { return d.msg }

func (d *loopbackDelivery) Ack(context.Context) error {
	d.queue.mu.Lock()
	d.queue.acked++
	d.queue.mu.Unlock()
	return nil
}

func (d *loopbackDelivery) Nack(ctx context.Context, opts queue.NackOptions) error {
	if opts.Requeue {
		return d.queue.Enqueue(ctx, d.msg)
	}
	return nil
}

type compatProvider struct {
	logger *compatLogger
}

func (p *compatProvider) GetLogger(string) glog.Logger {
	return p.logger
}

type compatEntry struct {
	msg    string
	args   []any
	fields map[string]any
}

type compatLogger struct {
	mu      sync.Mutex
	fields  map[string]any
	entries *[]compatEntry
}

func (l *compatLogger) Trace(msg string, args ...any) { l.record(msg, args...) }
func (l *compatLogger) Debug(msg string, args ...any) { l.record(msg, args...) }
func (l *compatLogger) Info(msg string, args ...any)  { l.record(msg, args...) }
func (l *compatLogger) Warn(msg string, args ...any)  { l.record(msg, args...) }
func (l *compatLogger) Error(msg string, args ...any) { l.record(msg, args...) }
func (l *compatLogger) Fatal(msg string, args ...any) { l.record(msg, args...) }

func (l *compatLogger) WithContext(context.Context) glog.Logger { return l }

func (l *compatLogger) WithFields(fields map[string]any) glog.Logger {
	merged := map[string]any{}
	for key, value := range l.fields {
		merged[key] = value
	}
	for key, value := range fields {
		merged[key] = value
	}
	return &compatLogger{fields: merged, entries: l.sink()}
}

func (l *compatLogger) sink() *[]compatEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.entries == nil {
		l.entries = &[]compatEntry{}
	}
	return l.entries
}

func (l *compatLogger) record(msg string, args ...any) {
	entries := l.sink()
	l.mu.Lock()
	defer l.mu.Unlock()
	*entries = append(*entries, compatEntry{msg: msg, args: append([]any(nil), args...), fields: l.fields})
}

func (l *compatLogger) all() []compatEntry {
	return append([]compatEntry(nil), *l.sink()...)
}

func (l *compatLogger) sawField(key string, value any) bool {
	for _, entry := range l.all() {
		if entry.fields[key] == value {
			return true
		}
	}
	return false
}

func (l *compatLogger) sawMessage(msg string) bool {
	for _, entry := range l.all() {
		if entry.msg == msg {
			return true
		}
	}
	return false
}

func (l *compatLogger) sawArg(value any) bool {
	for _, entry := range l.all() {
		for _, arg := range entry.args {
			if arg == value {
				return true
			}
		}
	}
	return false
}
