package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-integration-gateway/core"
	"github.com/goliatone/go-integration-gateway/providers"
	"github.com/goliatone/go-integration-gateway/providers/github"
)

var testNow = time.Date(2026, 2, 13, 12, 0, 0, 0, time.UTC)

// headerAdapter accepts deliveries whose X-Sig header equals the secret.
type headerAdapter struct{ name string }

func (a headerAdapter) Name() string { return a.name }
func (headerAdapter) Verify(_ []byte, headers map[string]string, secret string) bool {
	return secret != "" && providers.HeaderValue(headers, "X-Sig") == secret
}
func (headerAdapter) ExtractDeliveryID(headers map[string]string, _ core.Payload, _ time.Time) string {
	return providers.HeaderValue(headers, "X-Delivery")
}
func (headerAdapter) ExtractEventType(map[string]string, core.Payload) string { return "push" }
func (headerAdapter) ExtractResourceID(payload core.Payload) string {
	return providers.LookupString(payload, "resource")
}

type countingIdempotency struct {
	core.IdempotencyStore
	mu     sync.Mutex
	writes int
}

func (c *countingIdempotency) SetIfAbsent(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	c.writes++
	c.mu.Unlock()
	return c.IdempotencyStore.SetIfAbsent(ctx, key, value, ttl)
}

type failingQueue struct{ calls int }

func (q *failingQueue) Publish(context.Context, core.QueueMessage) error {
	q.calls++
	return errors.New("queue down")
}

type fixture struct {
	receiver    *Receiver
	idempotency *countingIdempotency
	routes      *core.MemoryRoutingIndex
	queue       *core.MemoryDeliveryQueue
	deadLetters *core.MemoryDeadLetterStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	registry, err := core.NewProviderRegistry(
		core.Provider{Adapter: headerAdapter{name: "P1"}, WebhookSecret: "p1-secret"},
		core.Provider{Adapter: github.NewAdapter(), WebhookSecret: "gh-secret"},
	)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	base := core.NewMemoryIdempotencyStore(24 * time.Hour)
	base.Now = func() time.Time { return testNow }
	idempotency := &countingIdempotency{IdempotencyStore: base}
	routes := core.NewMemoryRoutingIndex()
	queue := core.NewMemoryDeliveryQueue()
	deadLetters := core.NewMemoryDeadLetterStore()
	forwarder := NewForwarder(routes, queue, deadLetters, nil, core.DefaultConfig().Queue, core.Observer{})
	receiver := NewReceiver(registry, idempotency, forwarder, core.DefaultConfig().Webhooks, core.Observer{})
	receiver.Now = func() time.Time { return testNow }
	return &fixture{receiver: receiver, idempotency: idempotency, routes: routes, queue: queue, deadLetters: deadLetters}
}

func p1Request(deliveryID string, resource string) Request {
	return Request{
		Provider: "P1",
		Body:     []byte(`{"resource":"` + resource + `"}`),
		Headers:  map[string]string{"X-Sig": "p1-secret", "X-Delivery": deliveryID},
	}
}

func TestReceiver_ConcurrentReplaysPublishOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.routes.Put(ctx, core.Route{Provider: "p1", ResourceID: "r1", ConnectionID: "c1", TenantID: "t1"}); err != nil {
		t.Fatalf("put route: %v", err)
	}

	var wg sync.WaitGroup
	results := make([]Result, 5)
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.receiver.Receive(ctx, p1Request("abc", "r1"))
		}(i)
	}
	wg.Wait()

	accepted, duplicates := 0, 0
	for i, result := range results {
		if errs[i] != nil {
			t.Fatalf("receive %d: %v", i, errs[i])
		}
		if result.StatusCode != http.StatusOK || result.DeliveryID != "abc" {
			t.Fatalf("unexpected result: %+v", result)
		}
		switch result.Status {
		case StatusAccepted:
			accepted++
		case StatusDuplicate:
			duplicates++
		}
	}
	if accepted != 1 || duplicates != 4 {
		t.Fatalf("expected 1 accepted and 4 duplicates, got %d/%d", accepted, duplicates)
	}

	messages := f.queue.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected exactly one publish, got %d", len(messages))
	}
	envelope := messages[0].Envelope
	if envelope.DeliveryID != "abc" || envelope.ConnectionID != "c1" || envelope.TenantID != "t1" ||
		envelope.Provider != "p1" || core.StringValue(envelope.ResourceID) != "r1" {
		t.Fatalf("unexpected envelope: %+v", envelope)
	}
	if messages[0].DedupID != "p1:abc" {
		t.Fatalf("unexpected dedup id %q", messages[0].DedupID)
	}
}

func TestReceiver_InvalidSignatureWritesNothing(t *testing.T) {
	f := newFixture(t)
	req := p1Request("abc", "r1")
	req.Headers["X-Sig"] = "wrong"

	result, err := f.receiver.Receive(context.Background(), req)
	if !core.HasTextCode(err, core.ErrorInvalidSignature) || result.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected invalid_signature 401, got %+v %v", result, err)
	}
	if f.idempotency.writes != 0 {
		t.Fatalf("expected no dedupe write, got %d", f.idempotency.writes)
	}

	// The genuine delivery is still accepted afterwards.
	result, err = f.receiver.Receive(context.Background(), p1Request("abc", "r1"))
	if err != nil || result.Status == StatusDuplicate {
		t.Fatalf("expected genuine delivery to pass, got %+v %v", result, err)
	}
}

func TestReceiver_UnknownProvider(t *testing.T) {
	f := newFixture(t)
	result, err := f.receiver.Receive(context.Background(), Request{Provider: "nope", Body: []byte(`{}`)})
	if !core.HasTextCode(err, core.ErrorUnknownProvider) || result.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected unknown_provider 400, got %+v %v", result, err)
	}
}

func TestReceiver_InvalidPayload(t *testing.T) {
	f := newFixture(t)
	req := p1Request("abc", "r1")
	req.Body = []byte(`not json`)
	result, err := f.receiver.Receive(context.Background(), req)
	if !core.HasTextCode(err, core.ErrorInvalidPayload) || result.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected invalid_payload 400, got %+v %v", result, err)
	}
	if f.idempotency.writes != 0 {
		t.Fatalf("expected no dedupe write for invalid payload")
	}
}

func TestReceiver_SchemaViolationIsInvalidPayload(t *testing.T) {
	f := newFixture(t)
	body := []byte(`{"repository":{"id":"not-a-number"}}`)
	req := Request{
		Provider: "github",
		Body:     body,
		Headers: map[string]string{
			"X-Hub-Signature-256": github.Sign(body, "gh-secret"),
			"X-GitHub-Delivery":   "d-1",
			"X-GitHub-Event":      "push",
		},
	}
	if _, err := f.receiver.Receive(context.Background(), req); !core.HasTextCode(err, core.ErrorInvalidPayload) {
		t.Fatalf("expected invalid_payload, got %v", err)
	}
}

func TestReceiver_UnresolvedGoesToDeadLetters(t *testing.T) {
	f := newFixture(t)
	result, err := f.receiver.Receive(context.Background(), p1Request("abc", "unknown-repo"))
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if result.Status != StatusUnresolvable || result.StatusCode != http.StatusOK || result.DeadLetterID == "" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(f.queue.Messages()) != 0 {
		t.Fatalf("expected nothing published")
	}
	letters, _ := f.deadLetters.List(context.Background(), core.DeadLetterFilter{})
	if len(letters) != 1 || letters[0].Reason != core.DeadLetterUnresolvable || letters[0].ResourceID != "unknown-repo" {
		t.Fatalf("unexpected dead letters: %+v", letters)
	}
	var payload map[string]any
	if err := json.Unmarshal(letters[0].Payload, &payload); err != nil || payload["resource"] != "unknown-repo" {
		t.Fatalf("expected raw payload kept, got %s", letters[0].Payload)
	}

	again, err := f.receiver.Receive(context.Background(), p1Request("abc", "unknown-repo"))
	if err != nil || again.Status != StatusDuplicate {
		t.Fatalf("expected duplicate for replayed unresolved delivery, got %+v %v", again, err)
	}
}

func TestReceiver_MissingResourceIsUnresolvable(t *testing.T) {
	f := newFixture(t)
	req := p1Request("abc", "")
	req.Body = []byte(`{}`)
	result, err := f.receiver.Receive(context.Background(), req)
	if err != nil || result.Status != StatusUnresolvable {
		t.Fatalf("expected unresolvable, got %+v %v", result, err)
	}
}

func TestReceiver_PublishFailureReleasesDedupeKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.routes.Put(ctx, core.Route{Provider: "p1", ResourceID: "r1", ConnectionID: "c1", TenantID: "t1"})
	queue := &failingQueue{}
	f.receiver.Forwarder.Queue = queue

	result, err := f.receiver.Receive(ctx, p1Request("abc", "r1"))
	if err == nil || result.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500 on publish failure, got %+v %v", result, err)
	}

	f.receiver.Forwarder.Queue = f.queue
	result, err = f.receiver.Receive(ctx, p1Request("abc", "r1"))
	if err != nil || result.Status != StatusAccepted {
		t.Fatalf("expected provider retry to be accepted, got %+v %v", result, err)
	}
}

func TestReceiver_GitHubDeliveryEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.routes.Put(ctx, core.Route{Provider: "github", ResourceID: "1296269", ConnectionID: "c9", TenantID: "t9"})
	body := []byte(`{"action":"opened","repository":{"id":1296269},"sender":{"id":42,"login":"alice"}}`)
	req := Request{
		Provider: "GitHub",
		Body:     body,
		Headers: map[string]string{
			"X-Hub-Signature-256": github.Sign(body, "gh-secret"),
			"X-GitHub-Delivery":   "72d3162e",
			"X-GitHub-Event":      "pull_request",
		},
	}
	result, err := f.receiver.Receive(ctx, req)
	if err != nil || result.Status != StatusAccepted || result.ConnectionID != "c9" {
		t.Fatalf("unexpected result: %+v %v", result, err)
	}
	envelope := f.queue.Messages()[0].Envelope
	if envelope.EventType != "pull_request.opened" || envelope.Provider != "github" {
		t.Fatalf("unexpected envelope: %+v", envelope)
	}
	if string(envelope.Payload) != string(body) {
		t.Fatalf("expected raw payload forwarded")
	}
}
