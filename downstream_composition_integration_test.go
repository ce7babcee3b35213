package gateway_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	gateway "github.com/goliatone/go-integration-gateway"
	"github.com/goliatone/go-integration-gateway/adapters/gocommand"
	"github.com/goliatone/go-integration-gateway/adapters/gojob"
	"github.com/goliatone/go-integration-gateway/admin"
	gatewaycommand "github.com/goliatone/go-integration-gateway/command"
	"github.com/goliatone/go-integration-gateway/core"
	"github.com/goliatone/go-integration-gateway/httpapi"
	"github.com/goliatone/go-integration-gateway/providers/github"
	"github.com/goliatone/go-integration-gateway/query"
)

const pullRequestBody = `{"action":"opened","repository":{"id":1296269},"sender":{"id":42,"login":"alice"}}`

func TestGateway_PollTransportDeliversVerifiedWebhook(t *testing.T) {
	ctx := context.Background()
	sink := &recordingConsumer{}
	g := newGateway(t, "poll", sink)
	seedConnection(t, g)

	rec := postPullRequest(t, g, "72d3162e")
	if rec.Code/100 != 2 {
		t.Fatalf("expected webhook to be accepted, got %d: %s", rec.Code, rec.Body.String())
	}
	if g.Worker != nil || g.Dispatcher == nil {
		t.Fatalf("expected poll transport to build the queue dispatcher only")
	}
	if _, err := g.Dispatcher.DispatchPending(ctx, 0); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	assertDelivered(t, sink)
}

func TestGateway_GoJobTransportDeliversVerifiedWebhook(t *testing.T) {
	ctx := context.Background()
	sink := &recordingConsumer{}
	g := newGateway(t, "gojob", sink)
	seedConnection(t, g)

	rec := postPullRequest(t, g, "72d3162e")
	if rec.Code/100 != 2 {
		t.Fatalf("expected webhook to be accepted, got %d: %s", rec.Code, rec.Body.String())
	}
	if g.Dispatcher != nil || g.Worker == nil || g.JobQueue == nil {
		t.Fatalf("expected gojob transport to build the worker and memory queue")
	}
	if g.JobQueue.Len() != 1 {
		t.Fatalf("expected one queued job, got %d", g.JobQueue.Len())
	}
	processed, err := g.Worker.ProcessOne(ctx)
	if err != nil || !processed {
		t.Fatalf("expected processed job, got processed=%v err=%v", processed, err)
	}
	assertDelivered(t, sink)
	if g.JobQueue.Len() != 0 {
		t.Fatalf("expected job to be acked, %d left", g.JobQueue.Len())
	}
}

func TestGateway_DuplicateDeliveryIsDroppedBeforeQueueing(t *testing.T) {
	ctx := context.Background()
	sink := &recordingConsumer{}
	g := newGateway(t, "poll", sink)
	seedConnection(t, g)

	for i := 0; i < 2; i++ {
		if rec := postPullRequest(t, g, "dup-1"); rec.Code/100 != 2 {
			t.Fatalf("pass %d: unexpected status %d", i, rec.Code)
		}
	}
	if _, err := g.Dispatcher.DispatchPending(ctx, 0); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(sink.envelopes()) != 1 {
		t.Fatalf("expected one delivery for a duplicated webhook, got %d", len(sink.envelopes()))
	}
}

func TestGateway_BusDispatchesAdminCommands(t *testing.T) {
	ctx := context.Background()
	g := newGateway(t, "poll", &recordingConsumer{})
	seedConnection(t, g)

	bus, err := g.Bus()
	if err != nil {
		t.Fatalf("bus: %v", err)
	}
	defer bus.Close()

	rebuilt, err := gocommand.DispatchResult[gatewaycommand.RebuildRoutingIndexMessage, admin.RebuildResult](ctx, gatewaycommand.RebuildRoutingIndexMessage{})
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if rebuilt.Routes != 1 {
		t.Fatalf("expected one route, got %+v", rebuilt)
	}
	route, err := gocommand.Query[query.ResolveRouteMessage, core.Route](ctx, query.ResolveRouteMessage{Provider: "github", ResourceID: "1296269"})
	if err != nil || route.ConnectionID != "conn_1" {
		t.Fatalf("unexpected route %+v: %v", route, err)
	}
}

func TestGateway_NewRejectsIncompleteSetups(t *testing.T) {
	cfg := testConfig("poll")
	cfg.Database.Driver = "sqlite"
	if _, err := gateway.New(cfg, gateway.WithConsumer(&recordingConsumer{})); err == nil {
		t.Fatalf("expected sqlite driver without stores to fail")
	}

	cfg = testConfig("poll")
	cfg.Providers["gitlab"] = core.ProviderConfig{WebhookSecret: "s"}
	if _, err := gateway.New(cfg, gateway.WithConsumer(&recordingConsumer{})); err == nil {
		t.Fatalf("expected provider without factory to fail")
	}

	cfg = testConfig("poll")
	cfg.Consumer.URL = ""
	if _, err := gateway.New(cfg); err == nil {
		t.Fatalf("expected missing consumer url to fail")
	}
}

func TestGateway_GoJobWithDurableStoresNeedsJobQueue(t *testing.T) {
	cfg := testConfig("gojob")
	cfg.Database.Driver = "sqlite"
	stores := gateway.WithStores(gateway.MemoryStores(cfg))
	if _, err := gateway.New(cfg, stores, gateway.WithConsumer(&recordingConsumer{})); err == nil {
		t.Fatalf("expected gojob over sqlite without a job queue to fail")
	}

	jobs := gojob.NewMemoryQueue()
	g, err := gateway.New(cfg, stores, gateway.WithConsumer(&recordingConsumer{}), gateway.WithJobQueue(jobs, jobs))
	if err != nil {
		t.Fatalf("expected an explicit job queue to be accepted: %v", err)
	}
	if g.JobQueue != nil {
		t.Fatalf("expected the supplied queue to replace the in-process one")
	}
}

func TestGateway_RunRepairsRoutingIndexDrift(t *testing.T) {
	cfg := testConfig("poll")
	cfg.Routing.RebuildInterval = 5 * time.Millisecond
	cfg.Queue.SweepInterval = 0
	g, err := gateway.New(cfg, gateway.WithConsumer(&recordingConsumer{}))
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	seedConnection(t, g)
	if err := g.Stores.Routes.Remove(context.Background(), "github", "1296269"); err != nil {
		t.Fatalf("remove route: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	waitFor(t, func() bool {
		route, found, _ := g.Stores.Routes.Resolve(context.Background(), "github", "1296269")
		return found && route.ConnectionID == "conn_1"
	})
}

func TestGateway_RunSweepsDeliveredMessages(t *testing.T) {
	cfg := testConfig("poll")
	cfg.Queue.Retention = time.Millisecond
	cfg.Queue.SweepInterval = 5 * time.Millisecond
	cfg.Routing.RebuildInterval = 0
	sink := &recordingConsumer{}
	g, err := gateway.New(cfg, gateway.WithConsumer(sink))
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	seedConnection(t, g)
	if rec := postPullRequest(t, g, "sweep-1"); rec.Code/100 != 2 {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if _, err := g.Dispatcher.DispatchPending(context.Background(), 0); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	queue := g.Stores.Queue.(*core.MemoryDeliveryQueue)
	if len(queue.Messages()) != 1 {
		t.Fatalf("expected the delivered message to be retained until the sweep")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	waitFor(t, func() bool { return len(queue.Messages()) == 0 })
	assertDelivered(t, sink)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func newGateway(t *testing.T, transport string, sink core.Consumer) *gateway.Gateway {
	t.Helper()
	g, err := gateway.New(testConfig(transport), gateway.WithConsumer(sink))
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	return g
}

func testConfig(transport string) gateway.Config {
	cfg := gateway.DefaultConfig()
	cfg.Database.Driver = "memory"
	cfg.Jobs.Transport = transport
	cfg.Consumer.URL = "http://consumer.test/events"
	cfg.Security.AppKey = "integration-test-app-key"
	cfg.Providers = map[string]core.ProviderConfig{
		"github": {WebhookSecret: "gh-secret"},
	}
	return cfg
}

func seedConnection(t *testing.T, g *gateway.Gateway) {
	t.Helper()
	ctx := context.Background()
	sealed, err := g.Vault.Seal(ctx, "conn_1", core.Credential{AccessToken: "gho_token"})
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	_, err = g.Stores.Connections.CreateWithCredential(ctx,
		core.Connection{ID: "conn_1", TenantID: "t1", Provider: "github", Status: core.ConnectionStatusActive},
		sealed,
		[]core.Resource{{ExternalResourceID: "1296269", DisplayName: "octocat/hello-world"}},
	)
	if err != nil {
		t.Fatalf("create connection: %v", err)
	}
	if err := g.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
}

func postPullRequest(t *testing.T, g *gateway.Gateway, deliveryID string) *httptest.ResponseRecorder {
	t.Helper()
	body := []byte(pullRequestBody)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", github.Sign(body, "gh-secret"))
	req.Header.Set("X-GitHub-Delivery", deliveryID)
	req.Header.Set("X-GitHub-Event", "pull_request")
	rec := httptest.NewRecorder()
	g.Handler(httpapi.Options{}).ServeHTTP(rec, req)
	return rec
}

func assertDelivered(t *testing.T, sink *recordingConsumer) {
	t.Helper()
	delivered := sink.envelopes()
	if len(delivered) != 1 {
		t.Fatalf("expected one delivery, got %d", len(delivered))
	}
	envelope := delivered[0]
	if envelope.ConnectionID != "conn_1" || envelope.TenantID != "t1" || envelope.EventType != "pull_request.opened" {
		t.Fatalf("unexpected envelope: %+v", envelope)
	}
	if string(envelope.Payload) != pullRequestBody {
		t.Fatalf("expected raw payload to be forwarded, got %s", envelope.Payload)
	}
	if envelope.ReceivedAt.IsZero() || envelope.ReceivedAt.After(time.Now().Add(time.Minute)) {
		t.Fatalf("unexpected received at %v", envelope.ReceivedAt)
	}
}

type recordingConsumer struct {
	mu        sync.Mutex
	delivered []core.DeliveryEnvelope
}

func (c *recordingConsumer) Deliver(_ context.Context, envelope core.DeliveryEnvelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delivered = append(c.delivered, envelope)
	return nil
}

func (c *recordingConsumer) envelopes() []core.DeliveryEnvelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]core.DeliveryEnvelope(nil), c.delivered...)
}

func TestMemoryStores_DedupCapacityFromConfig(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig("poll")
	cfg.Webhooks.DedupCapacity = 2
	keys := gateway.MemoryStores(cfg).Idempotency.(*core.MemoryIdempotencyStore)

	for _, key := range []string{"github:d1", "github:d2", "github:d3"} {
		if created, err := keys.SetIfAbsent(ctx, key, "v", 0); err != nil || !created {
			t.Fatalf("set %s: created=%v err=%v", key, created, err)
		}
	}
	if keys.Len() != 2 {
		t.Fatalf("expected the cache to hold 2 keys, got %d", keys.Len())
	}
	if created, _ := keys.SetIfAbsent(ctx, "github:d1", "v", 0); !created {
		t.Fatalf("expected the evicted key to be accepted again")
	}
}
