package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goliatone/go-integration-gateway/admin"
	"github.com/goliatone/go-integration-gateway/core"
	"github.com/goliatone/go-integration-gateway/lifecycle"
	"github.com/goliatone/go-integration-gateway/webhooks"
	"github.com/prometheus/client_golang/prometheus"
)

const testAPIKey = "secret-key"

var fixedNow = time.Date(2026, 2, 13, 12, 0, 0, 0, time.UTC)

func TestWebhookAcceptedResponse(t *testing.T) {
	receiver := &stubReceiver{result: webhooks.Result{Status: webhooks.StatusAccepted, DeliveryID: "abc", StatusCode: http.StatusOK, ConnectionID: "c1"}}
	router := NewRouter(Services{Webhooks: receiver}, Options{})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", strings.NewReader(`{"ref":"main"}`))
	req.Header.Set("X-GitHub-Delivery", "abc")
	req.Header.Set("X-Hub-Signature-256", "sha256=00")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["status"] != "accepted" || body["deliveryId"] != "abc" {
		t.Fatalf("unexpected body: %v", body)
	}
	if _, leaked := body["ConnectionID"]; leaked {
		t.Fatalf("internal fields must not be rendered: %v", body)
	}
	if receiver.last.Provider != "github" || string(receiver.last.Body) != `{"ref":"main"}` {
		t.Fatalf("unexpected request: %+v", receiver.last)
	}
	if receiver.last.Headers["x-github-delivery"] != "abc" {
		t.Fatalf("expected lower-cased headers, got %v", receiver.last.Headers)
	}
}

func TestWebhookRejectionsCarryOnlyTextCode(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"signature", core.NewError(core.ErrorInvalidSignature, "invalid signature"), http.StatusUnauthorized, "invalid_signature"},
		{"provider", core.NewError(core.ErrorUnknownProvider, "unknown provider"), http.StatusBadRequest, "unknown_provider"},
		{"payload", core.NewError(core.ErrorInvalidPayload, "invalid payload"), http.StatusBadRequest, "invalid_payload"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router := NewRouter(Services{Webhooks: &stubReceiver{err: tc.err}}, Options{})
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhooks/github", strings.NewReader(`{}`)))
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
			body := decodeBody(t, rr)
			if body["error"] != tc.code {
				t.Fatalf("expected %q, got %v", tc.code, body)
			}
			if _, ok := body["message"]; ok {
				t.Fatalf("webhook rejections must not carry a message: %v", body)
			}
		})
	}
}

func TestWebhookBodyLimit(t *testing.T) {
	receiver := &stubReceiver{}
	router := NewRouter(Services{Webhooks: receiver}, Options{MaxBodyBytes: 8})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhooks/github", strings.NewReader(`{"too":"large"}`)))
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rr.Code)
	}
	if receiver.calls != 0 {
		t.Fatalf("expected oversized body to never reach the receiver")
	}
}

func TestWebhookRateLimitPerClient(t *testing.T) {
	receiver := &stubReceiver{result: webhooks.Result{Status: webhooks.StatusDuplicate, DeliveryID: "abc", StatusCode: http.StatusOK}}
	router := NewRouter(Services{Webhooks: receiver}, Options{RateLimiter: NewRateLimiter(1, 1, 16, time.Minute)})

	send := func(addr string) int {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/github", strings.NewReader(`{}`))
		req.RemoteAddr = addr
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		return rr.Code
	}
	if code := send("10.0.0.1:1234"); code != http.StatusOK {
		t.Fatalf("expected first call 200, got %d", code)
	}
	if code := send("10.0.0.1:1234"); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", code)
	}
	if code := send("10.0.0.2:1234"); code != http.StatusOK {
		t.Fatalf("expected separate bucket per client, got %d", code)
	}
}

func TestConnectionRoutesRequireAPIKey(t *testing.T) {
	router := NewRouter(Services{Connections: &stubConnections{}}, Options{APIKey: testAPIKey})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/connections/c1/token", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/connections/c1/token", nil)
	req.Header.Set(APIKeyHeader, "wrong")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong key, got %d", rr.Code)
	}
}

func TestVendTokenIsNotCacheable(t *testing.T) {
	svc := &stubConnections{}
	router := NewRouter(Services{Connections: svc}, Options{APIKey: testAPIKey})
	rr := serve(router, http.MethodGet, "/connections/c1/token", "")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("Cache-Control") != "no-store" {
		t.Fatalf("expected no-store, got %q", rr.Header().Get("Cache-Control"))
	}
	body := decodeBody(t, rr)
	if body["accessToken"] != "tok-c1" || body["expiresAt"] == nil {
		t.Fatalf("unexpected token body: %v", body)
	}
	if _, ok := body["connectionId"]; ok {
		t.Fatalf("token body should only carry the token and expiry: %v", body)
	}
}

func TestConnectionErrorsMapToTextCodes(t *testing.T) {
	svc := &stubConnections{
		teardownErr: core.NewError(core.ErrorAlreadyRevoked, "connection is already revoked"),
		vendErr:     core.NewError(core.ErrorNoToken, "no credential"),
		refreshErr:  core.NewError(core.ErrorProviderUnreachable, "token endpoint timed out"),
	}
	router := NewRouter(Services{Connections: svc}, Options{APIKey: testAPIKey})

	rr := serve(router, http.MethodDelete, "/connections/github/c1", "")
	if rr.Code != http.StatusConflict || decodeBody(t, rr)["error"] != "already_revoked" {
		t.Fatalf("expected already_revoked 409, got %d %s", rr.Code, rr.Body.String())
	}
	if svc.lastTeardown.Provider != "github" || svc.lastTeardown.ConnectionID != "c1" {
		t.Fatalf("unexpected teardown request: %+v", svc.lastTeardown)
	}

	rr = serve(router, http.MethodGet, "/connections/c1/token", "")
	if rr.Code != http.StatusNotFound || decodeBody(t, rr)["error"] != "no_token" {
		t.Fatalf("expected no_token 404, got %d %s", rr.Code, rr.Body.String())
	}

	rr = serve(router, http.MethodPost, "/connections/c1/refresh", "")
	body := decodeBody(t, rr)
	if rr.Code != http.StatusBadGateway || body["error"] != "provider_unreachable" {
		t.Fatalf("expected provider_unreachable 502, got %d %v", rr.Code, body)
	}
	if strings.Contains(rr.Body.String(), "timed out") {
		t.Fatalf("server errors must not leak internal messages: %s", rr.Body.String())
	}
}

func TestAuthorizeAndCallback(t *testing.T) {
	svc := &stubConnections{}
	router := NewRouter(Services{Connections: svc}, Options{APIKey: testAPIKey, SuccessURL: "https://app.example.com/done"})

	rr := serve(router, http.MethodGet, "/connections/github/authorize?tenant_id=t1", "")
	if rr.Code != http.StatusOK || decodeBody(t, rr)["url"] != "https://github.com/login/oauth/authorize?state=st" {
		t.Fatalf("unexpected authorize response: %d %s", rr.Code, rr.Body.String())
	}
	if svc.lastAuthorize.TenantID != "t1" || svc.lastAuthorize.Provider != "github" {
		t.Fatalf("unexpected authorize request: %+v", svc.lastAuthorize)
	}

	rr = serve(router, http.MethodGet, "/connections/github/authorize?tenant_id=t1&redirect=true", "")
	if rr.Code != http.StatusFound || rr.Header().Get("Location") != "https://github.com/login/oauth/authorize?state=st" {
		t.Fatalf("expected consent redirect, got %d %q", rr.Code, rr.Header().Get("Location"))
	}

	// The browser arrives from the provider without the api key.
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/connections/github/callback?code=c&state=st", nil))
	if rr.Code != http.StatusFound {
		t.Fatalf("expected redirect after callback, got %d %s", rr.Code, rr.Body.String())
	}
	if location := rr.Header().Get("Location"); location != "https://app.example.com/done?connection_id=conn_1&provider=github" {
		t.Fatalf("unexpected success redirect %q", location)
	}
	if svc.lastCallback.Code != "c" || svc.lastCallback.State != "st" {
		t.Fatalf("unexpected callback request: %+v", svc.lastCallback)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/connections/github/callback?error=access_denied&state=st", nil))
	if rr.Code != http.StatusBadRequest || decodeBody(t, rr)["error"] != "invalid_state" {
		t.Fatalf("expected denied authorization to fail, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestResourceLinkAndUnlink(t *testing.T) {
	svc := &stubConnections{}
	router := NewRouter(Services{Connections: svc}, Options{APIKey: testAPIKey})

	rr := serve(router, http.MethodPost, "/connections/c1/resources", `{"resourceId":"r1","displayName":"octo/repo"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["resourceId"] != "r1" || body["connectionId"] != "c1" {
		t.Fatalf("unexpected resource body: %v", body)
	}

	rr = serve(router, http.MethodPost, "/connections/c1/resources", `{"resource":"r1"}`)
	if rr.Code != http.StatusBadRequest || decodeBody(t, rr)["error"] != "bad_input" {
		t.Fatalf("expected unknown fields to be rejected, got %d %s", rr.Code, rr.Body.String())
	}

	rr = serve(router, http.MethodDelete, "/connections/c1/resources/r1", "")
	if rr.Code != http.StatusNoContent || svc.unlinked != "c1/r1" {
		t.Fatalf("expected unlink 204, got %d %q", rr.Code, svc.unlinked)
	}

	rr = serve(router, http.MethodGet, "/connections/c1/resources", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"resourceId":"r1"`) {
		t.Fatalf("unexpected resource listing: %d %s", rr.Code, rr.Body.String())
	}
}

func TestAdminDeadLetterRoutes(t *testing.T) {
	svc := &stubAdmin{}
	router := NewRouter(Services{Admin: svc}, Options{APIKey: testAPIKey})

	rr := serve(router, http.MethodGet, "/admin/dlq?provider=github&reason=unresolvable&limit=10", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rr.Code, rr.Body.String())
	}
	if svc.lastList.Provider != "github" || svc.lastList.Reason != core.DeadLetterUnresolvable || svc.lastList.Limit != 10 {
		t.Fatalf("unexpected list filter: %+v", svc.lastList)
	}
	if !strings.Contains(rr.Body.String(), `"deadLetters":[`) {
		t.Fatalf("expected dead letter array, got %s", rr.Body.String())
	}

	rr = serve(router, http.MethodGet, "/admin/dlq?limit=ten", "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected bad limit to fail, got %d", rr.Code)
	}

	rr = serve(router, http.MethodPost, "/admin/dlq/replay", `{"ids":["dl1","dl2"],"reason":"delivery_failed"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected replay 200, got %d %s", rr.Code, rr.Body.String())
	}
	if len(svc.lastReplay.IDs) != 2 || svc.lastReplay.Reason != core.DeadLetterDeliveryFailed {
		t.Fatalf("unexpected replay filter: %+v", svc.lastReplay)
	}
	if decodeBody(t, rr)["replayed"] != float64(2) {
		t.Fatalf("unexpected replay body: %s", rr.Body.String())
	}

	rr = serve(router, http.MethodPost, "/admin/cache/rebuild", "")
	if rr.Code != http.StatusOK || decodeBody(t, rr)["routes"] != float64(4) {
		t.Fatalf("unexpected rebuild response: %d %s", rr.Code, rr.Body.String())
	}
}

func TestAdminHealthIsPublic(t *testing.T) {
	svc := &stubAdmin{}
	router := NewRouter(Services{Admin: svc}, Options{APIKey: testAPIKey})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/admin/health", nil))
	if rr.Code != http.StatusOK || decodeBody(t, rr)["status"] != "ok" {
		t.Fatalf("unexpected health: %d %s", rr.Code, rr.Body.String())
	}

	svc.degraded = true
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/admin/health", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when degraded, got %d", rr.Code)
	}
}

func TestRouteAndAttributionLookups(t *testing.T) {
	ctx := context.Background()
	routes := core.NewMemoryRoutingIndex()
	if err := routes.Put(ctx, core.Route{Provider: "github", ResourceID: "r1", ConnectionID: "c1", TenantID: "t1"}); err != nil {
		t.Fatalf("put route: %v", err)
	}
	attributions := core.NewMemoryAttributionStore()
	if err := attributions.Record(ctx, core.Attribution{TenantID: "t1", CorrelationKey: "sha1", DeliveryID: "abc", ActorID: "42", ActorName: "alice", Strength: core.IdentityStrong, UpdatedAt: fixedNow}); err != nil {
		t.Fatalf("record attribution: %v", err)
	}
	router := NewRouter(Services{Routes: routes, Attributions: attributions}, Options{APIKey: testAPIKey})

	rr := serve(router, http.MethodGet, "/admin/routes/github/r1", "")
	if rr.Code != http.StatusOK || decodeBody(t, rr)["connectionId"] != "c1" {
		t.Fatalf("unexpected route lookup: %d %s", rr.Code, rr.Body.String())
	}
	rr = serve(router, http.MethodGet, "/admin/routes/github/missing", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing route, got %d", rr.Code)
	}

	rr = serve(router, http.MethodGet, "/admin/attributions?tenant_id=t1&correlation_key=sha1", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"strength":"strong"`) {
		t.Fatalf("unexpected attributions: %d %s", rr.Code, rr.Body.String())
	}
	rr = serve(router, http.MethodGet, "/admin/attributions?tenant_id=t1", "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected missing correlation key to fail, got %d", rr.Code)
	}
}

func TestMetricsEndpointUsesRoutePatterns(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics, err := NewMetrics(registry)
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	receiver := &stubReceiver{result: webhooks.Result{Status: webhooks.StatusAccepted, DeliveryID: "abc", StatusCode: http.StatusOK}}
	router := NewRouter(Services{Webhooks: receiver}, Options{Metrics: metrics, Gatherer: registry})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhooks/github", strings.NewReader(`{}`)))

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected metrics 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `gateway_http_requests_total{method="POST",route="/webhooks/{provider}",status="200"} 1`) {
		t.Fatalf("expected webhook request counter, got:\n%s", rr.Body.String())
	}
}

func serve(router http.Handler, method string, target string, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(APIKeyHeader, testAPIKey)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", rr.Body.String(), err)
	}
	return body
}

type stubReceiver struct {
	result webhooks.Result
	err    error
	last   webhooks.Request
	calls  int
}

func (s *stubReceiver) Receive(_ context.Context, req webhooks.Request) (webhooks.Result, error) {
	s.calls++
	s.last = req
	if s.err != nil {
		return webhooks.Result{}, s.err
	}
	return s.result, nil
}

type stubConnections struct {
	teardownErr error
	vendErr     error
	refreshErr  error

	lastAuthorize lifecycle.AuthorizeRequest
	lastCallback  lifecycle.CallbackRequest
	lastTeardown  lifecycle.TeardownRequest
	unlinked      string
}

func (s *stubConnections) Authorize(_ context.Context, req lifecycle.AuthorizeRequest) (lifecycle.AuthorizeResponse, error) {
	s.lastAuthorize = req
	return lifecycle.AuthorizeResponse{URL: "https://github.com/login/oauth/authorize?state=st", State: "st", ExpiresAt: fixedNow.Add(15 * time.Minute)}, nil
}

func (s *stubConnections) Callback(_ context.Context, req lifecycle.CallbackRequest) (core.Connection, error) {
	s.lastCallback = req
	return core.Connection{ID: "conn_1", Provider: req.Provider, TenantID: "t1", Status: core.ConnectionStatusActive}, nil
}

func (s *stubConnections) Setup(_ context.Context, req lifecycle.SetupRequest) (core.Connection, error) {
	return core.Connection{ID: "conn_1", Provider: req.Provider, TenantID: req.TenantID, Status: core.ConnectionStatusActive}, nil
}

func (s *stubConnections) Teardown(_ context.Context, req lifecycle.TeardownRequest) (core.Connection, error) {
	s.lastTeardown = req
	if s.teardownErr != nil {
		return core.Connection{}, s.teardownErr
	}
	return core.Connection{ID: req.ConnectionID, Status: core.ConnectionStatusRevoked}, nil
}

func (s *stubConnections) Refresh(_ context.Context, id string) (core.Connection, error) {
	if s.refreshErr != nil {
		return core.Connection{}, s.refreshErr
	}
	return core.Connection{ID: id, Status: core.ConnectionStatusActive}, nil
}

func (s *stubConnections) VendToken(_ context.Context, id string) (core.VendedToken, error) {
	if s.vendErr != nil {
		return core.VendedToken{}, s.vendErr
	}
	return core.VendedToken{ConnectionID: id, AccessToken: "tok-" + id, ExpiresAt: fixedNow.Add(5 * time.Minute)}, nil
}

func (s *stubConnections) LinkResource(_ context.Context, req lifecycle.LinkResourceRequest) (core.Resource, error) {
	return core.Resource{Provider: "github", ExternalResourceID: req.ResourceID, ConnectionID: req.ConnectionID, TenantID: "t1", DisplayName: req.DisplayName, CreatedAt: fixedNow}, nil
}

func (s *stubConnections) UnlinkResource(_ context.Context, connectionID string, resourceID string) error {
	s.unlinked = connectionID + "/" + resourceID
	return nil
}

func (s *stubConnections) GetConnection(_ context.Context, id string) (core.Connection, error) {
	return core.Connection{ID: id, Status: core.ConnectionStatusActive}, nil
}

func (s *stubConnections) ListResources(_ context.Context, id string) ([]core.Resource, error) {
	return []core.Resource{{Provider: "github", ExternalResourceID: "r1", ConnectionID: id, TenantID: "t1"}}, nil
}

type stubAdmin struct {
	degraded   bool
	lastList   core.DeadLetterFilter
	lastReplay core.DeadLetterFilter
}

func (s *stubAdmin) RebuildRoutingIndex(context.Context) (admin.RebuildResult, error) {
	return admin.RebuildResult{Routes: 4, Added: 1}, nil
}

func (s *stubAdmin) ReplayDeadLetters(_ context.Context, filter core.DeadLetterFilter) (admin.ReplayResult, error) {
	s.lastReplay = filter
	return admin.ReplayResult{Selected: len(filter.IDs), Replayed: len(filter.IDs)}, nil
}

func (s *stubAdmin) ListDeadLetters(_ context.Context, filter core.DeadLetterFilter) ([]core.DeadLetter, error) {
	s.lastList = filter
	return nil, nil
}

func (s *stubAdmin) Health(context.Context) admin.Health {
	if s.degraded {
		return admin.Health{Status: "degraded", Checks: map[string]string{"store": "unreachable"}, Time: fixedNow}
	}
	return admin.Health{Status: "ok", Checks: map[string]string{}, Time: fixedNow}
}
