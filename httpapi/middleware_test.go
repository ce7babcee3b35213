package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRequireAPIKeyWithEmptyKeyRejectsAll(t *testing.T) {
	handler := RequireAPIKey("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/admin/dlq", nil)
	req.Header.Set(APIKeyHeader, "")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestClientIPPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.9:5000"
	if got := clientIP(req); got != "10.0.0.9" {
		t.Fatalf("expected remote host, got %q", got)
	}
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if got := clientIP(req); got != "203.0.113.7" {
		t.Fatalf("expected first forwarded address, got %q", got)
	}
}

func TestRateLimiterDisabledWithoutRate(t *testing.T) {
	if limiter := NewRateLimiter(0, 10, 10, time.Minute); limiter != nil {
		t.Fatalf("expected nil limiter for zero rate")
	}
	var limiter *RateLimiter
	for i := 0; i < 5; i++ {
		if !limiter.Allow("client") {
			t.Fatalf("nil limiter must allow every request")
		}
	}
}

func TestFlattenHeadersKeepsFirstValue(t *testing.T) {
	header := http.Header{}
	header.Add("X-Linear-Signature", "a")
	header.Add("X-Linear-Signature", "b")
	flat := flattenHeaders(header)
	if flat["x-linear-signature"] != "a" {
		t.Fatalf("unexpected flattened headers: %v", flat)
	}
}
