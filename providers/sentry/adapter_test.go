package sentry

import (
	"testing"
	"time"

	"github.com/goliatone/go-integration-gateway/providers"
)

func TestAdapter_VerifyAndExtract(t *testing.T) {
	adapter := NewAdapter()
	body := []byte(`{"action":"created","installation":{"uuid":"inst-1"},"data":{"issue":{"project":{"id":"1234"}}}}`)
	headers := map[string]string{
		"Sentry-Hook-Signature": Sign(body, "secret"),
		"Sentry-Hook-Resource":  "issue",
		"Request-ID":            "req-1",
	}
	if !adapter.Verify(body, headers, "secret") {
		t.Fatalf("expected valid signature")
	}
	if adapter.Verify(body, map[string]string{}, "secret") {
		t.Fatalf("expected missing header to fail")
	}
	payload, _ := providers.ParsePayload(body)
	if got := adapter.ExtractDeliveryID(headers, payload, time.Now()); got != "req-1" {
		t.Fatalf("unexpected delivery id %q", got)
	}
	if got := adapter.ExtractEventType(headers, payload); got != "issue.created" {
		t.Fatalf("unexpected event type %q", got)
	}
	if got := adapter.ExtractResourceID(payload); got != "1234" {
		t.Fatalf("unexpected resource id %q", got)
	}
}
