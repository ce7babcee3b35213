package linear

import (
	"testing"
	"time"

	"github.com/goliatone/go-integration-gateway/providers"
)

func TestAdapter_VerifyAndExtract(t *testing.T) {
	adapter := NewAdapter()
	body := []byte(`{"action":"create","type":"Issue","organizationId":"org_1","data":{"teamId":"team_1"}}`)
	headers := map[string]string{
		"Linear-Signature": Sign(body, "secret"),
		"Linear-Delivery":  "del-1",
		"Linear-Event":     "Issue",
	}
	if !adapter.Verify(body, headers, "secret") {
		t.Fatalf("expected valid signature")
	}
	payload, _ := providers.ParsePayload(body)
	if got := adapter.ExtractDeliveryID(headers, payload, time.Now()); got != "del-1" {
		t.Fatalf("unexpected delivery id %q", got)
	}
	if got := adapter.ExtractEventType(headers, payload); got != "Issue.create" {
		t.Fatalf("unexpected event type %q", got)
	}
	if got := adapter.ExtractResourceID(payload); got != "team_1" {
		t.Fatalf("unexpected resource id %q", got)
	}
}

func TestAdapter_ResourceFallsBackToOrganization(t *testing.T) {
	payload, _ := providers.ParsePayload([]byte(`{"action":"update","type":"Organization","organizationId":"org_1","data":{}}`))
	if got := NewAdapter().ExtractResourceID(payload); got != "org_1" {
		t.Fatalf("unexpected resource id %q", got)
	}
}
