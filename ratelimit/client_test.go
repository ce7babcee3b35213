package ratelimit

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/goliatone/go-integration-gateway/core"
)

type stubDoer struct {
	calls  int
	status int
	header http.Header
}

func (s *stubDoer) Do(*http.Request) (*http.Response, error) {
	s.calls++
	return &http.Response{
		StatusCode: s.status,
		Header:     s.header,
		Body:       io.NopCloser(strings.NewReader("{}")),
	}, nil
}

func TestClient_FailsFastWhileHostIsThrottled(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	policy, _ := fixedPolicy(&now)
	header := http.Header{}
	header.Set("Retry-After", "60")
	next := &stubDoer{status: http.StatusTooManyRequests, header: header}
	client := NewClient(next, policy)

	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, "https://api.github.com/user", nil)
	response, err := client.Do(req)
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	response.Body.Close()

	req, _ = http.NewRequestWithContext(context.Background(), http.MethodGet, "https://api.github.com/user", nil)
	if _, err := client.Do(req); !core.HasTextCode(err, core.ErrorRateLimited) {
		t.Fatalf("expected rate_limited, got %v", err)
	}
	if next.calls != 1 {
		t.Fatalf("expected throttled call to skip the provider, got %d calls", next.calls)
	}

	req, _ = http.NewRequestWithContext(context.Background(), http.MethodGet, "https://api.linear.app/graphql", nil)
	response, err = client.Do(req)
	if err != nil {
		t.Fatalf("other host should pass: %v", err)
	}
	response.Body.Close()
	if next.calls != 2 {
		t.Fatalf("expected other host to reach the provider")
	}
}
