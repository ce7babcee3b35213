package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

func fixedPolicy(now *time.Time) (*AdaptivePolicy, *MemoryStateStore) {
	store := NewMemoryStateStore()
	policy := NewAdaptivePolicy(store)
	policy.Now = func() time.Time { return *now }
	return policy, store
}

func TestAdaptivePolicy_BeforeCallAllowsWhenNoState(t *testing.T) {
	policy := NewAdaptivePolicy(NewMemoryStateStore())
	if err := policy.BeforeCall(context.Background(), "api.github.com"); err != nil {
		t.Fatalf("expected no error when no state exists, got %v", err)
	}
}

func TestAdaptivePolicy_AfterCallParsesBudgetHeaders(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	policy, store := fixedPolicy(&now)

	headers := http.Header{}
	headers.Set("X-RateLimit-Limit", "5000")
	headers.Set("X-RateLimit-Remaining", "4999")
	headers.Set("X-RateLimit-Reset", "1700000045")
	if err := policy.AfterCall(context.Background(), "API.github.com", http.StatusOK, headers); err != nil {
		t.Fatalf("after call: %v", err)
	}

	state, err := store.Get(context.Background(), "api.github.com")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.Limit != 5000 || state.Remaining != 4999 {
		t.Fatalf("unexpected budget: limit=%d remaining=%d", state.Limit, state.Remaining)
	}
	if state.ResetAt == nil || !state.ResetAt.Equal(now.Add(45*time.Second)) {
		t.Fatalf("unexpected reset at %+v", state.ResetAt)
	}
	if state.ThrottledUntil != nil {
		t.Fatalf("expected no throttle window")
	}
}

func TestAdaptivePolicy_SpentBudgetBlocksUntilReset(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	policy, _ := fixedPolicy(&now)

	headers := http.Header{}
	headers.Set("X-RateLimit-Remaining", "0")
	headers.Set("X-RateLimit-Reset", "1700000030")
	headers.Set("Retry-After", "30")
	if err := policy.AfterCall(context.Background(), "api.linear.app", http.StatusOK, headers); err != nil {
		t.Fatalf("after call: %v", err)
	}

	err := policy.BeforeCall(context.Background(), "api.linear.app")
	var throttled ThrottledError
	if !errors.As(err, &throttled) {
		t.Fatalf("expected ThrottledError, got %v", err)
	}
	if throttled.RetryAfter != 30*time.Second {
		t.Fatalf("expected 30s retry, got %s", throttled.RetryAfter)
	}

	now = now.Add(31 * time.Second)
	if err := policy.BeforeCall(context.Background(), "api.linear.app"); err != nil {
		t.Fatalf("expected window to expire, got %v", err)
	}
}

func TestAdaptivePolicy_429UsesRetryAfter(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	policy, store := fixedPolicy(&now)

	headers := http.Header{}
	headers.Set("Retry-After", "10")
	if err := policy.AfterCall(context.Background(), "sentry.io", http.StatusTooManyRequests, headers); err != nil {
		t.Fatalf("after call throttled: %v", err)
	}

	state, err := store.Get(context.Background(), "sentry.io")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.Attempts != 1 {
		t.Fatalf("expected attempts 1, got %d", state.Attempts)
	}
	if state.ThrottledUntil == nil || state.ThrottledUntil.Sub(now) != 10*time.Second {
		t.Fatalf("expected throttled window of 10s, got %+v", state.ThrottledUntil)
	}
}

func TestAdaptivePolicy_BacksOffWithoutRetryAfter(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	policy, store := fixedPolicy(&now)
	policy.InitialBackoff = 2 * time.Second
	policy.MaxBackoff = 30 * time.Second

	if err := policy.AfterCall(context.Background(), "api.vercel.com", http.StatusTooManyRequests, nil); err != nil {
		t.Fatalf("first throttled call: %v", err)
	}
	now = now.Add(3 * time.Second)
	if err := policy.AfterCall(context.Background(), "api.vercel.com", http.StatusTooManyRequests, nil); err != nil {
		t.Fatalf("second throttled call: %v", err)
	}

	state, err := store.Get(context.Background(), "api.vercel.com")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.Attempts != 2 {
		t.Fatalf("expected attempts 2, got %d", state.Attempts)
	}
	if got := state.ThrottledUntil.Sub(now); got != 4*time.Second {
		t.Fatalf("expected backoff of 4s, got %s", got)
	}
}

func TestAdaptivePolicy_SuccessResetsAttempts(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	policy, store := fixedPolicy(&now)

	until := now.Add(10 * time.Second)
	if err := store.Upsert(context.Background(), State{Host: "api.github.com", Attempts: 3, ThrottledUntil: &until}); err != nil {
		t.Fatalf("seed state: %v", err)
	}
	now = now.Add(12 * time.Second)
	if err := policy.AfterCall(context.Background(), "api.github.com", http.StatusOK, http.Header{}); err != nil {
		t.Fatalf("after successful call: %v", err)
	}

	state, err := store.Get(context.Background(), "api.github.com")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.Attempts != 0 || state.ThrottledUntil != nil {
		t.Fatalf("expected throttle cleared, got attempts=%d until=%v", state.Attempts, state.ThrottledUntil)
	}
}
