package core

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCallProvider_RetriesTransientFailures(t *testing.T) {
	calls := 0
	err := CallProvider(context.Background(), ProviderCallConfig{Retries: 2, RetryBackoff: time.Millisecond}, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestCallProvider_ExhaustedIsProviderUnreachable(t *testing.T) {
	calls := 0
	err := CallProvider(context.Background(), ProviderCallConfig{Retries: 1, RetryBackoff: time.Millisecond}, func(context.Context) error {
		calls++
		return errors.New("connection refused")
	})
	if !HasTextCode(err, ErrorProviderUnreachable) {
		t.Fatalf("expected provider_unreachable, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestCallProvider_PermanentErrorStopsImmediately(t *testing.T) {
	calls := 0
	err := CallProvider(context.Background(), ProviderCallConfig{Retries: 3, RetryBackoff: time.Millisecond}, func(context.Context) error {
		calls++
		return errors.New("oauth: invalid_grant")
	})
	if err == nil || calls != 1 {
		t.Fatalf("expected single failed call, got calls=%d err=%v", calls, err)
	}
	if HasTextCode(err, ErrorProviderUnreachable) {
		t.Fatalf("expected permanent error to pass through unwrapped")
	}
}

func TestCallProvider_AppliesTimeout(t *testing.T) {
	err := CallProvider(context.Background(), ProviderCallConfig{Timeout: 5 * time.Millisecond}, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !HasTextCode(err, ErrorProviderUnreachable) {
		t.Fatalf("expected timeout to surface as provider_unreachable, got %v", err)
	}
}
