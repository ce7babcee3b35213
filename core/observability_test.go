package core

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestObserver_SuccessEmitsMetricsAndLog(t *testing.T) {
	metrics := &captureMetricsRecorder{}
	logger := newCaptureLogger()
	observer := NewObserver("gateway", nil, logger, metrics)

	observer.Observe(context.Background(), time.Now(), "webhook.receive", nil, map[string]any{
		"provider":    "github",
		"delivery_id": "abc",
	})

	counter, ok := metrics.counter("gateway.webhook.receive.total")
	if !ok {
		t.Fatalf("expected counter, got %+v", metrics.counters)
	}
	if counter.tags["provider"] != "github" || counter.tags["status"] != "success" {
		t.Fatalf("unexpected tags: %+v", counter.tags)
	}
	if len(metrics.histograms) != 1 || metrics.histograms[0].name != "gateway.webhook.receive.duration_ms" {
		t.Fatalf("unexpected histograms: %+v", metrics.histograms)
	}
	records := logger.snapshot()
	if len(records) != 1 || records[0].level != "info" {
		t.Fatalf("unexpected logs: %+v", records)
	}
	if records[0].fields["event_type"] != "webhook.receive" || records[0].fields["delivery_id"] != "abc" {
		t.Fatalf("unexpected log fields: %+v", records[0].fields)
	}
}

func TestObserver_FailureLogsError(t *testing.T) {
	metrics := &captureMetricsRecorder{}
	logger := newCaptureLogger()
	observer := NewObserver("gateway", nil, logger, metrics)

	observer.Observe(context.Background(), time.Now(), "lifecycle teardown", errors.New("boom"), nil)

	counter, ok := metrics.counter("gateway.lifecycle_teardown.total")
	if !ok || counter.tags["status"] != "failure" {
		t.Fatalf("expected failure counter, got %+v", metrics.counters)
	}
	records := logger.snapshot()
	if len(records) != 1 || records[0].level != "error" || records[0].fields["error"] != "boom" {
		t.Fatalf("unexpected logs: %+v", records)
	}
}

func TestObserver_ZeroValueIsSafe(t *testing.T) {
	var observer Observer
	observer.Observe(context.Background(), time.Now(), "noop", nil, nil)
	observer.Count(context.Background(), "noop", nil)
}

func TestLogNotifier_LogsAtErrorLevel(t *testing.T) {
	logger := newCaptureLogger()
	notifier := LogNotifier{Observer: NewObserver("gateway", nil, logger, nil)}
	notifier.Notify(context.Background(), "refresh failed", map[string]any{"connection_id": "c1"})
	records := logger.snapshot()
	if len(records) != 1 || records[0].level != "error" || records[0].fields["connection_id"] != "c1" {
		t.Fatalf("unexpected logs: %+v", records)
	}
}
