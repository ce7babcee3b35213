package prometheus

import (
	"context"
	"testing"
	"time"

	"github.com/goliatone/go-integration-gateway/core"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestMetricName(t *testing.T) {
	cases := map[string]string{
		"gateway.webhooks.receive.total": "gateway_webhooks_receive_total",
		"job.delivery.duration_ms":       "job_delivery_duration_ms",
		"1st-run":                        "_1st_run",
		"  ":                             "",
	}
	for in, want := range cases {
		if got := MetricName(in); got != want {
			t.Fatalf("MetricName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRecorderCountsAndObserves(t *testing.T) {
	ctx := context.Background()
	registry := prometheus.NewRegistry()
	recorder := NewRecorder(registry)

	tags := map[string]string{"operation": "webhooks.receive", "status": "success", "provider": "github", "delivery_id": "d1"}
	recorder.IncCounter(ctx, "gateway.webhooks.receive.total", 1, tags)
	recorder.IncCounter(ctx, "gateway.webhooks.receive.total", 2, tags)
	recorder.IncCounter(ctx, "gateway.webhooks.receive.total", 0, tags)
	recorder.ObserveHistogram(ctx, "gateway.webhooks.receive.duration_ms", 12, tags)

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	counter := findFamily(families, "gateway_webhooks_receive_total")
	if counter == nil || len(counter.GetMetric()) != 1 {
		t.Fatalf("expected one counter series, got %+v", counter)
	}
	metric := counter.GetMetric()[0]
	if metric.GetCounter().GetValue() != 3 {
		t.Fatalf("expected counter 3, got %v", metric.GetCounter().GetValue())
	}
	if len(metric.GetLabel()) != len(LabelNames) {
		t.Fatalf("expected only the fixed label set, got %+v", metric.GetLabel())
	}
	for _, label := range metric.GetLabel() {
		if label.GetName() == "provider" && label.GetValue() != "github" {
			t.Fatalf("unexpected provider label %q", label.GetValue())
		}
	}

	histogram := findFamily(families, "gateway_webhooks_receive_duration_ms")
	if histogram == nil || histogram.GetMetric()[0].GetHistogram().GetSampleCount() != 1 {
		t.Fatalf("expected one histogram sample, got %+v", histogram)
	}
}

func TestRecorderReusesRegisteredCollectors(t *testing.T) {
	ctx := context.Background()
	registry := prometheus.NewRegistry()
	first := NewRecorder(registry)
	second := NewRecorder(registry)

	first.IncCounter(ctx, "gateway.admin.replay.total", 1, nil)
	second.IncCounter(ctx, "gateway.admin.replay.total", 1, nil)

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	family := findFamily(families, "gateway_admin_replay_total")
	if family == nil || family.GetMetric()[0].GetCounter().GetValue() != 2 {
		t.Fatalf("expected shared collector with value 2, got %+v", family)
	}
}

func TestRecorderBacksObserver(t *testing.T) {
	registry := prometheus.NewRegistry()
	observer := core.NewObserver("gateway", nil, nil, NewRecorder(registry))
	observer.Observe(context.Background(), time.Now(), "admin.health", nil, map[string]any{"provider": "linear"})

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if findFamily(families, "gateway_admin_health_total") == nil {
		t.Fatalf("expected observer counter, got %d families", len(families))
	}
	if findFamily(families, "gateway_admin_health_duration_ms") == nil {
		t.Fatalf("expected observer histogram")
	}
}

func findFamily(families []*dto.MetricFamily, name string) *dto.MetricFamily {
	for _, family := range families {
		if family.GetName() == name {
			return family
		}
	}
	return nil
}
