// Package prometheus records gateway operation metrics on prometheus
// counter and histogram vectors.
package prometheus

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/goliatone/go-integration-gateway/core"
	"github.com/prometheus/client_golang/prometheus"
)

// LabelNames is the fixed label set for every gateway metric. Tags outside
// this set are dropped to keep cardinality bounded.
var LabelNames = []string{"operation", "status", "provider"}

// DefaultBuckets covers millisecond durations from 5ms to 30s.
var DefaultBuckets = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000}

type Option func(*Recorder)

func WithBuckets(buckets []float64) Option {
	return func(r *Recorder) {
		if len(buckets) > 0 {
			r.buckets = append([]float64(nil), buckets...)
		}
	}
}

// Recorder implements core.MetricsRecorder. Vectors are created and
// registered on first use of a metric name.
type Recorder struct {
	registerer prometheus.Registerer
	buckets    []float64

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
}

func NewRecorder(registerer prometheus.Registerer, opts ...Option) *Recorder {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	r := &Recorder{
		registerer: registerer,
		buckets:    DefaultBuckets,
		counters:   map[string]*prometheus.CounterVec{},
		histograms: map[string]*prometheus.HistogramVec{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func (r *Recorder) IncCounter(_ context.Context, name string, value int64, tags map[string]string) {
	if r == nil || value <= 0 {
		return
	}
	vec := r.counter(MetricName(name))
	if vec == nil {
		return
	}
	vec.WithLabelValues(labelValues(tags)...).Add(float64(value))
}

func (r *Recorder) ObserveHistogram(_ context.Context, name string, value float64, tags map[string]string) {
	if r == nil {
		return
	}
	vec := r.histogram(MetricName(name))
	if vec == nil {
		return
	}
	vec.WithLabelValues(labelValues(tags)...).Observe(value)
}

func (r *Recorder) counter(name string) *prometheus.CounterVec {
	if name == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if vec, ok := r.counters[name]; ok {
		return vec
	}
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: name,
		Help: "Gateway operation counter " + name,
	}, LabelNames)
	if err := r.registerer.Register(vec); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return nil
		}
		existing, ok := already.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			return nil
		}
		vec = existing
	}
	r.counters[name] = vec
	return vec
}

func (r *Recorder) histogram(name string) *prometheus.HistogramVec {
	if name == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if vec, ok := r.histograms[name]; ok {
		return vec
	}
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    name,
		Help:    "Gateway operation histogram " + name,
		Buckets: r.buckets,
	}, LabelNames)
	if err := r.registerer.Register(vec); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return nil
		}
		existing, ok := already.ExistingCollector.(*prometheus.HistogramVec)
		if !ok {
			return nil
		}
		vec = existing
	}
	r.histograms[name] = vec
	return vec
}

// MetricName converts a dotted operation metric name to a prometheus name:
// "gateway.webhooks.receive.total" becomes "gateway_webhooks_receive_total".
func MetricName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(name))
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_', r == ':':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func labelValues(tags map[string]string) []string {
	values := make([]string, len(LabelNames))
	for i, label := range LabelNames {
		values[i] = strings.TrimSpace(tags[label])
	}
	return values
}

var _ core.MetricsRecorder = (*Recorder)(nil)
