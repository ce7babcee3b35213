package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

// Observer emits one log line plus counter and histogram samples per
// completed operation.
type Observer struct {
	Prefix  string
	Logger  Logger
	Metrics MetricsRecorder
}

// NewObserver resolves a named logger with precedence provider > logger > nop.
func NewObserver(name string, provider LoggerProvider, logger Logger, metrics MetricsRecorder) Observer {
	resolvedProvider, resolved := glog.Resolve(name, provider, logger)
	resolved = glog.Ensure(resolved)
	if resolvedProvider != nil {
		if named := resolvedProvider.GetLogger(name); named != nil {
			resolved = glog.Ensure(named)
		}
	}
	if metrics == nil {
		metrics = NopMetricsRecorder{}
	}
	return Observer{Prefix: name, Logger: resolved, Metrics: metrics}
}

func (o Observer) Observe(
	ctx context.Context,
	startedAt time.Time,
	operation string,
	err error,
	fields map[string]any,
) {
	operation = normalizeOperation(operation)
	if operation == "" {
		operation = "unknown"
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	elapsed := time.Since(startedAt)

	contextFields := cloneFields(fields)
	contextFields["event_type"] = operation
	contextFields["status"] = status
	contextFields["duration_ms"] = elapsed.Milliseconds()
	if err != nil {
		contextFields["error"] = err.Error()
	}

	tags := map[string]string{
		"operation": operation,
		"status":    status,
	}
	if value := strings.TrimSpace(fmt.Sprint(contextFields["provider"])); value != "" && value != "<nil>" {
		tags["provider"] = value
	}

	name := operation
	if prefix := strings.TrimSpace(o.Prefix); prefix != "" {
		name = prefix + "." + operation
	}
	o.counter(ctx, name+".total", 1, tags)
	o.histogram(ctx, name+".duration_ms", float64(elapsed.Milliseconds()), tags)

	if err != nil {
		o.Error(ctx, operation+" failed", contextFields)
		return
	}
	o.Info(ctx, operation+" succeeded", contextFields)
}

func (o Observer) Count(ctx context.Context, operation string, tags map[string]string) {
	name := normalizeOperation(operation)
	if prefix := strings.TrimSpace(o.Prefix); prefix != "" {
		name = prefix + "." + name
	}
	merged := cloneTags(tags)
	merged["operation"] = normalizeOperation(operation)
	if _, ok := merged["status"]; !ok {
		merged["status"] = "success"
	}
	o.counter(ctx, name+".total", 1, merged)
}

func (o Observer) Info(ctx context.Context, message string, fields map[string]any) {
	o.log(ctx, "info", message, fields)
}

func (o Observer) Warn(ctx context.Context, message string, fields map[string]any) {
	o.log(ctx, "warn", message, fields)
}

func (o Observer) Error(ctx context.Context, message string, fields map[string]any) {
	o.log(ctx, "error", message, fields)
}

func (o Observer) log(ctx context.Context, level string, message string, fields map[string]any) {
	if o.Logger == nil {
		return
	}
	logger := o.Logger
	if ctx != nil {
		logger = logger.WithContext(ctx)
	}
	if fieldsLogger, ok := logger.(FieldsLogger); ok {
		logger = fieldsLogger.WithFields(cloneFields(fields))
	}
	args := flattenFields(fields)
	switch level {
	case "error":
		logger.Error(message, args...)
	case "warn":
		logger.Warn(message, args...)
	default:
		logger.Info(message, args...)
	}
}

func (o Observer) counter(ctx context.Context, name string, value int64, tags map[string]string) {
	if o.Metrics == nil {
		return
	}
	o.Metrics.IncCounter(ctx, strings.TrimSpace(name), value, cloneTags(tags))
}

func (o Observer) histogram(ctx context.Context, name string, value float64, tags map[string]string) {
	if o.Metrics == nil {
		return
	}
	o.Metrics.ObserveHistogram(ctx, strings.TrimSpace(name), value, cloneTags(tags))
}

// LogNotifier reports operator notifications at error level.
type LogNotifier struct {
	Observer Observer
}

func (n LogNotifier) Notify(ctx context.Context, subject string, fields map[string]any) {
	n.Observer.Error(ctx, "operator attention: "+strings.TrimSpace(subject), fields)
	n.Observer.Count(ctx, "operator_notifications", map[string]string{"status": "failure"})
}

func cloneFields(fields map[string]any) map[string]any {
	if len(fields) == 0 {
		return map[string]any{}
	}
	copied := make(map[string]any, len(fields))
	for key, value := range fields {
		copied[key] = value
	}
	return copied
}

func flattenFields(fields map[string]any) []any {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	args := make([]any, 0, len(keys)*2)
	for _, key := range keys {
		args = append(args, key, fields[key])
	}
	return args
}

func normalizeOperation(operation string) string {
	operation = strings.TrimSpace(strings.ToLower(operation))
	operation = strings.ReplaceAll(operation, " ", "_")
	operation = strings.ReplaceAll(operation, "-", "_")
	return operation
}

var _ OperatorNotifier = LogNotifier{}

type NopMetricsRecorder struct{}

func (NopMetricsRecorder) IncCounter(context.Context, string, int64, map[string]string) {}

func (NopMetricsRecorder) ObserveHistogram(context.Context, string, float64, map[string]string) {}

func cloneTags(tags map[string]string) map[string]string {
	if len(tags) == 0 {
		return map[string]string{}
	}
	copied := make(map[string]string, len(tags))
	for key, value := range tags {
		copied[key] = value
	}
	return copied
}

var _ MetricsRecorder = NopMetricsRecorder{}
