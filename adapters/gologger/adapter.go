package gologger

import (
	job "github.com/goliatone/go-job"
	glog "github.com/goliatone/go-logger/glog"
)

// JobComponent tags log lines written by the background job workers.
const JobComponent = "jobs"

// JobLoggers is the logger set handed to the delivery and workflow workers.
type JobLoggers struct {
	Provider    glog.LoggerProvider
	Logger      glog.Logger
	JobProvider job.LoggerProvider
	JobLogger   job.Logger
}

// Resolve uses deterministic precedence provider > logger > nop.
func Resolve(name string, provider glog.LoggerProvider, logger glog.Logger) (glog.LoggerProvider, glog.Logger) {
	resolvedProvider, resolvedLogger := glog.Resolve(name, provider, logger)
	return resolvedProvider, glog.Ensure(resolvedLogger)
}

// ResolveForJobs resolves the gateway logger and scopes it to the job
// component, returning go-job bridges over the same sinks.
func ResolveForJobs(name string, provider glog.LoggerProvider, logger glog.Logger) JobLoggers {
	resolvedProvider, resolvedLogger := Resolve(name, provider, logger)
	scoped := WithComponent(resolvedLogger, JobComponent)
	out := JobLoggers{
		Provider:  resolvedProvider,
		Logger:    scoped,
		JobLogger: job.GoLogger(scoped),
	}
	if resolvedProvider != nil {
		out.JobProvider = job.GoLoggerProvider(resolvedProvider)
	}
	return out
}

// WithComponent attaches a component field when the logger supports fields.
func WithComponent(logger glog.Logger, component string) glog.Logger {
	if logger == nil {
		return glog.Nop()
	}
	if fields, ok := logger.(glog.FieldsLogger); ok && component != "" {
		return fields.WithFields(map[string]any{"component": component})
	}
	return logger
}
