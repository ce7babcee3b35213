package gologger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	glog "github.com/goliatone/go-logger/glog"
)

// SlogLogger writes glog calls to a slog handler. Args are read as key/value
// pairs; keys already bound through WithFields are not repeated.
type SlogLogger struct {
	logger *slog.Logger
	ctx    context.Context
	bound  map[string]struct{}
}

// NewSlogLogger builds a JSON or text logger writing to w at level.
func NewSlogLogger(w io.Writer, format string, level string) *SlogLogger {
	if w == nil {
		w = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var handler slog.Handler
	if strings.EqualFold(strings.TrimSpace(format), "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return &SlogLogger{logger: slog.New(handler), bound: map[string]struct{}{}}
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace", "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "fatal":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (l *SlogLogger) Trace(msg string, args ...any) { l.emit(slog.LevelDebug, msg, args) }
func (l *SlogLogger) Debug(msg string, args ...any) { l.emit(slog.LevelDebug, msg, args) }
func (l *SlogLogger) Info(msg string, args ...any)  { l.emit(slog.LevelInfo, msg, args) }
func (l *SlogLogger) Warn(msg string, args ...any)  { l.emit(slog.LevelWarn, msg, args) }
func (l *SlogLogger) Error(msg string, args ...any) { l.emit(slog.LevelError, msg, args) }

// Fatal logs at error level. It does not exit the process.
func (l *SlogLogger) Fatal(msg string, args ...any) { l.emit(slog.LevelError, msg, args) }

func (l *SlogLogger) WithContext(ctx context.Context) glog.Logger {
	next := l.clone()
	next.ctx = ctx
	return next
}

func (l *SlogLogger) WithFields(fields map[string]any) glog.Logger {
	next := l.clone()
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	attrs := make([]any, 0, len(keys))
	for _, key := range keys {
		if _, ok := next.bound[key]; ok {
			continue
		}
		next.bound[key] = struct{}{}
		attrs = append(attrs, slog.Any(key, fields[key]))
	}
	next.logger = next.logger.With(attrs...)
	return next
}

func (l *SlogLogger) clone() *SlogLogger {
	bound := make(map[string]struct{}, len(l.bound))
	for key := range l.bound {
		bound[key] = struct{}{}
	}
	return &SlogLogger{logger: l.logger, ctx: l.ctx, bound: bound}
}

func (l *SlogLogger) emit(level slog.Level, msg string, args []any) {
	ctx := l.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if !l.logger.Enabled(ctx, level) {
		return
	}
	attrs := make([]any, 0, len(args))
	for i := 0; i < len(args); i += 2 {
		key := fmt.Sprint(args[i])
		if i+1 >= len(args) {
			attrs = append(attrs, slog.Any("arg", args[i]))
			break
		}
		if _, ok := l.bound[key]; ok {
			continue
		}
		attrs = append(attrs, slog.Any(key, args[i+1]))
	}
	l.logger.Log(ctx, level, msg, attrs...)
}

// SlogProvider hands out loggers tagged with their name.
type SlogProvider struct {
	Root *SlogLogger
}

func (p SlogProvider) GetLogger(name string) glog.Logger {
	if p.Root == nil {
		return glog.Nop()
	}
	return p.Root.WithFields(map[string]any{"logger": name})
}

var (
	_ glog.Logger         = (*SlogLogger)(nil)
	_ glog.FieldsLogger   = (*SlogLogger)(nil)
	_ glog.LoggerProvider = SlogProvider{}
)
