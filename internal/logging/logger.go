package logging

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync/atomic"

	"tracedash/internal/observability"
)

// Logger is the printf-style contract used by the store, pollers, trace
// services and HTTP handlers.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop discards everything.
func Nop() Logger {
	return nopLogger{}
}

// IsNil also catches typed nil pointers stored in the interface.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	v := reflect.ValueOf(logger)
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func:
		return v.IsNil()
	}
	return false
}

// OrNop never returns a logger that would panic when used.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return logger
}

var defaultBase atomic.Pointer[observability.Logger]

func init() {
	defaultBase.Store(observability.NewLogger(observability.LogConfig{}))
}

// SetDefault installs the logger that NewComponentLogger derives from. The
// CLI calls it once the configuration is loaded.
func SetDefault(base *observability.Logger) {
	if base != nil {
		defaultBase.Store(base)
	}
}

// NewComponentLogger scopes the default logger to component.
func NewComponentLogger(component string) Logger {
	return FromObservabilityWithComponent(defaultBase.Load(), component)
}

// FromObservabilityWithComponent adapts a structured logger to Logger. The
// message is formatted only when its level is enabled.
func FromObservabilityWithComponent(base *observability.Logger, component string) Logger {
	if base == nil {
		return Nop()
	}
	if component != "" {
		base = base.With("component", component)
	}
	return &structuredLogger{base: base, ctx: context.Background()}
}

type structuredLogger struct {
	base *observability.Logger
	ctx  context.Context
}

func (l *structuredLogger) log(level slog.Level, format string, args []any) {
	if !l.base.Enabled(level) {
		return
	}
	l.base.Log(l.ctx, level, fmt.Sprintf(format, args...))
}

func (l *structuredLogger) Debug(format string, args ...any) { l.log(slog.LevelDebug, format, args) }
func (l *structuredLogger) Info(format string, args ...any)  { l.log(slog.LevelInfo, format, args) }
func (l *structuredLogger) Warn(format string, args ...any)  { l.log(slog.LevelWarn, format, args) }
func (l *structuredLogger) Error(format string, args ...any) { l.log(slog.LevelError, format, args) }

// WithTraceID tags every line of logger with traceID. Structured loggers
// get a trace_id field, anything else a "trace=<id>" prefix.
func WithTraceID(logger Logger, traceID string) Logger {
	if IsNil(logger) {
		return Nop()
	}
	if traceID == "" {
		return logger
	}
	if structured, ok := logger.(*structuredLogger); ok {
		return &structuredLogger{
			base: structured.base,
			ctx:  observability.ContextWithTraceID(structured.ctx, traceID),
		}
	}
	return prefixLogger{Logger: logger, prefix: "trace=" + traceID + " "}
}

type prefixLogger struct {
	Logger
	prefix string
}

func (l prefixLogger) Debug(format string, args ...any) { l.Logger.Debug(l.prefix+format, args...) }
func (l prefixLogger) Info(format string, args ...any)  { l.Logger.Info(l.prefix+format, args...) }
func (l prefixLogger) Warn(format string, args ...any)  { l.Logger.Warn(l.prefix+format, args...) }
func (l prefixLogger) Error(format string, args ...any) { l.Logger.Error(l.prefix+format, args...) }
