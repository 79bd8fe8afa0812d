package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is the structured logger every component logs through. Records
// logged with a context carrying a dashboard trace id get a trace_id field.
type Logger struct {
	slog *slog.Logger
}

// LogConfig selects the level, format and destination of log output.
type LogConfig struct {
	Level  string
	Format string // text or json
	Output io.Writer
}

// NewLogger builds a Logger from config. Unknown levels fall back to info.
func NewLogger(config LogConfig) *Logger {
	out := config.Output
	if out == nil {
		out = os.Stderr
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(config.Level))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler = slog.NewTextHandler(out, opts)
	if strings.EqualFold(config.Format, "json") {
		handler = slog.NewJSONHandler(out, opts)
	}
	return &Logger{slog: slog.New(traceIDHandler{handler})}
}

// With returns a logger that adds args to every record.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{slog: l.slog.With(args...)}
}

// Enabled reports whether records at level would be written.
func (l *Logger) Enabled(level slog.Level) bool {
	return l.slog.Enabled(context.Background(), level)
}

// Log writes one record, picking up the trace id from ctx.
func (l *Logger) Log(ctx context.Context, level slog.Level, msg string, args ...any) {
	l.slog.Log(ctx, level, msg, args...)
}

func (l *Logger) Debug(msg string, args ...any) { l.slog.Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.slog.Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.slog.Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.slog.Error(msg, args...) }

// Slog exposes the underlying logger.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

type traceIDHandler struct {
	slog.Handler
}

func (h traceIDHandler) Handle(ctx context.Context, record slog.Record) error {
	if traceID := TraceIDFromContext(ctx); traceID != "" {
		record.AddAttrs(slog.String("trace_id", traceID))
	}
	return h.Handler.Handle(ctx, record)
}

func (h traceIDHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return traceIDHandler{h.Handler.WithAttrs(attrs)}
}

func (h traceIDHandler) WithGroup(name string) slog.Handler {
	return traceIDHandler{h.Handler.WithGroup(name)}
}

type traceIDKey struct{}

// ContextWithTraceID attaches a dashboard trace id to ctx.
func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// TraceIDFromContext returns the dashboard trace id attached to ctx, or "".
func TraceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	traceID, _ := ctx.Value(traceIDKey{}).(string)
	return traceID
}
