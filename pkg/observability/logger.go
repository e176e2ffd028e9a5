package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR"}

var slogLevels = [...]slog.Level{slog.LevelDebug, slog.LevelInfo, slog.LevelWarn, slog.LevelError}

func (l LogLevel) String() string {
	if l < DebugLevel || l > ErrorLevel {
		return levelNames[InfoLevel]
	}
	return levelNames[l]
}

// ParseLogLevel parses a level name, defaulting to InfoLevel
func ParseLogLevel(level string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return DebugLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

func (l LogLevel) slog() slog.Level {
	if l < DebugLevel || l > ErrorLevel {
		return slog.LevelInfo
	}
	return slogLevels[l]
}

// Logger writes JSON lines through slog. Derived loggers share the handler.
type Logger struct {
	logger *slog.Logger
}

// NewLogger creates a JSON logger writing to output, or stdout when nil
func NewLogger(level LogLevel, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}
	return &Logger{logger: slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level.slog()}))}
}

// NopLogger returns a logger that discards everything
func NopLogger() *Logger {
	return &Logger{logger: slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))}
}

// OrNop returns l, or a discarding logger when l is nil
func OrNop(l *Logger) *Logger {
	if l == nil {
		return NopLogger()
	}
	return l
}

var defaultLogger atomic.Pointer[Logger]

// SetDefault sets the logger FromContext falls back to when the context
// carries none
func SetDefault(l *Logger) {
	defaultLogger.Store(l)
}

func fallback() *Logger {
	if l := defaultLogger.Load(); l != nil {
		return l
	}
	return NewLogger(InfoLevel, os.Stdout)
}

func (l *Logger) with(args ...any) *Logger {
	return &Logger{logger: l.logger.With(args...)}
}

// WithField adds a field to the logger context
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.with(key, value)
}

// WithFields adds multiple fields, in key order
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	args := make([]any, 0, len(fields)*2)
	for _, k := range keys {
		args = append(args, k, fields[k])
	}
	return l.with(args...)
}

// WithError adds an error to the logger context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.with("error", err.Error())
}

// Named tags entries with the emitting component
func (l *Logger) Named(component string) *Logger {
	return l.with("component", component)
}

func (l *Logger) Debug(message string) { l.logger.Debug(message) }

func (l *Logger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *Logger) Info(message string) { l.logger.Info(message) }

func (l *Logger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *Logger) Warn(message string) { l.logger.Warn(message) }

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *Logger) Error(message string) { l.logger.Error(message) }

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

type (
	requestIDKey struct{}
	ownerIDKey   struct{}
	loggerKey    struct{}
)

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// GetRequestID retrieves the request ID from context
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// WithOwnerID adds the subscription owner to the context
func WithOwnerID(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerIDKey{}, ownerID)
}

// GetOwnerID retrieves the subscription owner from context
func GetOwnerID(ctx context.Context) string {
	id, _ := ctx.Value(ownerIDKey{}).(string)
	return id
}

// WithLogger adds a logger to the context
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext returns the context's logger, or the default one, tagged with
// the request ID, the owner and the active trace when present
func FromContext(ctx context.Context) *Logger {
	logger, ok := ctx.Value(loggerKey{}).(*Logger)
	if !ok || logger == nil {
		logger = fallback()
	}

	var args []any
	if id := GetRequestID(ctx); id != "" {
		args = append(args, "request_id", id)
	}
	if id := GetOwnerID(ctx); id != "" {
		args = append(args, "owner_id", id)
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		args = append(args, "trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String())
	}
	if len(args) == 0 {
		return logger
	}
	return logger.with(args...)
}
