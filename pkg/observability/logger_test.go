package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

type logEntry struct {
	Level   string `json:"level"`
	Message string `json:"msg"`
	OwnerID string `json:"owner_id"`
	Error   string `json:"error"`
}

func TestLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	t.Run("debug not logged at info level", func(t *testing.T) {
		buf.Reset()
		logger.Debug("debug message")
		if buf.Len() > 0 {
			t.Error("Debug message should not be logged at Info level")
		}
	})

	t.Run("info logged at info level", func(t *testing.T) {
		buf.Reset()
		logger.Infof("created %d subscriptions", 2)

		var entry logEntry
		if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
			t.Fatalf("Failed to unmarshal log entry: %v", err)
		}
		if entry.Level != "INFO" {
			t.Errorf("Expected level INFO, got %s", entry.Level)
		}
		if entry.Message != "created 2 subscriptions" {
			t.Errorf("Unexpected message %q", entry.Message)
		}
	})
}

func TestLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(DebugLevel, &buf)

	logger.WithField("owner_id", "owner-1").WithError(errors.New("boom")).Error("failed")

	var entry logEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Failed to unmarshal log entry: %v", err)
	}
	if entry.OwnerID != "owner-1" {
		t.Errorf("Expected owner_id field, got %q", entry.OwnerID)
	}
	if entry.Error != "boom" {
		t.Errorf("Expected error field, got %q", entry.Error)
	}

	if logger.WithError(nil) != logger {
		t.Error("WithError(nil) should return the same logger")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   DebugLevel,
		"INFO":    InfoLevel,
		"warning": WarnLevel,
		"error":   ErrorLevel,
		"bogus":   InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLogLevel(in); got != want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewLogger(InfoLevel, &buf))
	ctx = WithOwnerID(WithRequestID(ctx, "req-1"), "owner-9")

	FromContext(ctx).Info("hello")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Failed to unmarshal log entry: %v", err)
	}
	if entry["request_id"] != "req-1" || entry["owner_id"] != "owner-9" {
		t.Errorf("Missing context fields: %v", entry)
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatal("OrNop(nil) returned nil")
	}
	l := NewLogger(InfoLevel, &bytes.Buffer{})
	if OrNop(l) != l {
		t.Error("OrNop should return a non-nil logger unchanged")
	}
}

func TestFromContext_Trace(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewLogger(InfoLevel, &buf))

	tp := sdktrace.NewTracerProvider()
	ctx, span := tp.Tracer("test").Start(ctx, "sweep")
	defer span.End()

	FromContext(ctx).Named("reconcile").Info("traced")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Failed to unmarshal log entry: %v", err)
	}
	if entry["trace_id"] != span.SpanContext().TraceID().String() {
		t.Errorf("Missing trace_id: %v", entry)
	}
	if entry["component"] != "reconcile" {
		t.Errorf("Missing component: %v", entry)
	}
}

func TestFromContext_Default(t *testing.T) {
	var buf bytes.Buffer
	SetDefault(NewLogger(InfoLevel, &buf))
	defer SetDefault(nil)

	FromContext(context.Background()).Warn("no logger in context")
	if buf.Len() == 0 {
		t.Error("expected the default logger to be used")
	}
}
