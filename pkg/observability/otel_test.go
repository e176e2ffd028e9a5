package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitOTel_Disabled(t *testing.T) {
	providers, err := InitOTel(context.Background(), OTelConfig{Enabled: false}, NopLogger())
	require.NoError(t, err)
	assert.Nil(t, providers)
	assert.NoError(t, ShutdownOTel(context.Background(), nil, NopLogger()))
}

func TestEndSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tracer := tp.Tracer("test")

	_, ok := tracer.Start(context.Background(), "ok")
	EndSpan(ok, nil)
	_, failed := tracer.Start(context.Background(), "failed")
	EndSpan(failed, errors.New("processor unavailable"))

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, "processor unavailable", spans[1].Status().Description)
}

func TestOTelConfig_Sampler(t *testing.T) {
	tests := map[float64]string{
		0:    "AlwaysOnSampler",
		1:    "AlwaysOnSampler",
		0.25: "TraceIDRatioBased{0.25}",
	}
	for ratio, want := range tests {
		desc := OTelConfig{SampleRatio: ratio}.sampler().Description()
		assert.Contains(t, desc, want, "ratio %v", ratio)
		assert.Contains(t, desc, "ParentBased", "ratio %v", ratio)
	}
}
