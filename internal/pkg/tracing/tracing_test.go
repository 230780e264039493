package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"autotrader/internal/config"
)

func TestInitDisabledRecordsLocally(t *testing.T) {
	tp, err := Init(context.Background(), config.TracingConfig{}, "test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	_, span := otel.Tracer("t").Start(context.Background(), "cycle")
	assert.True(t, span.SpanContext().IsValid())
	span.End()
}

func TestInitEnabledUsesExporter(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	orig := newTraceExporter
	var got config.TracingConfig
	newTraceExporter = func(_ context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
		got = cfg
		return exp, nil
	}
	t.Cleanup(func() { newTraceExporter = orig })

	tp, err := Init(context.Background(), config.TracingConfig{Enabled: true, ServiceName: "svc"}, "test")
	require.NoError(t, err)
	assert.Equal(t, defaultEndpoint, got.Endpoint)

	_, span := otel.Tracer("t").Start(context.Background(), "emergency.execute")
	span.End()
	require.NoError(t, tp.ForceFlush(context.Background()))
	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "emergency.execute", spans[0].Name)
	require.NoError(t, tp.Shutdown(context.Background()))
}
