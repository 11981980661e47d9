package tracing

import (
	"context"
	"errors"
	"io"
	"regexp"
	"testing"
	"time"

	"chatengine/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestGenerateRequestID(t *testing.T) {
	pattern := regexp.MustCompile(`^req_[0-9a-f]{16}$`)
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := GenerateRequestID()
		assert.Regexp(t, pattern, id)
		assert.False(t, seen[id])
		seen[id] = true
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetRequestID(ctx))
	assert.Empty(t, GetTraceID(ctx))
	assert.True(t, GetStartTime(ctx).IsZero())
	assert.Zero(t, Duration(ctx))

	start := time.Now().Add(-50 * time.Millisecond)
	ctx = WithRequestID(ctx, "req_1")
	ctx = WithTraceID(ctx, "trace_1")
	ctx = WithStartTime(ctx, start)

	info := GetRequestInfo(ctx)
	assert.Equal(t, "req_1", info.RequestID)
	assert.Equal(t, "trace_1", info.TraceID)
	assert.Equal(t, start, info.StartTime)
	assert.GreaterOrEqual(t, Duration(ctx), 50*time.Millisecond)
}

func TestSpansWithRecorder(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := trace.NewTracerProvider(trace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	ctx, span := StartSpan(context.Background(), "queue.send", SessionAttributes("acme:whatsapp", models.PlatformWhatsApp)...)
	AddSpanAttributes(ctx, AttrRetries.Int(2))
	RecordError(ctx, errors.New("gateway timeout"))
	assert.NotEmpty(t, GetOtelTraceID(ctx))
	assert.Equal(t, GetOtelTraceID(ctx), GetTraceID(ctx))
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "queue.send", ended[0].Name())
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Len(t, ended[0].Attributes(), 3)
	assert.Contains(t, ended[0].Attributes(), AttrPlatform.String("whatsapp"))
	assert.Len(t, ended[0].Events(), 1)
}

func TestSpanHelpersWithoutSpan(t *testing.T) {
	ctx := context.Background()
	assert.NotPanics(t, func() {
		AddSpanAttributes(ctx, attribute.String("k", "v"))
		SetSpanStatus(ctx, codes.Ok, "")
		RecordError(ctx, errors.New("x"))
	})
	assert.Empty(t, GetOtelTraceID(ctx))
}

func TestTracingManager(t *testing.T) {
	t.Run("disabled is a no-op", func(t *testing.T) {
		tm := NewTracingManager(DefaultTracingConfig(), quietLogger())
		require.NoError(t, tm.Initialize(context.Background()))
		assert.Nil(t, tm.tracerProvider)
		assert.NoError(t, tm.Shutdown(context.Background()))
	})

	t.Run("stdout exporter", func(t *testing.T) {
		previous := otel.GetTracerProvider()
		t.Cleanup(func() { otel.SetTracerProvider(previous) })

		cfg := DefaultTracingConfig()
		cfg.Enabled = true
		cfg.SampleRate = 0
		tm := NewTracingManager(cfg, quietLogger())
		require.NoError(t, tm.Initialize(context.Background()))
		assert.NotNil(t, tm.tracerProvider)

		require.NoError(t, tm.Shutdown(context.Background()))
		assert.NoError(t, tm.Shutdown(context.Background()))
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		tm := NewTracingManager(models.TracingConfig{Enabled: true, UseStdout: true}, quietLogger())
		assert.ErrorIs(t, tm.Initialize(ctx), context.Canceled)
	})

	t.Run("nil logger", func(t *testing.T) {
		assert.NotNil(t, NewTracingManager(DefaultTracingConfig(), nil).logger)
	})
}
