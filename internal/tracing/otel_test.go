package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func useRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return rec
}

func TestStartSpanTagsConversation(t *testing.T) {
	rec := useRecorder(t)

	ctx := WithSessionKey(context.Background(), "telegram:42")
	ctx = WithChannel(ctx, "telegram")
	ctx = WithRunID(ctx, "run-7")

	ctx, span := StartSpan(ctx, "courier.test", "agent.run", attribute.Int("blocks", 3))
	span.End()

	assert.NotEmpty(t, GetTraceID(ctx))
	ended := rec.Ended()
	require.Len(t, ended, 1)

	got := map[attribute.Key]attribute.Value{}
	for _, kv := range ended[0].Attributes() {
		got[kv.Key] = kv.Value
	}
	assert.Equal(t, "telegram:42", got[AttrSessionKey].AsString())
	assert.Equal(t, "telegram", got[AttrChannel].AsString())
	assert.Equal(t, "run-7", got[AttrRunID].AsString())
	assert.Equal(t, int64(3), got["blocks"].AsInt64())
	_, hasProvider := got[AttrProvider]
	assert.False(t, hasProvider)
}

func TestFailSpanMarksError(t *testing.T) {
	rec := useRecorder(t)

	_, span := StartSpan(context.Background(), "courier.test", "session.load")
	FailSpan(span, errors.New("disk full"))
	FailSpan(span, nil)
	span.End()

	ended := rec.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Equal(t, "disk full", ended[0].Status().Description)
}

func TestContextAttributesEmpty(t *testing.T) {
	assert.Empty(t, ContextAttributes(context.Background()))
}
