package tracing

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

var (
	providerOnce sync.Once
	providerMu   sync.RWMutex
	provider     *sdktrace.TracerProvider
	providerErr  error
)

// InitOpenTelemetry initializes a process-wide OpenTelemetry tracer provider.
// It is safe to call multiple times.
func InitOpenTelemetry(serviceName string) error {
	providerOnce.Do(func() {
		res, err := resource.New(
			context.Background(),
			resource.WithAttributes(
				semconv.ServiceName(serviceName),
			),
		)
		if err != nil {
			providerErr = err
			return
		}

		tp := sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(1))),
			sdktrace.WithResource(res),
		)

		providerMu.Lock()
		provider = tp
		providerMu.Unlock()

		otel.SetTracerProvider(tp)
	})

	return providerErr
}

// ShutdownOpenTelemetry flushes and shuts down the global tracer provider.
func ShutdownOpenTelemetry(ctx context.Context) error {
	providerMu.RLock()
	tp := provider
	providerMu.RUnlock()
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}

// Span attribute keys derived from the tracing context.
const (
	AttrSessionKey = attribute.Key("courier.session_key")
	AttrChannel    = attribute.Key("courier.channel")
	AttrProvider   = attribute.Key("courier.provider")
	AttrRunID      = attribute.Key("courier.run_id")
)

// ContextAttributes returns span attributes for the conversation fields set
// on ctx.
func ContextAttributes(ctx context.Context) []attribute.KeyValue {
	tc := FromContext(ctx)
	var attrs []attribute.KeyValue
	if tc.SessionKey != "" {
		attrs = append(attrs, AttrSessionKey.String(tc.SessionKey))
	}
	if tc.Channel != "" {
		attrs = append(attrs, AttrChannel.String(tc.Channel))
	}
	if tc.Provider != "" {
		attrs = append(attrs, AttrProvider.String(tc.Provider))
	}
	if tc.RunID != "" {
		attrs = append(attrs, AttrRunID.String(tc.RunID))
	}
	return attrs
}

// StartSpan starts a span tagged with the conversation fields of ctx and
// makes sure the span's trace id is visible to LoggerFromContext.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}

	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, spanName,
		trace.WithAttributes(ContextAttributes(ctx)...),
		trace.WithAttributes(attrs...))

	if GetTraceID(ctx) == "" {
		sc := span.SpanContext()
		if sc.IsValid() {
			ctx = WithTraceID(ctx, sc.TraceID().String())
		}
	}

	return ctx, span
}

// FailSpan records err on span and marks the span as failed. Nil errors are ignored.
func FailSpan(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
