// Package telemetry provides OpenTelemetry tracing for registry, task and
// message operations.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer wraps OpenTelemetry tracing with coordination-specific helpers.
// A nil *Tracer is valid and records nothing.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a tracer from tp. A nil tp uses the global provider.
func NewTracer(tp trace.TracerProvider, name string) *Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Tracer{tracer: tp.Tracer(name)}
}

var noopTracer = noop.NewTracerProvider().Tracer("")

func (t *Tracer) otel() trace.Tracer {
	if t == nil || t.tracer == nil {
		return noopTracer
	}
	return t.tracer
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.otel().Start(ctx, name, opts...)
}

// StartRegistrySpan starts a span for a registry operation.
func (t *Tracer) StartRegistrySpan(ctx context.Context, op, agentID string) (context.Context, trace.Span) {
	ctx, span := t.otel().Start(ctx, "registry."+op, trace.WithSpanKind(trace.SpanKindInternal))
	if agentID != "" {
		span.SetAttributes(attribute.String("agent.id", agentID))
	}
	return ctx, span
}

// StartTaskSpan starts a span for a task store or execution operation.
func (t *Tracer) StartTaskSpan(ctx context.Context, op, taskID string) (context.Context, trace.Span) {
	ctx, span := t.otel().Start(ctx, "task."+op, trace.WithSpanKind(trace.SpanKindInternal))
	if taskID != "" {
		span.SetAttributes(attribute.String("task.id", taskID))
	}
	return ctx, span
}

// StartSendSpan starts a producer span for an outgoing message.
func (t *Tracer) StartSendSpan(ctx context.Context, queue, messageType string) (context.Context, trace.Span) {
	ctx, span := t.otel().Start(ctx, "message.send", trace.WithSpanKind(trace.SpanKindProducer))
	span.SetAttributes(
		attribute.String("messaging.destination", queue),
		attribute.String("message.type", messageType),
	)
	return ctx, span
}

// StartProcessSpan starts a consumer span for an incoming message.
func (t *Tracer) StartProcessSpan(ctx context.Context, messageType, senderID string) (context.Context, trace.Span) {
	ctx, span := t.otel().Start(ctx, "message.process", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("message.type", messageType),
		attribute.String("message.sender", senderID),
	)
	return ctx, span
}

// StartOracleSpan starts a client span for a capability-extraction call.
func (t *Tracer) StartOracleSpan(ctx context.Context, provider, model string) (context.Context, trace.Span) {
	ctx, span := t.otel().Start(ctx, "oracle.analyze", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("oracle.provider", provider),
		attribute.String("oracle.model", model),
	)
	return ctx, span
}

// End records err (if any), sets the span status and ends it.
func End(span trace.Span, err error, attrs ...attribute.KeyValue) {
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// --- Context Propagation ---

// InjectContext injects trace context into a carrier for cross-process propagation.
func InjectContext(ctx context.Context, carrier propagation.TextMapCarrier) {
	otel.GetTextMapPropagator().Inject(ctx, carrier)
}

// ExtractContext extracts trace context from a carrier.
func ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// MapCarrier is a simple map-based TextMapCarrier. Message attributes are
// used as the carrier so trace context follows tasks across agents.
type MapCarrier map[string]string

func (c MapCarrier) Get(key string) string {
	return c[key]
}

func (c MapCarrier) Set(key, value string) {
	c[key] = value
}

func (c MapCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
