package otelx

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// TraceContextStrings serializes the active trace context into the W3C
// traceparent/tracestate pair. Outbox rows and reminder jobs persist these
// so the trace survives the hop through the database.
func TraceContextStrings(ctx context.Context) (traceparent, tracestate string) {
	mc := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, mc)
	return mc.Get("traceparent"), mc.Get("tracestate")
}

// ContextWithTraceContext resumes a trace persisted by TraceContextStrings.
// With both strings empty the context is returned untouched.
func ContextWithTraceContext(ctx context.Context, traceparent, tracestate string) context.Context {
	if traceparent == "" && tracestate == "" {
		return ctx
	}
	mc := propagation.MapCarrier{}
	if traceparent != "" {
		mc.Set("traceparent", traceparent)
	}
	if tracestate != "" {
		mc.Set("tracestate", tracestate)
	}
	return otel.GetTextMapPropagator().Extract(ctx, mc)
}
