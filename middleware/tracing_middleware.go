package middleware

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"muxrpc/filter"
)

// Tracing starts a server span around each call. A nil tracer uses the
// global provider.
func Tracing(tracer trace.Tracer) *filter.Filter {
	if tracer == nil {
		tracer = otel.Tracer("muxrpc")
	}
	return &filter.Filter{
		Kind:  "tracing",
		Order: OrderTracing,
		Before: func(c *filter.ExecutingContext) {
			attrs := []attribute.KeyValue{
				attribute.String("rpc.system", "muxrpc"),
				attribute.String("rpc.method", c.Call.Action),
				attribute.String("muxrpc.protocol", c.Call.Protocol.String()),
			}
			if c.Call.Command != 0 {
				attrs = append(attrs, attribute.Int64("muxrpc.command", int64(c.Call.Command)))
			}
			if c.Call.Session != nil {
				attrs = append(attrs, attribute.String("muxrpc.session", c.Call.Session.ID()))
			}
			c.Ctx, _ = tracer.Start(c.Ctx, c.Call.Action,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(attrs...))
		},
		After: func(c *filter.ExecutedContext) {
			span := trace.SpanFromContext(c.Ctx)
			if err := c.Err(); err != nil {
				span.RecordError(err)
				span.SetStatus(otelcodes.Error, err.Error())
			}
			span.End()
		},
	}
}
