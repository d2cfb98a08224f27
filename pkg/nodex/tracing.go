package nodex

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/david-hosier/node.x/internal/h1"
)

const tracerName = "github.com/david-hosier/node.x"

// headerCarrier adapts h1.Header to propagation.TextMapCarrier.
type headerCarrier struct {
	headers *h1.Header
}

func (hc headerCarrier) Get(key string) string {
	return hc.headers.Get(key)
}

func (hc headerCarrier) Set(key, value string) {
	hc.headers.Set(key, value)
}

func (hc headerCarrier) Keys() []string {
	return hc.headers.Names()
}

// startClientSpan starts a client span and injects its context into h.
func startClientSpan(tp trace.TracerProvider, prop propagation.TextMapPropagator, method, uri, host string, h *h1.Header) trace.Span {
	ctx, span := tp.Tracer(tracerName).Start(
		context.Background(),
		method+" "+uri,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.target", uri),
			attribute.String("http.host", host),
		),
	)
	prop.Inject(ctx, headerCarrier{headers: h})
	return span
}

// startServerSpan continues the caller's trace when the request carries one.
func startServerSpan(tp trace.TracerProvider, prop propagation.TextMapPropagator, method, path string, h *h1.Header, connID string) (context.Context, trace.Span) {
	parent := prop.Extract(context.Background(), headerCarrier{headers: h})
	return tp.Tracer(tracerName).Start(
		parent,
		method+" "+path,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.target", path),
			attribute.String("net.conn.id", connID),
		),
	)
}

func endSpan(span trace.Span, status int, err error) {
	if status > 0 {
		span.SetAttributes(attribute.Int("http.status_code", status))
	}
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case status >= 400:
		span.SetStatus(codes.Error, "HTTP error")
	default:
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
