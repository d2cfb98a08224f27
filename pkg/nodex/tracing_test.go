package nodex

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/david-hosier/node.x/internal/h1"
)

func TestHeaderCarrier(t *testing.T) {
	var h h1.Header
	carrier := headerCarrier{headers: &h}
	carrier.Set("traceparent", "00-abc-def-01")
	require.Equal(t, "00-abc-def-01", carrier.Get("Traceparent"))
	require.Equal(t, []string{"traceparent"}, carrier.Keys())
}

func TestTracing_ClientServerSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	serverConfig := testServerConfig()
	serverConfig.TracerProvider = tp
	serverConfig.Propagator = propagation.TraceContext{}
	type seen struct {
		traceparent string
		valid       bool
	}
	seenCh := make(chan seen, 1)
	_, port := startServer(t, serverConfig, func(req *ServerRequest) {
		seenCh <- seen{req.Header("traceparent"), trace.SpanContextFromContext(req.Context()).IsValid()}
		_ = req.Response().SetStatusCode(404).End()
	})
	c := newTestClient(t, port, func(cfg *ClientConfig) {
		cfg.TracerProvider = tp
		cfg.Propagator = propagation.TraceContext{}
	})

	res := fetch(t, c, "GET", "/traced", nil)
	require.NoError(t, res.err)
	got := await(t, seenCh)
	require.NotEmpty(t, got.traceparent)
	require.True(t, got.valid)

	require.Eventually(t, func() bool { return len(sr.Ended()) == 2 }, 2*time.Second, 10*time.Millisecond)
	var client, server sdktrace.ReadOnlySpan
	for _, s := range sr.Ended() {
		switch s.SpanKind() {
		case trace.SpanKindClient:
			client = s
		case trace.SpanKindServer:
			server = s
		}
	}
	require.NotNil(t, client)
	require.NotNil(t, server)
	require.Equal(t, "GET /traced", server.Name())
	require.Equal(t, client.SpanContext().TraceID(), server.SpanContext().TraceID())
	require.Equal(t, client.SpanContext().SpanID(), server.Parent().SpanID())
	require.Equal(t, codes.Error, server.Status().Code)
}
