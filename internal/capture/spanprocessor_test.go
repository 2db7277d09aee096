package capture

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentworkforce/contextfile/internal/consumer"
)

func endServerSpan(t *testing.T, p sdktrace.SpanProcessor, kind trace.SpanKind, attrs ...attribute.KeyValue) {
	t.Helper()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(p))
	defer func() { _ = provider.Shutdown(context.Background()) }()

	_, span := provider.Tracer("test").Start(context.Background(), "request",
		trace.WithSpanKind(kind))
	span.SetAttributes(attrs...)
	span.End()
}

func TestSpanProcessorRecordsServerSpans(t *testing.T) {
	recorder := &fakeRecorder{}
	p := NewSpanProcessor(recorder, SpanProcessorOptions{})

	endServerSpan(t, p, trace.SpanKindServer,
		attribute.String("http.request.method", "get"),
		attribute.Int("http.response.status_code", 503),
		attribute.String("http.route", "/api/orders/{order_id}"),
		attribute.String("url.query", "page=2&limit=10"),
		attribute.StringSlice("http.request.header.x_service_name", []string{"Billing-Svc"}),
	)

	identity, obs := recorder.last(t)
	if identity.Key != "billing-svc" || identity.Tier != consumer.TierInferred {
		t.Fatalf("unexpected identity: %+v", identity)
	}
	if obs.Endpoint.Method != "GET" || obs.Endpoint.PathTemplate != "/api/orders/{order_id}" {
		t.Fatalf("unexpected endpoint: %+v", obs.Endpoint)
	}
	if obs.StatusClass != "5xx" {
		t.Fatalf("unexpected status class: %s", obs.StatusClass)
	}
	if len(obs.QueryParams) != 2 {
		t.Fatalf("unexpected query params: %v", obs.QueryParams)
	}
}

func TestSpanProcessorIgnoresNonServerAndNonHTTPSpans(t *testing.T) {
	recorder := &fakeRecorder{}
	p := NewSpanProcessor(recorder, SpanProcessorOptions{})

	endServerSpan(t, p, trace.SpanKindClient,
		attribute.String("http.request.method", "GET"))
	endServerSpan(t, p, trace.SpanKindServer,
		attribute.String("db.system", "postgresql"))

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	if len(recorder.obs) != 0 {
		t.Fatalf("expected no observations, got %d", len(recorder.obs))
	}
}

func TestSpanProcessorOldSemconvTarget(t *testing.T) {
	recorder := &fakeRecorder{}
	p := NewSpanProcessor(recorder, SpanProcessorOptions{})

	endServerSpan(t, p, trace.SpanKindServer,
		attribute.String("http.method", "POST"),
		attribute.Int("http.status_code", 201),
		attribute.String("http.target", "/api/orders/123?dry_run=true"),
		attribute.String("http.user_agent", "checkout-cli/3.2"),
	)

	identity, obs := recorder.last(t)
	if identity.Key != "checkout-cli" {
		t.Fatalf("unexpected identity: %+v", identity)
	}
	if obs.Endpoint.PathTemplate != "/api/orders/{id}" {
		t.Fatalf("expected fallback normalization, got %s", obs.Endpoint.PathTemplate)
	}
	if len(obs.QueryParams) != 1 || obs.QueryParams[0] != "dry_run" {
		t.Fatalf("unexpected query params: %v", obs.QueryParams)
	}
}

func TestSpanProcessorFlushHook(t *testing.T) {
	flushErr := errors.New("flush failed")
	calls := 0
	p := NewSpanProcessor(&fakeRecorder{}, SpanProcessorOptions{
		Flush: func(ctx context.Context) error {
			calls++
			return flushErr
		},
	})

	if err := p.ForceFlush(context.Background()); !errors.Is(err, flushErr) {
		t.Fatalf("force flush: %v", err)
	}
	if err := p.Shutdown(context.Background()); !errors.Is(err, flushErr) {
		t.Fatalf("shutdown: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 flush calls, got %d", calls)
	}
}
