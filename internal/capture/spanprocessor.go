package capture

import (
	"context"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentworkforce/contextfile/internal/consumer"
)

// Attribute keys for both the pre-1.21 and current HTTP semantic conventions.
var (
	spanMethodKeys = []attribute.Key{"http.request.method", "http.method"}
	spanStatusKeys = []attribute.Key{"http.response.status_code", "http.status_code"}

	spanRouteKey     = attribute.Key("http.route")
	spanPathKey      = attribute.Key("url.path")
	spanQueryKey     = attribute.Key("url.query")
	spanTargetKey    = attribute.Key("http.target")
	spanUserAgentKey = attribute.Key("http.user_agent")
)

// Instrumentation stores captured request headers under
// "http.request.header.{name}" with hyphens folded to underscores.
var spanCallerHeaderKeys = []attribute.Key{
	"http.request.header.x_service_name",
	"http.request.header.x_caller_id",
	"http.request.header.x_source_service",
}

type SpanProcessorOptions struct {
	Resolver consumer.Resolver
	Logger   Logger
	// Flush, when set, runs on Shutdown and ForceFlush. Wired to the sync
	// trigger so tracer-provider shutdown leaves the context file current.
	Flush func(ctx context.Context) error
}

// SpanProcessor feeds the recorder from server-side HTTP spans, for services
// that already carry OpenTelemetry instrumentation instead of the middleware.
type SpanProcessor struct {
	recorder Recorder
	resolver consumer.Resolver
	logger   Logger
	flush    func(ctx context.Context) error
}

var _ sdktrace.SpanProcessor = (*SpanProcessor)(nil)

func NewSpanProcessor(recorder Recorder, opts SpanProcessorOptions) *SpanProcessor {
	return &SpanProcessor{
		recorder: recorder,
		resolver: opts.Resolver,
		logger:   opts.Logger,
		flush:    opts.Flush,
	}
}

func (p *SpanProcessor) OnStart(parent context.Context, s sdktrace.ReadWriteSpan) {}

func (p *SpanProcessor) OnEnd(s sdktrace.ReadOnlySpan) {
	defer func() {
		if recovered := recover(); recovered != nil && p.logger != nil {
			p.logger.Printf("contextfile: span observation failed: %v", recovered)
		}
	}()
	if p.recorder == nil || s.SpanKind() != trace.SpanKindServer {
		return
	}
	attrs := indexAttributes(s.Attributes())

	method := firstAttr(attrs, spanMethodKeys...)
	if method == "" {
		return
	}

	pathTemplate := attrs[spanRouteKey]
	if pathTemplate == "" {
		pathTemplate = NormalizePath(spanPath(attrs))
	}

	status := 0
	if raw := firstAttr(attrs, spanStatusKeys...); raw != "" {
		status, _ = strconv.Atoi(raw)
	}

	obs := consumer.Observation{
		Timestamp: s.EndTime().UTC(),
		Signals:   spanSignals(attrs),
		Endpoint: consumer.Endpoint{
			Method:       strings.ToUpper(method),
			PathTemplate: pathTemplate,
		},
		StatusClass: consumer.StatusClass(status),
		QueryParams: QueryParams(spanQuery(attrs)),
	}
	p.recorder.Record(p.resolver.Resolve(obs), obs)
}

func (p *SpanProcessor) Shutdown(ctx context.Context) error {
	if p.flush != nil {
		return p.flush(ctx)
	}
	return nil
}

func (p *SpanProcessor) ForceFlush(ctx context.Context) error {
	if p.flush != nil {
		return p.flush(ctx)
	}
	return nil
}

func spanSignals(attrs map[attribute.Key]string) []consumer.Signal {
	signals := make([]consumer.Signal, 0, 2)
	for _, key := range spanCallerHeaderKeys {
		if value := attrs[key]; strings.TrimSpace(value) != "" {
			signals = append(signals, consumer.Signal{
				Provenance: consumer.ProvenanceTraceAttr,
				Name:       string(key),
				Value:      value,
			})
		}
	}
	if token := UserAgentProduct(attrs[spanUserAgentKey]); token != "" {
		signals = append(signals, consumer.Signal{
			Provenance: consumer.ProvenanceUserAgent,
			Name:       string(spanUserAgentKey),
			Value:      token,
		})
	}
	return signals
}

func spanPath(attrs map[attribute.Key]string) string {
	if path := attrs[spanPathKey]; path != "" {
		return path
	}
	target := attrs[spanTargetKey]
	if target == "" {
		return "/"
	}
	path, _, _ := strings.Cut(target, "?")
	return path
}

func spanQuery(attrs map[attribute.Key]string) string {
	if query := attrs[spanQueryKey]; query != "" {
		return query
	}
	_, query, _ := strings.Cut(attrs[spanTargetKey], "?")
	return query
}

// indexAttributes flattens span attributes to strings. Captured header values
// arrive as string slices; the first element wins.
func indexAttributes(kvs []attribute.KeyValue) map[attribute.Key]string {
	attrs := make(map[attribute.Key]string, len(kvs))
	for _, kv := range kvs {
		switch kv.Value.Type() {
		case attribute.STRINGSLICE:
			if values := kv.Value.AsStringSlice(); len(values) > 0 {
				attrs[kv.Key] = values[0]
			}
		default:
			attrs[kv.Key] = kv.Value.Emit()
		}
	}
	return attrs
}

func firstAttr(attrs map[attribute.Key]string, keys ...attribute.Key) string {
	for _, key := range keys {
		if value := attrs[key]; value != "" {
			return value
		}
	}
	return ""
}
