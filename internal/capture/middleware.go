package capture

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agentworkforce/contextfile/internal/consumer"
)

// DefaultCallerHeaders are consulted in order for an explicit caller identity.
var DefaultCallerHeaders = []string{"x-service-name", "x-caller-id", "x-source-service"}

// DefaultMaxBodyBytes caps how much of a request body is buffered for field
// extraction. Bodies beyond the cap skip shape capture entirely.
const DefaultMaxBodyBytes = 64 * 1024

type Logger interface {
	Printf(format string, args ...any)
}

// Recorder is the sink the adapters feed. *consumer.Registry satisfies it.
type Recorder interface {
	Record(identity consumer.ConsumerIdentity, obs consumer.Observation)
}

type MiddlewareOptions struct {
	// CallerHeaders are the request headers checked for an explicit identity,
	// in priority order. Defaults to DefaultCallerHeaders.
	CallerHeaders []string
	// RouteTemplate returns the matched route pattern for a request, e.g.
	// chi.RouteContext(r.Context()).RoutePattern. When nil or empty the path
	// is normalized with the fallback patterns instead.
	RouteTemplate func(r *http.Request) string
	Resolver      consumer.Resolver
	MaxBodyBytes  int64
	MaxBodyDepth  int
	Logger        Logger
}

// Middleware observes each completed request and folds it into the recorder.
// Observation is best effort: a panic or error while capturing is logged and
// the response already written is unaffected.
func Middleware(recorder Recorder, opts MiddlewareOptions) func(http.Handler) http.Handler {
	callerHeaders := opts.CallerHeaders
	if len(callerHeaders) == 0 {
		callerHeaders = DefaultCallerHeaders
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	maxDepth := opts.MaxBodyDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxBodyDepth
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body := bufferBody(r, maxBody)

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			defer func() {
				if recovered := recover(); recovered != nil && opts.Logger != nil {
					opts.Logger.Printf("contextfile: observation failed: %v", recovered)
				}
			}()
			if recorder == nil {
				return
			}
			obs := buildObservation(r, body, rec.status, callerHeaders, maxDepth)
			if opts.RouteTemplate != nil {
				if tmpl := opts.RouteTemplate(r); tmpl != "" {
					obs.Endpoint.PathTemplate = tmpl
				}
			}
			recorder.Record(opts.Resolver.Resolve(obs), obs)
		})
	}
}

func buildObservation(r *http.Request, body []byte, status int, callerHeaders []string, maxDepth int) consumer.Observation {
	signals := make([]consumer.Signal, 0, len(callerHeaders)+2)
	for _, name := range callerHeaders {
		if value := r.Header.Get(name); value != "" {
			signals = append(signals, consumer.Signal{
				Provenance: consumer.ProvenanceHeader,
				Name:       name,
				Value:      value,
			})
		}
	}
	if sig, ok := PeerCertificateSignal(r.TLS); ok {
		signals = append(signals, sig)
	}
	if token := UserAgentProduct(r.UserAgent()); token != "" {
		signals = append(signals, consumer.Signal{
			Provenance: consumer.ProvenanceUserAgent,
			Name:       "user-agent",
			Value:      token,
		})
	}

	headerNames := make([]string, 0, len(r.Header))
	for name := range r.Header {
		headerNames = append(headerNames, name)
	}

	return consumer.Observation{
		Timestamp: time.Now().UTC(),
		Signals:   signals,
		Endpoint: consumer.Endpoint{
			Method:       strings.ToUpper(r.Method),
			PathTemplate: NormalizePath(r.URL.Path),
		},
		StatusClass:    consumer.StatusClass(status),
		RequestFields:  FieldsFromBody(body, r.Header.Get("Content-Type"), maxDepth),
		RequestHeaders: CustomHeaders(headerNames),
		QueryParams:    QueryParams(r.URL.RawQuery),
	}
}

// UserAgentProduct returns the product token of a User-Agent value, the part
// before the first slash.
func UserAgentProduct(userAgent string) string {
	token, _, _ := strings.Cut(userAgent, "/")
	return strings.TrimSpace(token)
}

// bufferBody reads the request body up to the cap and replaces r.Body so the
// handler still sees the full stream. Oversized bodies are passed through
// untouched and skip field extraction.
func bufferBody(r *http.Request, maxBody int64) []byte {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	if r.ContentLength > maxBody {
		return nil
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	if err != nil || int64(len(data)) > maxBody {
		// Hand the handler back everything read so far plus the unread rest.
		r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(data), r.Body))
		return nil
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}
