package tracing

import (
	"context"
	"net"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

// SpanNamer names the server span of a request
type SpanNamer func(r *http.Request) string

// Middleware starts a server span per request, continuing any trace the
// caller propagated. A nil namer names spans "METHOD path".
func Middleware(namer SpanNamer) func(http.Handler) http.Handler {
	if namer == nil {
		namer = func(r *http.Request) string { return r.Method + " " + r.URL.Path }
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := Tracer().Start(ctx, namer(r),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(requestAttributes(r)...),
			)
			defer span.End()

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r.WithContext(ctx))
			finishSpan(span, sw.status)
		})
	}
}

// requestAttributes leaves out the query string, which may carry
// credentials, and records the connection peer rather than any
// client-supplied forwarding header.
func requestAttributes(r *http.Request) []attribute.KeyValue {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	attrs := []attribute.KeyValue{
		semconv.HTTPMethodKey.String(r.Method),
		semconv.HTTPTargetKey.String(r.URL.Path),
		semconv.HTTPSchemeKey.String(scheme),
		semconv.HTTPHostKey.String(r.Host),
		semconv.HTTPUserAgentKey.String(r.UserAgent()),
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		attrs = append(attrs, semconv.NetPeerIPKey.String(host))
	}
	return attrs
}

// finishSpan sets the span status from the response code. A 429 is an
// expected outcome and only tagged.
func finishSpan(span trace.Span, status int) {
	span.SetAttributes(semconv.HTTPStatusCodeKey.Int(status))
	switch {
	case status == http.StatusTooManyRequests:
		span.SetAttributes(attribute.Bool("ratelimit.limited", true))
	case status >= 400:
		span.SetStatus(codes.Error, http.StatusText(status))
	default:
		span.SetStatus(codes.Ok, "")
	}
}

// InjectTraceContext writes the trace context of ctx into req's headers
func InjectTraceContext(ctx context.Context, req *http.Request) {
	propagator.Inject(ctx, propagation.HeaderCarrier(req.Header))
}

// AddEventToSpan adds an event to the span in ctx if it is recording
func AddEventToSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
