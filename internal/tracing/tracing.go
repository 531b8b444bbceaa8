// Package tracing wires OpenTelemetry into the gateway: the OTLP exporter,
// W3C trace context propagation and the server span middleware.
package tracing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/maltehedderich/weather-gateway/internal/config"
	"github.com/maltehedderich/weather-gateway/internal/logger"
)

// TracerName names the gateway's server spans
const TracerName = "github.com/maltehedderich/weather-gateway"

// propagator reads and writes traceparent/tracestate and baggage
var propagator = propagation.NewCompositeTextMapPropagator(
	propagation.TraceContext{},
	propagation.Baggage{},
)

var (
	providerMu sync.Mutex
	provider   *sdktrace.TracerProvider
)

// Config contains tracing configuration
type Config struct {
	Enabled bool
	// Endpoint is the OTLP/HTTP collector, e.g. localhost:4318
	Endpoint       string
	ServiceName    string
	ServiceVersion string
	Environment    string
	// SampleRate is the fraction of root traces kept
	SampleRate float64
}

// FromConfig builds the tracing settings from the observability section
func FromConfig(cfg config.ObservabilityConfig, version string) *Config {
	return &Config{
		Enabled:        cfg.TracingEnabled,
		Endpoint:       cfg.TracingEndpoint,
		ServiceName:    cfg.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Environment,
		SampleRate:     cfg.SampleRate,
	}
}

// Init installs the global tracer provider. With tracing disabled a no-op
// provider is installed, so spans started anywhere cost nothing.
func Init(cfg *Config) error {
	log := logger.Get().WithComponent("tracing")
	otel.SetTextMapPropagator(propagator)

	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		log.Info("distributed tracing is disabled")
		return nil
	}

	ctx := context.Background()
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		semconv.DeploymentEnvironmentKey.String(cfg.Environment),
	))
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithInsecure(),
	))
	if err != nil {
		return fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.ParentBased(rootSampler(cfg.SampleRate))),
	)

	providerMu.Lock()
	provider = tp
	providerMu.Unlock()
	otel.SetTracerProvider(tp)

	log.Info("distributed tracing initialized", logger.Fields{
		"endpoint":     cfg.Endpoint,
		"service_name": cfg.ServiceName,
		"environment":  cfg.Environment,
		"sample_rate":  cfg.SampleRate,
	})
	return nil
}

func rootSampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.AlwaysSample()
	case rate <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

// Shutdown flushes buffered spans. It is a no-op when Init installed no
// exporting provider.
func Shutdown(ctx context.Context) error {
	providerMu.Lock()
	tp := provider
	provider = nil
	providerMu.Unlock()
	if tp == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down tracer provider: %w", err)
	}
	logger.Get().WithComponent("tracing").Info("tracing shutdown complete")
	return nil
}

// Tracer returns the gateway tracer from the global provider
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// RecordError attaches err to the span in ctx and marks the span failed.
func RecordError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// TraceID returns the hex trace ID of the span in ctx, or "" when the
// request is not traced.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
