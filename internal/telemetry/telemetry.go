package telemetry

import (
	"context"
	"log"
	"os"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Setup installs a tracer provider when an OTLP endpoint is configured.
// Without one tracing stays off and the returned shutdown is a no-op.
// SERVICE_VERSION tags spans with the deployed build and
// TRACE_SAMPLE_RATIO (0..1, default 1) thins traffic on busy clinics.
func Setup(serviceName string) func(context.Context) error {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		return func(context.Context) error { return nil }
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
	if os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true" {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(context.Background(), opts...)
	if err != nil {
		log.Printf("otel exporter error: %v", err)
		return func(context.Context) error { return nil }
	}

	attrs := []attribute.KeyValue{semconv.ServiceName(serviceName)}
	if version := os.Getenv("SERVICE_VERSION"); version != "" {
		attrs = append(attrs, semconv.ServiceVersion(version))
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		log.Printf("otel resource error: %v", err)
	}

	sampler := trace.AlwaysSample()
	if raw := os.Getenv("TRACE_SAMPLE_RATIO"); raw != "" {
		if ratio, perr := strconv.ParseFloat(raw, 64); perr == nil && ratio > 0 && ratio < 1 {
			sampler = trace.TraceIDRatioBased(ratio)
		}
	}

	provider := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(sampler)),
	)
	otel.SetTracerProvider(provider)

	return provider.Shutdown
}
