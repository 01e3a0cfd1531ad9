// Package telemetry configures OpenTelemetry tracing for the gateway.
package telemetry

import (
	"context"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

// ServiceName identifies the gateway in traces.
const ServiceName = "bigate"

// Options configures Init.
type Options struct {
	Endpoint    string  // OTLP/HTTP collector host:port; empty keeps spans local
	Insecure    bool    // plain HTTP to the collector
	SampleRatio float64 // parent-based trace ID ratio
	Version     string
}

// Init installs a global tracer provider and returns its shutdown func. An
// exporter that cannot be created is logged and tracing stays local.
func Init(ctx context.Context, opts Options, logger *slog.Logger) (func(context.Context) error, error) {
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(ServiceName),
		semconv.ServiceVersion(opts.Version),
	))
	if err != nil {
		// conflicting schema URLs; the default resource still works
		res = resource.Default()
	}

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(opts.SampleRatio))),
	}
	if opts.Endpoint != "" {
		expOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(opts.Endpoint)}
		if opts.Insecure {
			expOpts = append(expOpts, otlptracehttp.WithInsecure())
		}
		exporter, err := otlptracehttp.New(ctx, expOpts...)
		if err != nil {
			logger.Warn("otel exporter disabled", "endpoint", opts.Endpoint, "error", err)
		} else {
			tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter))
		}
	}

	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return tp.Shutdown, nil
}

// HTTPMiddleware starts a server span per inbound request.
func HTTPMiddleware(next http.Handler) http.Handler {
	return otelhttp.NewHandler(next, ServiceName)
}
