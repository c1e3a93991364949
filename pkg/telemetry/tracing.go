// Package telemetry sets up OpenTelemetry tracing for the node.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const ServiceName = "federatr"

// InitTracing installs a global tracer provider using exporter, which is
// "stdout" or "none". An empty exporter disables tracing. The returned
// function flushes and stops the provider.
func InitTracing(c context.Context, exporter string, sampleRate float64,
	version string) (shutdown func(context.Context) error, err error) {

	shutdown = func(context.Context) error { return nil }
	if exporter == "" {
		return
	}
	if sampleRate < 0 || sampleRate > 1 {
		return nil, fmt.Errorf("invalid sample rate %f: must be between 0 and 1",
			sampleRate)
	}
	var res *resource.Resource
	if res, err = resource.New(c, resource.WithAttributes(
		attribute.String("service.name", ServiceName),
		attribute.String("service.version", version),
	)); err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	var exp sdktrace.SpanExporter
	switch exporter {
	case "stdout":
		if exp, err = stdouttrace.New(stdouttrace.WithPrettyPrint()); err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
	case "none":
		exp = noopExporter{}
	default:
		return nil, fmt.Errorf("unsupported exporter: %s (must be 'stdout' or 'none')",
			exporter)
	}
	var sampler sdktrace.Sampler
	switch {
	case sampleRate >= 1:
		sampler = sdktrace.AlwaysSample()
	case sampleRate <= 0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(sampleRate)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
		sdktrace.WithBatcher(exp),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

// Tracer returns a named tracer from the global provider.
func Tracer(name string) trace.Tracer { return otel.Tracer(name) }

type noopExporter struct{}

func (noopExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (noopExporter) Shutdown(context.Context) error                              { return nil }
