// Package telemetry sets up OpenTelemetry tracing and wraps collaborator
// calls with a span and a log line.
package telemetry

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const instrumentation = "dealwatch/api"

// Setup installs an OTLP HTTP tracer provider. Tracing is opt-in: with an
// empty endpoint it returns a no-op shutdown and registers nothing.
func Setup(ctx context.Context, serviceName, endpoint string) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }
	if endpoint == "" {
		return noop, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
	if err != nil {
		return noop, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return noop, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return tp.Shutdown, nil
}

// Observe runs fn inside a span named name and logs its duration and
// outcome. The error of fn is returned unchanged.
func Observe(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := otel.Tracer(instrumentation).Start(ctx, name)
	defer span.End()

	started := time.Now()
	err := fn(ctx)
	elapsed := time.Since(started).Milliseconds()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Printf("%s failed after %dms: %v", name, elapsed, err)
		return err
	}
	log.Printf("%s done in %dms", name, elapsed)
	return nil
}
