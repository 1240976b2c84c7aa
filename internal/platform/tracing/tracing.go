// Package tracing wires a process-wide otel TracerProvider. In development it
// exports spans to stdout, the same low-ceremony default used
// before a real collector is wired up.
package tracing

import (
	"context"
	"io"

	"go.opentelemetry.io/otel"
	stdouttrace "go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Init installs a stdout-exporting TracerProvider as the global tracer and
// returns a shutdown func. Passing io.Discard as w keeps spans out of test
// output while still exercising the real SDK.
func Init(serviceName string, w io.Writer) (func(context.Context) error, error) {
	exp, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(
		semconv.ServiceName(serviceName),
	))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Tracer is the single tracer used across the engine's components.
func Tracer() trace.Tracer {
	return otel.Tracer("listenup/orchestrator")
}

// Discard installs a no-op tracer provider, for tests that don't care about spans.
func Discard() {
	otel.SetTracerProvider(noopProvider{})
}

type noopProvider struct{ trace.TracerProvider }

func (noopProvider) Tracer(_ string, _ ...trace.TracerOption) trace.Tracer {
	return trace.NewNoopTracerProvider().Tracer("noop")
}
