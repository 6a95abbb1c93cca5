// Package telemetry wires up OpenTelemetry tracing and metrics for the
// rest of the module. internal/executor and internal/runtime obtain
// their tracer/meter via otel.Tracer/otel.Meter directly (the standard
// global-provider pattern); this package is where the providers
// behind those globals get configured and shut down.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// Config selects which exporters to wire up.
type Config struct {
	// ServiceName identifies this process in trace/metric resource
	// attributes.
	ServiceName string

	// OTLPEndpoint, if set, additionally exports traces via
	// otlptracegrpc to this address (e.g. "localhost:4317").
	OTLPEndpoint string

	// PrometheusBridge, if true, registers a Prometheus exporter as
	// the metric reader so internal/opsserver can expose /metrics.
	PrometheusBridge bool
}

// Providers bundles the configured trace/meter providers and their
// combined shutdown.
type Providers struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	// PrometheusGatherer is non-nil when Config.PrometheusBridge was
	// set. It registers with the default Prometheus registry, whose
	// promhttp handler cmd/funsies hands to internal/opsserver for
	// /metrics.
	PrometheusGatherer *prometheus.Exporter
}

// Setup configures global tracer/meter providers per cfg and installs
// them via otel.SetTracerProvider/otel.SetMeterProvider, so every
// package that calls otel.Tracer(...)/otel.Meter(...) picks them up
// without an explicit dependency on this package.
func Setup(ctx context.Context, cfg Config) (*Providers, error) {
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry: building resource: %w", err)
	}

	traceExporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("telemetry: stdout trace exporter: %w", err)
	}
	tracerOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter),
	}

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("telemetry: otlp trace exporter: %w", err)
		}
		tracerOpts = append(tracerOpts, sdktrace.WithBatcher(otlpExporter))
	}
	tracerProvider := sdktrace.NewTracerProvider(tracerOpts...)
	otel.SetTracerProvider(tracerProvider)

	var promExporter *prometheus.Exporter
	readers := []sdkmetric.Option{sdkmetric.WithResource(res)}

	stdoutExporter, err := stdoutmetric.New()
	if err != nil {
		return nil, fmt.Errorf("telemetry: stdout metric exporter: %w", err)
	}
	readers = append(readers, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(stdoutExporter)))

	if cfg.PrometheusBridge {
		promExporter, err = prometheus.New()
		if err != nil {
			return nil, fmt.Errorf("telemetry: prometheus exporter: %w", err)
		}
		readers = append(readers, sdkmetric.WithReader(promExporter))
	}

	meterProvider := sdkmetric.NewMeterProvider(readers...)
	otel.SetMeterProvider(meterProvider)

	return &Providers{
		TracerProvider:     tracerProvider,
		MeterProvider:      meterProvider,
		PrometheusGatherer: promExporter,
	}, nil
}

// Shutdown flushes and stops both providers. Call it once, on process
// exit, with a bounded context.
func (p *Providers) Shutdown(ctx context.Context) error {
	var firstErr error
	if err := p.TracerProvider.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := p.MeterProvider.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
