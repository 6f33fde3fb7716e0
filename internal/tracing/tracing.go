// Package tracing wires OpenTelemetry export for the ingestion worker.
// Spans cover queue consumption and store round trips; export is OTLP
// over gRPC or HTTP.
package tracing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Config describes how spans leave the process.
type Config struct {
	// ServiceName identifies this process in traces.
	ServiceName string

	// Enabled turns export on. When false NewProvider returns a provider
	// whose tracers are the otel no-op ones.
	Enabled bool

	// Environment tags every span (development, staging, production).
	Environment string

	// ExporterType selects the OTLP transport: "otlp-grpc" or
	// "otlp-http" (the default).
	ExporterType string

	// OTLPEndpoint is the collector address, host:port.
	OTLPEndpoint string

	// SamplingRate is the sampled fraction of traces, 0 to 1.
	SamplingRate float64

	// InsecureMode sends OTLP without TLS. Development only.
	InsecureMode bool
}

// Provider owns the process-global tracer provider.
type Provider struct {
	tp      *sdktrace.TracerProvider
	enabled bool
}

// NewProvider builds the tracer provider, installs it globally and sets
// W3C trace-context propagation.
func NewProvider(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		slog.Info("tracing disabled")
		return &Provider{}, nil
	}
	if cfg.ServiceName == "" {
		return nil, errors.New("tracing: service name is required")
	}
	if cfg.SamplingRate < 0 || cfg.SamplingRate > 1 {
		return nil, fmt.Errorf("tracing: sampling rate %g outside [0, 1]", cfg.SamplingRate)
	}

	exporter, err := newExporter(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create span exporter: %w", err)
	}

	res, err := resource.New(context.Background(), resource.WithAttributes(
		semconv.ServiceName(cfg.ServiceName),
		attribute.String("environment", cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to describe service resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SamplingRate)),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	slog.Info("tracing initialized",
		"service", cfg.ServiceName,
		"exporter", cfg.ExporterType,
		"endpoint", cfg.OTLPEndpoint,
		"sampling_rate", cfg.SamplingRate)
	return &Provider{tp: tp, enabled: true}, nil
}

func newExporter(cfg Config) (sdktrace.SpanExporter, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch cfg.ExporterType {
	case "otlp-grpc":
		opts := []otlptracegrpc.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.InsecureMode {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)

	case "otlp-http", "":
		opts := []otlptracehttp.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.InsecureMode {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)

	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", cfg.ExporterType)
	}
}

func sampler(rate float64) sdktrace.Sampler {
	switch rate {
	case 1.0:
		return sdktrace.AlwaysSample()
	case 0.0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

// Shutdown flushes pending spans and stops the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	if err := p.tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown tracer provider: %w", err)
	}
	return nil
}

// Tracer returns a tracer scoped to name. Safe on a disabled provider,
// which hands back the global (no-op) tracer.
func (p *Provider) Tracer(name string) trace.Tracer {
	if p.tp == nil {
		return otel.Tracer(name)
	}
	return p.tp.Tracer(name)
}

// IsEnabled reports whether spans are exported.
func (p *Provider) IsEnabled() bool {
	return p.enabled
}
