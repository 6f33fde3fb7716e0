package tracing

import (
	"context"
	"testing"
	"time"
)

func TestNewProvider_Disabled(t *testing.T) {
	provider, err := NewProvider(Config{ServiceName: "hitpipe-worker", Enabled: false})
	if err != nil {
		t.Fatalf("disabled tracing: %v", err)
	}
	if provider.IsEnabled() {
		t.Error("provider reports enabled with export off")
	}
	if provider.Tracer("hitpipe") == nil {
		t.Error("disabled provider must still hand out a tracer")
	}
}

func TestNewProvider_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing service name", Config{Enabled: true, SamplingRate: 0.1}},
		{"negative sampling rate", Config{ServiceName: "w", Enabled: true, SamplingRate: -0.1}},
		{"sampling rate above 1", Config{ServiceName: "w", Enabled: true, SamplingRate: 1.5}},
		{"unknown exporter", Config{ServiceName: "w", Enabled: true, SamplingRate: 0.1, ExporterType: "jaeger"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewProvider(tt.cfg); err == nil {
				t.Errorf("NewProvider(%+v) succeeded, want error", tt.cfg)
			}
		})
	}
}

func TestNewProvider_Exporters(t *testing.T) {
	tests := []struct {
		name         string
		exporterType string
		samplingRate float64
		endpoint     string
	}{
		{"grpc full sampling", "otlp-grpc", 1.0, "localhost:4317"},
		{"http partial sampling", "otlp-http", 0.1, "localhost:4318"},
		{"default exporter no sampling", "", 0.0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider, err := NewProvider(Config{
				ServiceName:  "hitpipe-worker",
				Enabled:      true,
				Environment:  "test",
				ExporterType: tt.exporterType,
				OTLPEndpoint: tt.endpoint,
				SamplingRate: tt.samplingRate,
				InsecureMode: true,
			})
			if err != nil {
				t.Fatalf("NewProvider: %v", err)
			}
			if !provider.IsEnabled() {
				t.Error("provider reports disabled")
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := provider.Shutdown(ctx); err != nil {
				t.Errorf("shutdown: %v", err)
			}
		})
	}
}

func TestProvider_TracerStartsSpans(t *testing.T) {
	provider, err := NewProvider(Config{
		ServiceName:  "hitpipe-worker",
		Enabled:      true,
		Environment:  "test",
		SamplingRate: 1.0,
		InsecureMode: true,
	})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(ctx)
	}()

	_, span := provider.Tracer("hitpipe").Start(context.Background(), "resolve_identity")
	if span == nil {
		t.Fatal("expected a span")
	}
	span.End()
}

func TestProvider_ShutdownWithoutInit(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := (&Provider{}).Shutdown(ctx); err != nil {
		t.Errorf("shutdown of uninitialized provider: %v", err)
	}
}
