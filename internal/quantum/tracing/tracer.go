// Package tracing wraps an OpenTelemetry TracerProvider for the quantum
// endpoint, exporting spans to stdout. Every method degrades to a no-op
// when tracing is disabled.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Config configures a Tracer. Disabled by default.
type Config struct {
	Enable      bool    `json:",default=false"`
	ServiceName string  `json:",default=quantum"`
	SampleRate  float64 `json:",default=1.0"`
}

// Tracer wraps an otel TracerProvider, or nothing at all when disabled.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	logger   *zap.Logger
}

// New builds a Tracer. When cfg.Enable is false it returns a disabled
// Tracer whose Tracer() accessor yields nil, which consumers treat as
// tracing off.
func New(cfg *Config, logger *zap.Logger) (*Tracer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg == nil || !cfg.Enable {
		logger.Info("quantum tracing disabled")
		return &Tracer{logger: logger}, nil
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: build resource: %w", err)
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("tracing: build stdout exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case cfg.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(provider)

	name := cfg.ServiceName
	if name == "" {
		name = "quantum"
	}

	logger.Info("quantum tracing initialized", zap.String("service", name), zap.Float64("sample_rate", cfg.SampleRate))

	return &Tracer{
		provider: provider,
		tracer:   provider.Tracer(name),
		logger:   logger,
	}, nil
}

// Tracer returns the underlying trace.Tracer, or nil when disabled;
// endpoint.New treats a nil tracer as "tracing off".
func (t *Tracer) Tracer() trace.Tracer {
	if t == nil {
		return nil
	}
	return t.tracer
}

// Shutdown flushes and stops the TracerProvider, a no-op when disabled.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}
