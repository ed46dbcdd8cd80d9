package observability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// Config controls tracing setup
type Config struct {
	ServiceName    string
	ServiceVersion string
	EnableTracing  bool
	SamplingRate   float64
	BatchTimeout   time.Duration
}

var (
	initOnce sync.Once
	provider *sdktrace.TracerProvider
)

// DefaultConfig returns a configuration with tracing disabled
func DefaultConfig() Config {
	return Config{
		ServiceName:    "pdk",
		ServiceVersion: "dev",
		SamplingRate:   1.0,
		BatchTimeout:   5 * time.Second,
	}
}

// Initialize installs the global tracer provider. Only the first call has an
// effect and tracing stays a no-op unless EnableTracing is set.
func Initialize(cfg Config) error {
	var err error
	initOnce.Do(func() {
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
		if !cfg.EnableTracing {
			return
		}
		err = initTracing(cfg)
	})
	return err
}

// initTracing initializes the tracing provider
func initTracing(cfg Config) error {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return fmt.Errorf("failed to create stdout exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SamplingRate <= 0:
		sampler = sdktrace.NeverSample()
	case cfg.SamplingRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SamplingRate)
	}

	provider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(cfg.BatchTimeout)),
	)
	otel.SetTracerProvider(provider)
	return nil
}

// Shutdown flushes pending spans
func Shutdown(ctx context.Context) error {
	if provider == nil {
		return nil
	}
	if err := provider.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown tracer: %w", err)
	}
	return nil
}
