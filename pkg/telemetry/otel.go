// Package telemetry installs the OpenTelemetry tracer provider that the
// ingest and query spans are recorded with.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"
)

// Config selects the OTLP collector spans are exported to. Tracing is off
// while Endpoint is empty.
type Config struct {
	// Endpoint is the collector "host:port".
	Endpoint        string        `mapstructure:"endpoint"`
	ServiceName     string        `mapstructure:"serviceName"`
	ServiceVersion  string        `mapstructure:"serviceVersion"`
	Insecure        bool          `mapstructure:"insecure"`
	ReconnectPeriod time.Duration `mapstructure:"reconnectPeriod"`
	// Timeout bounds exporter setup and shutdown.
	Timeout time.Duration `mapstructure:"timeout"`
	// SamplerRatio is the share of root spans sampled, 0 to 1.
	SamplerRatio float64 `mapstructure:"samplerRatio"`
}

// Enabled reports whether spans are exported.
func (c Config) Enabled() bool { return c.Endpoint != "" }

// Validate checks an enabled config.
func (c Config) Validate() error {
	if !c.Enabled() {
		return nil
	}
	if c.SamplerRatio < 0 || c.SamplerRatio > 1 {
		return fmt.Errorf("samplerRatio must be between 0 and 1, got %v", c.SamplerRatio)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "topicstore"
	}
	if cfg.ServiceVersion == "" {
		cfg.ServiceVersion = "dev"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.ReconnectPeriod <= 0 {
		cfg.ReconnectPeriod = 5 * time.Second
	}
}

// Shutdown flushes and stops the tracer provider.
type Shutdown func(context.Context) error

func noop(context.Context) error { return nil }

// InitTracer installs the global tracer provider and propagator. With
// tracing disabled it installs nothing and returns a no-op Shutdown.
func InitTracer(ctx context.Context, cfg Config, logger *zap.Logger) (Shutdown, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.Enabled() {
		logger.Debug("tracing disabled")
		return noop, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	applyDefaults(&cfg)

	initCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithReconnectionPeriod(cfg.ReconnectPeriod),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exp, err := otlptracegrpc.New(initCtx, opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: exporter: %w", err)
	}
	shutdown, err := Install(exp, cfg, logger)
	if err != nil {
		return nil, errors.Join(err, exp.Shutdown(context.Background()))
	}
	logger.Info("tracing enabled", zap.String("endpoint", cfg.Endpoint), zap.Float64("sampler_ratio", cfg.SamplerRatio))
	return shutdown, nil
}

// Install makes a batching provider over exp the global tracer provider.
func Install(exp sdktrace.SpanExporter, cfg Config, logger *zap.Logger) (Shutdown, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	applyDefaults(&cfg)
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplerRatio))),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("tracer shutdown", zap.Error(err))
			return err
		}
		return nil
	}, nil
}
