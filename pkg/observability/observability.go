// Package observability wires OpenTelemetry tracing and metrics for qledger.
//
// Disabled providers are no-ops: tracers and meters fall back to the global
// (no-op by default) providers, so instrumented code never checks a flag.
package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "qledger"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // gRPC, e.g. "localhost:4317"
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns local-development defaults with export disabled.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "qledger",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        false,
		Insecure:       true,
	}
}

// Provider owns the SDK trace and metric providers when export is enabled.
type Provider struct {
	cfg    *Config
	tp     *sdktrace.TracerProvider
	mp     *sdkmetric.MeterProvider
	logger *slog.Logger
}

// New builds a Provider. A disabled config yields a Provider whose Tracer and
// Meter come from the global no-op providers.
func New(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	p := &Provider{cfg: cfg, logger: slog.Default().With("component", "observability")}
	if !cfg.Enabled {
		p.logger.DebugContext(ctx, "telemetry export off")
		return p, nil
	}

	res, err := serviceResource(cfg)
	if err != nil {
		return nil, fmt.Errorf("observability: resource: %w", err)
	}

	spanExporter, err := otlptracegrpc.New(ctx, traceOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("observability: trace exporter: %w", err)
	}
	p.tp = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(spanExporter, sdktrace.WithBatchTimeout(cfg.BatchTimeout)),
		sdktrace.WithSampler(sdktrace.ParentBased(samplerFor(cfg.SampleRate))),
	)

	metricExporter, err := otlpmetricgrpc.New(ctx, metricOptions(cfg)...)
	if err != nil {
		_ = p.tp.Shutdown(ctx)
		return nil, fmt.Errorf("observability: metric exporter: %w", err)
	}
	p.mp = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(15*time.Second))),
	)

	otel.SetTracerProvider(p.tp)
	otel.SetMeterProvider(p.mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	p.logger.InfoContext(ctx, "telemetry export on",
		"service", cfg.ServiceName,
		"endpoint", cfg.OTLPEndpoint,
		"sample_rate", cfg.SampleRate)
	return p, nil
}

func serviceResource(cfg *Config) (*resource.Resource, error) {
	return resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
	))
}

func traceOptions(cfg *Config) []otlptracegrpc.Option {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return opts
}

func metricOptions(cfg *Config) []otlpmetricgrpc.Option {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	return opts
}

func samplerFor(rate float64) sdktrace.Sampler {
	if rate >= 1 {
		return sdktrace.AlwaysSample()
	}
	if rate <= 0 {
		return sdktrace.NeverSample()
	}
	return sdktrace.TraceIDRatioBased(rate)
}

// Shutdown flushes pending spans and metrics. Errors are logged, not returned,
// so a dead collector never blocks process exit.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp != nil {
		if err := p.tp.Shutdown(ctx); err != nil {
			p.logger.WarnContext(ctx, "trace flush failed", "error", err)
		}
	}
	if p.mp != nil {
		if err := p.mp.Shutdown(ctx); err != nil {
			p.logger.WarnContext(ctx, "metric flush failed", "error", err)
		}
	}
	return nil
}

// Tracer returns the qledger tracer.
func (p *Provider) Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName, trace.WithInstrumentationVersion(p.cfg.ServiceVersion))
}

// Meter returns the qledger meter.
func (p *Provider) Meter() metric.Meter {
	return otel.Meter(instrumentationName, metric.WithInstrumentationVersion(p.cfg.ServiceVersion))
}

// NewLogger returns a JSON slog logger at the named level (DEBUG, INFO,
// WARN, ERROR; unknown values mean INFO).
func NewLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN", "WARNING":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// attrs is a shorthand for metric.WithAttributes.
func attrs(kv ...attribute.KeyValue) metric.MeasurementOption {
	return metric.WithAttributes(kv...)
}
