// Package telemetry builds the OpenTelemetry providers for the server: an
// OTLP exporter when an endpoint is configured, a Prometheus /metrics
// handler when enabled, and no-op providers otherwise.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/uniauth/uniauth/pkg/logger"
)

const shutdownTimeout = 5 * time.Second

// Config holds the telemetry configuration.
type Config struct {
	ServiceName    string
	ServiceVersion string

	// OTLPEndpoint is the OTLP HTTP collector endpoint (host:port). Empty
	// disables the OTLP exporters.
	OTLPEndpoint string
	Headers      map[string]string
	Insecure     bool

	// SamplingRate controls trace sampling (0.0 to 1.0).
	SamplingRate float64

	// EnablePrometheusMetricsPath serves metrics at /metrics.
	EnablePrometheusMetricsPath bool
}

// CompositeProvider bundles the tracer and meter providers plus the
// optional Prometheus handler, and owns their shutdown.
type CompositeProvider struct {
	tracerProvider    trace.TracerProvider
	meterProvider     metric.MeterProvider
	prometheusHandler http.Handler
	shutdownFuncs     []func(context.Context) error
}

// NewCompositeProvider creates providers per the config. With neither an
// OTLP endpoint nor the Prometheus path enabled, both providers are no-ops
// and Shutdown is free.
func NewCompositeProvider(ctx context.Context, cfg Config) (*CompositeProvider, error) {
	if cfg.OTLPEndpoint == "" && !cfg.EnablePrometheusMetricsPath {
		logger.Info("no telemetry configured, using no-op providers")
		return &CompositeProvider{
			tracerProvider: tracenoop.NewTracerProvider(),
			meterProvider:  metricnoop.NewMeterProvider(),
		}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating telemetry resource: %w", err)
	}

	p := &CompositeProvider{tracerProvider: tracenoop.NewTracerProvider()}

	if err := p.setupMetrics(ctx, cfg, res); err != nil {
		return nil, err
	}
	if err := p.setupTracing(ctx, cfg, res); err != nil {
		return nil, err
	}

	logger.Infow("telemetry providers created",
		"otlp_endpoint", cfg.OTLPEndpoint,
		"prometheus", cfg.EnablePrometheusMetricsPath,
	)
	return p, nil
}

func (p *CompositeProvider) setupMetrics(ctx context.Context, cfg Config, res *resource.Resource) error {
	var readers []sdkmetric.Reader

	if cfg.OTLPEndpoint != "" {
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(cfg.OTLPEndpoint)}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlpmetrichttp.WithHeaders(cfg.Headers))
		}
		if cfg.Insecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		exporter, err := otlpmetrichttp.New(ctx, opts...)
		if err != nil {
			return fmt.Errorf("creating OTLP metric exporter: %w", err)
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(exporter))
	}

	if cfg.EnablePrometheusMetricsPath {
		registry := prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector())
		exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
		if err != nil {
			return fmt.Errorf("creating Prometheus exporter: %w", err)
		}
		readers = append(readers, exporter)
		p.prometheusHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	}

	if len(readers) == 0 {
		p.meterProvider = metricnoop.NewMeterProvider()
		return nil
	}

	mpOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		mpOpts = append(mpOpts, sdkmetric.WithReader(r))
	}
	mp := sdkmetric.NewMeterProvider(mpOpts...)
	p.meterProvider = mp
	p.shutdownFuncs = append(p.shutdownFuncs, mp.Shutdown)
	return nil
}

func (p *CompositeProvider) setupTracing(ctx context.Context, cfg Config, res *resource.Resource) error {
	if cfg.OTLPEndpoint == "" {
		return nil
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.OTLPEndpoint)}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("creating OTLP trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SamplingRate)),
	)
	p.tracerProvider = tp
	p.shutdownFuncs = append(p.shutdownFuncs, tp.Shutdown)
	return nil
}

// TracerProvider returns the tracer provider.
func (p *CompositeProvider) TracerProvider() trace.TracerProvider {
	return p.tracerProvider
}

// MeterProvider returns the meter provider.
func (p *CompositeProvider) MeterProvider() metric.MeterProvider {
	return p.meterProvider
}

// PrometheusHandler returns the /metrics handler, or nil when the
// Prometheus path is disabled.
func (p *CompositeProvider) PrometheusHandler() http.Handler {
	return p.prometheusHandler
}

// Shutdown flushes and stops every provider.
func (p *CompositeProvider) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	var errs []error
	for _, shutdown := range p.shutdownFuncs {
		if err := shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("telemetry shutdown failed: %v", errs)
	}
	return nil
}
