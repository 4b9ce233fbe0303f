// Package telemetry installs the OpenTelemetry meter and tracer providers and serves
// the Prometheus scrape endpoint.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/jnst/outbox-pipeline/internal/config"
)

const (
	metricsPath       = "/metrics"
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Telemetry owns the SDK providers of one process.
type Telemetry struct {
	registry       *prometheus.Registry
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	addr           string
	logger         *slog.Logger
}

// New builds the providers without touching the otel globals.
// Metrics are collected on scrape; ended spans are logged at debug level.
func New(service string, cfg config.TelemetryConfig, logger *slog.Logger) (*Telemetry, error) {
	logger = logger.With(slog.String("component", "telemetry"))
	res := resource.NewSchemaless(attribute.String("service.name", service))

	registry := prometheus.NewRegistry()

	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	return &Telemetry{
		registry: registry,
		meterProvider: sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(exporter),
			sdkmetric.WithResource(res),
		),
		tracerProvider: sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(newLogExporter(logger)),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.TraceSampleRatio))),
			sdktrace.WithResource(res),
		),
		addr:   cfg.MetricsAddr,
		logger: logger,
	}, nil
}

// Setup builds the providers and installs them as the otel globals.
func Setup(service string, cfg config.TelemetryConfig, logger *slog.Logger) (*Telemetry, error) {
	t, err := New(service, cfg, logger)
	if err != nil {
		return nil, err
	}

	otel.SetMeterProvider(t.meterProvider)
	otel.SetTracerProvider(t.tracerProvider)

	return t, nil
}

// Meter returns a meter from this process's provider.
func (t *Telemetry) Meter(name string) metric.Meter {
	return t.meterProvider.Meter(name)
}

// Tracer returns a tracer from this process's provider.
func (t *Telemetry) Tracer(name string) trace.Tracer {
	return t.tracerProvider.Tracer(name)
}

// Handler serves the registry in the Prometheus exposition format.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// Serve exposes Handler on the configured address until ctx is done.
// An empty address disables the endpoint.
func (t *Telemetry) Serve(ctx context.Context) error {
	if t.addr == "" {
		t.logger.Info("metrics endpoint disabled")

		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(metricsPath, t.Handler())

	server := &http.Server{
		Addr:              t.addr,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)

	go func() {
		t.logger.Info("serving metrics", slog.String("addr", t.addr), slog.String("path", metricsPath))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return fmt.Errorf("metrics server failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return server.Shutdown(shutdownCtx)
	}
}

// Shutdown flushes pending spans and stops both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.tracerProvider.Shutdown(ctx),
		t.meterProvider.Shutdown(ctx),
	)
}
