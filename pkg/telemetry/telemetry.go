// Package telemetry installs OpenTelemetry SDK providers for the CLI. Library
// packages only use the global API and stay no-op without it.
package telemetry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

type Options struct {
	ServiceName    string
	ServiceVersion string
	// TraceWriter receives finished spans as JSON; nil disables tracing.
	TraceWriter io.Writer
}

// Telemetry holds the installed providers.
type Telemetry struct {
	MeterProvider  *sdkmetric.MeterProvider
	TracerProvider *sdktrace.TracerProvider
	// MetricsHandler serves the Prometheus exposition of all meters.
	MetricsHandler http.Handler
}

// Setup builds the providers and installs them as the otel globals.
func Setup(ctx context.Context, opts Options, logger *slog.Logger) (*Telemetry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "vai-live"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(opts.ServiceName),
			attribute.String("service.version", opts.ServiceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	reg := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(reg))
	if err != nil {
		return nil, err
	}
	t := &Telemetry{
		MeterProvider: sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(exporter),
			sdkmetric.WithResource(res),
		),
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}
	otel.SetMeterProvider(t.MeterProvider)

	if opts.TraceWriter != nil {
		traceExporter, err := stdouttrace.New(stdouttrace.WithWriter(opts.TraceWriter))
		if err != nil {
			_ = t.MeterProvider.Shutdown(ctx)
			return nil, err
		}
		t.TracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(traceExporter),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(t.TracerProvider)
		logger.Info("telemetry initialized", slog.String("exporter", "stdout"))
	}
	return t, nil
}

// Shutdown flushes and stops the providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if err := t.MeterProvider.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if t.TracerProvider != nil {
		if err := t.TracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
