// Package telemetry initializes OpenTelemetry tracing and metrics exporters.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Shutdown flushes and stops the installed providers.
type Shutdown func(ctx context.Context) error

// Options selects the exporters Init installs.
type Options struct {
	Endpoint    string // OTLP/HTTP endpoint; empty disables OTLP export.
	Insecure    bool
	ServiceName string
	Version     string
	Prometheus  bool // Serve metrics for scraping via Result.MetricsHandler.
}

// Result is what Init installed.
type Result struct {
	Shutdown Shutdown
	// MetricsHandler serves the Prometheus exposition format. Nil unless
	// Options.Prometheus was set.
	MetricsHandler http.Handler
}

// Init configures the global OpenTelemetry tracer and meter providers.
// With no endpoint and Prometheus disabled, the global no-op providers stay
// in place. The returned Shutdown must be called during graceful shutdown.
func Init(ctx context.Context, opts Options) (Result, error) {
	noop := Result{Shutdown: func(context.Context) error { return nil }}
	if opts.Endpoint == "" && !opts.Prometheus {
		return noop, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(opts.ServiceName),
			semconv.ServiceVersionKey.String(opts.Version),
		),
	)
	if err != nil {
		return noop, fmt.Errorf("telemetry: create resource: %w", err)
	}

	var shutdowns []Shutdown
	out := Result{}

	if opts.Endpoint != "" {
		traceOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(opts.Endpoint)}
		if opts.Insecure {
			traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
		}
		traceExp, err := otlptracehttp.New(ctx, traceOpts...)
		if err != nil {
			return noop, fmt.Errorf("telemetry: create trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(traceExp, sdktrace.WithBatchTimeout(5*time.Second)),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		shutdowns = append(shutdowns, tp.Shutdown)

		// W3C Trace Context and Baggage, so outbound tracker and collaborator
		// calls carry the inbound trace.
		otel.SetTextMapPropagator(
			propagation.NewCompositeTextMapPropagator(
				propagation.TraceContext{},
				propagation.Baggage{},
			),
		)
	}

	var readers []sdkmetric.Option
	if opts.Endpoint != "" {
		metricOpts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(opts.Endpoint)}
		if opts.Insecure {
			metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
		}
		metricExp, err := otlpmetrichttp.New(ctx, metricOpts...)
		if err != nil {
			return noop, errors.Join(fmt.Errorf("telemetry: create metric exporter: %w", err), runAll(ctx, shutdowns))
		}
		readers = append(readers, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(metricExp, sdkmetric.WithInterval(15*time.Second)),
		))
	}
	if opts.Prometheus {
		// A private registry keeps the Go runtime collectors of the default
		// registry out of test processes that call Init more than once.
		reg := prometheus.NewRegistry()
		exp, err := promexporter.New(promexporter.WithRegisterer(reg))
		if err != nil {
			return noop, errors.Join(fmt.Errorf("telemetry: create prometheus exporter: %w", err), runAll(ctx, shutdowns))
		}
		readers = append(readers, sdkmetric.WithReader(exp))
		out.MetricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	mp := sdkmetric.NewMeterProvider(append(readers, sdkmetric.WithResource(res))...)
	otel.SetMeterProvider(mp)
	shutdowns = append(shutdowns, mp.Shutdown)

	out.Shutdown = func(ctx context.Context) error { return runAll(ctx, shutdowns) }
	return out, nil
}

func runAll(ctx context.Context, fns []Shutdown) error {
	var errs []error
	for _, fn := range fns {
		errs = append(errs, fn(ctx))
	}
	return errors.Join(errs...)
}

// Meter returns the global meter for the given instrumentation scope.
func Meter(name string) metric.Meter {
	return otel.GetMeterProvider().Meter(name)
}

// Tracer returns the global tracer for the given instrumentation scope.
func Tracer(name string) trace.Tracer {
	return otel.GetTracerProvider().Tracer(name)
}
