package maildrop

import (
	"context"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	mnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Package-level tracer and instruments. Initialized to noops so library
// consumers can construct a source without InitTelemetry; the watch command
// replaces them at startup.
var (
	tracer trace.Tracer = noop.NewTracerProvider().Tracer("maildrop")

	changesEmitted  metric.Int64Counter
	parseFailures   metric.Int64Counter
	degradedEntered metric.Int64Counter
)

func init() {
	initInstruments(mnoop.NewMeterProvider().Meter("maildrop"))
}

func initInstruments(meter metric.Meter) {
	changesEmitted, _ = meter.Int64Counter("maildrop.changes.emitted",
		metric.WithDescription("Change records submitted to the scheduler"))
	parseFailures, _ = meter.Int64Counter("maildrop.changes.parse_failures",
		metric.WithDescription("Malformed messages skipped"))
	degradedEntered, _ = meter.Int64Counter("maildrop.source.degraded",
		metric.WithDescription("Transitions into the degraded state"))
}

// InitTelemetry sets up the OpenTelemetry tracer and meter providers.
// If OTEL_EXPORTER_OTLP_ENDPOINT is set, OTLP HTTP exporters are created;
// otherwise the noop providers stay in place so no spans or metrics are
// recorded through a host's global provider by accident.
// Returns a shutdown function that flushes and closes the exporters.
func InitTelemetry(serviceName, ver string) func(context.Context) error {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		return func(context.Context) error { return nil }
	}

	ctx := context.Background()

	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return func(context.Context) error { return nil }
	}
	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		return func(context.Context) error { return nil }
	}

	res, _ := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(ver),
		),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	tracer = tp.Tracer(serviceName)

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)
	initInstruments(mp.Meter(serviceName))

	return func(ctx context.Context) error {
		mErr := mp.Shutdown(ctx)
		tErr := tp.Shutdown(ctx)
		if tErr != nil {
			return tErr
		}
		return mErr
	}
}
