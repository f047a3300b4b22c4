// Package telemetry wires structured logging and OpenTelemetry tracing and
// metrics for the gateway process. Tracing/metrics export over OTLP/gRPC
// when OTEL_EXPORTER_OTLP_ENDPOINT is set; otherwise the process runs with
// no-op providers rather than failing startup, since telemetry is ambient
// infrastructure and not a required external collaborator.
package telemetry

import (
	"context"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

const (
	serviceName    = "mcp-gateway"
	serviceVersion = "0.1.0"
)

// Shutdown releases provider resources; safe to call even for no-op setups.
type Shutdown func(context.Context) error

func noopShutdown(context.Context) error { return nil }

// NewLogger builds a zap logger that writes structured JSON to stderr,
// keeping stdout reserved for the upstream JSON-RPC channel. levelName is
// one of debug/info/warn/error; anything else falls back to info.
func NewLogger(levelName string) (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	switch strings.ToLower(levelName) {
	case "debug":
		level.SetLevel(zap.DebugLevel)
	case "warn", "warning":
		level.SetLevel(zap.WarnLevel)
	case "error":
		level.SetLevel(zap.ErrorLevel)
	default:
		level.SetLevel(zap.InfoLevel)
	}

	cfg := zap.Config{
		Level:            level,
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	return cfg.Build()
}

// Setup configures tracing and metrics. It returns no-op providers when
// OTEL_EXPORTER_OTLP_ENDPOINT is unset.
func Setup(ctx context.Context) (trace.Tracer, metric.Meter, Shutdown, error) {
	endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	if endpoint == "" {
		return tracenoop.NewTracerProvider().Tracer(serviceName),
			metricnoop.NewMeterProvider().Meter(serviceName),
			noopShutdown, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, nil, nil, err
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(endpoint), otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, nil, nil, err
	}
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter),
	)
	otel.SetTracerProvider(traceProvider)

	metricExporter, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpoint(endpoint), otlpmetricgrpc.WithInsecure())
	if err != nil {
		return nil, nil, nil, err
	}
	metricReader := sdkmetric.NewPeriodicReader(metricExporter)
	metricProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(metricReader),
	)
	otel.SetMeterProvider(metricProvider)

	shutdown := func(ctx context.Context) error {
		err1 := traceProvider.Shutdown(ctx)
		err2 := metricProvider.Shutdown(ctx)
		if err1 != nil {
			return err1
		}
		return err2
	}

	return otel.Tracer(serviceName), otel.Meter(serviceName), shutdown, nil
}

// Metrics bundles the gateway's OTel instruments, grounded in the same
// request/latency/restart counters the teacher tracks per backend.
type Metrics struct {
	Requests metric.Int64Counter
	Latency  metric.Int64Histogram
	Restarts metric.Int64Counter
	Denials  metric.Int64Counter
	Timeouts metric.Int64Counter
}

// NewMetrics registers the gateway's instruments against meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	requests, err := meter.Int64Counter(
		"mcp_gateway.requests",
		metric.WithDescription("Total use_tool calls routed to backends"),
	)
	if err != nil {
		return nil, err
	}
	latency, err := meter.Int64Histogram(
		"mcp_gateway.latency",
		metric.WithDescription("use_tool round-trip latency"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	restarts, err := meter.Int64Counter(
		"mcp_gateway.backend_restarts",
		metric.WithDescription("Backend child process restarts"),
	)
	if err != nil {
		return nil, err
	}
	denials, err := meter.Int64Counter(
		"mcp_gateway.security_denials",
		metric.WithDescription("Calls denied by the security monitor"),
	)
	if err != nil {
		return nil, err
	}
	timeouts, err := meter.Int64Counter(
		"mcp_gateway.timeouts",
		metric.WithDescription("Backend calls that timed out"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		Requests: requests,
		Latency:  latency,
		Restarts: restarts,
		Denials:  denials,
		Timeouts: timeouts,
	}, nil
}
