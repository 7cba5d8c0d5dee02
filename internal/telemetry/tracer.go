package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/tjfontaine/staged-thinking-gateway/internal/pkg/config"
)

// Shutdown flushes and stops a tracer provider.
type Shutdown func(context.Context) error

// Setup installs the global tracer provider described by cfg. When tracing is
// disabled a no-op provider is installed and the returned shutdown does nothing.
// Spans are exported to w, or stdout when w is nil.
func Setup(cfg config.TelemetryConfig, w io.Writer, logger *slog.Logger) (trace.TracerProvider, Shutdown, error) {
	if !cfg.Enabled {
		tp := noop.NewTracerProvider()
		otel.SetTracerProvider(tp)
		return tp, func(context.Context) error { return nil }, nil
	}

	tp, err := InitTracer(cfg.ServiceName, w, logger)
	if err != nil {
		return nil, nil, err
	}
	return tp, tp.Shutdown, nil
}

// InitTracer initializes OpenTelemetry tracing with a stdout exporter.
func InitTracer(serviceName string, w io.Writer, logger *slog.Logger) (*sdktrace.TracerProvider, error) {
	if w == nil {
		w = os.Stdout
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	// Create resource with service name
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)

	logger.Info("OpenTelemetry initialized", slog.String("service", serviceName))

	return tp, nil
}
