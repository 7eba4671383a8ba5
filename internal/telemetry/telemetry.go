// Package telemetry installs the OpenTelemetry tracer provider. Spans are
// only exported when a trace file is configured; otherwise the global no-op
// provider stays in place.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Config controls span export.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Project        string
	// TraceFile receives one JSON span per line. Empty disables export.
	TraceFile string
}

// Shutdown flushes pending spans and releases the trace file.
type Shutdown func(context.Context) error

// Init installs a tracer provider for cfg and returns its shutdown func,
// which must be called before the process exits.
func Init(_ context.Context, cfg Config) (Shutdown, error) {
	if cfg.TraceFile == "" {
		return func(context.Context) error { return nil }, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.TraceFile), 0o755); err != nil {
		return nil, fmt.Errorf("telemetry: ensure trace dir: %w", err)
	}
	file, err := os.OpenFile(cfg.TraceFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("telemetry: open trace file: %w", err)
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(file))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("telemetry: create exporter: %w", err)
	}
	name := cfg.ServiceName
	if name == "" {
		name = "converge"
	}
	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", name),
		attribute.String("service.version", cfg.ServiceVersion),
		attribute.String("converge.project", cfg.Project),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), file.Close())
	}, nil
}
