package observe

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// Resource attributes describing the listening session a process serves.
const (
	KeySessionID = attribute.Key("ideaflow.session.id")
	KeyTaskItem  = attribute.Key("ideaflow.task.item")
)

// ProviderConfig configures the process-wide telemetry of one session.
type ProviderConfig struct {
	// ServiceName defaults to "ideaflow".
	ServiceName    string
	ServiceVersion string

	// SessionID is attached to every span and, as a constant label, to every
	// scraped metric so runs can be told apart on a shared Prometheus.
	SessionID string

	// TaskItem is the object whose uses are collected.
	TaskItem string

	// Registerer receives the metrics collector. Defaults to
	// prometheus.DefaultRegisterer, which promhttp.Handler serves.
	Registerer prometheus.Registerer

	// TraceExporter is optional. Without one spans are recorded for
	// correlation IDs but not exported.
	TraceExporter sdktrace.SpanExporter
}

// sessionResource describes the service and the session it runs.
func sessionResource(cfg ProviderConfig) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	}
	if cfg.SessionID != "" {
		attrs = append(attrs, KeySessionID.String(cfg.SessionID))
	}
	if cfg.TaskItem != "" {
		attrs = append(attrs, KeyTaskItem.String(cfg.TaskItem))
	}
	return resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL, attrs...))
}

// InitProvider installs the global meter and tracer providers. Metrics are
// exposed through a Prometheus collector on cfg.Registerer. The returned
// function flushes and stops both providers.
func InitProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "ideaflow"
	}
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.DefaultRegisterer
	}

	res, err := sessionResource(cfg)
	if err != nil {
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}

	promExp, err := promexporter.New(
		promexporter.WithRegisterer(cfg.Registerer),
		promexporter.WithResourceAsConstantLabels(attribute.NewAllowKeysFilter(KeySessionID)),
	)
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		return errors.Join(mp.Shutdown(ctx), tp.Shutdown(ctx))
	}, nil
}
