// Package observe provides the observability primitives for ideaflow:
// OpenTelemetry metrics, tracing helpers, trace-aware structured logging, and
// an HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported to
// Prometheus via [InitProvider]. A package-level [DefaultMetrics] instance is
// available for convenience; tests should build their own with [NewMetrics]
// and a manual reader so that assertions do not leak between tests.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all ideaflow metrics.
const meterName = "github.com/MrWong99/ideaflow"

// Metrics holds all OpenTelemetry instruments for the pipeline. The underlying
// OTel types handle their own synchronisation.
type Metrics struct {
	// TranscriptsReceived counts transcript events from the recogniser. Use
	// with attribute.String("kind", "final"|"interim").
	TranscriptsReceived metric.Int64Counter

	// IdeasAccepted counts candidates appended to the idea list.
	IdeasAccepted metric.Int64Counter

	// IdeasRejected counts candidates dropped by the similarity filter.
	IdeasRejected metric.Int64Counter

	// ExtractionDuration tracks the latency of one extraction round, from the
	// request to the commit.
	ExtractionDuration metric.Float64Histogram

	// ExtractionErrors counts failed extraction rounds. Use with
	// attribute.String("reason", ...).
	ExtractionErrors metric.Int64Counter

	// PersistErrors counts failed persistence or archival calls. Use with
	// attribute.String("target", ...).
	PersistErrors metric.Int64Counter

	// SessionRestarts counts recognition sessions reopened after expiry.
	SessionRestarts metric.Int64Counter

	// ActiveExtractions tracks extraction tasks currently in flight.
	ActiveExtractions metric.Int64UpDownCounter

	// ProviderRequests counts provider API calls. Use with attributes
	// provider, kind and status.
	ProviderRequests metric.Int64Counter

	// HTTPRequestDuration tracks HTTP request processing time by method and
	// path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries (in seconds) sized for LLM round
// trips.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30,
}

// NewMetrics creates a fully initialised [Metrics] using mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.TranscriptsReceived, err = m.Int64Counter("ideaflow.transcripts.received",
		metric.WithDescription("Transcript events received from the recogniser by kind."),
	); err != nil {
		return nil, err
	}
	if met.IdeasAccepted, err = m.Int64Counter("ideaflow.ideas.accepted",
		metric.WithDescription("Candidate ideas appended to the idea list."),
	); err != nil {
		return nil, err
	}
	if met.IdeasRejected, err = m.Int64Counter("ideaflow.ideas.rejected",
		metric.WithDescription("Candidate ideas rejected as duplicates."),
	); err != nil {
		return nil, err
	}
	if met.ExtractionDuration, err = m.Float64Histogram("ideaflow.extraction.duration",
		metric.WithDescription("Latency of one extraction round."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ExtractionErrors, err = m.Int64Counter("ideaflow.extraction.errors",
		metric.WithDescription("Failed extraction rounds by reason."),
	); err != nil {
		return nil, err
	}
	if met.PersistErrors, err = m.Int64Counter("ideaflow.persist.errors",
		metric.WithDescription("Failed persistence or archival calls by target."),
	); err != nil {
		return nil, err
	}
	if met.SessionRestarts, err = m.Int64Counter("ideaflow.session.restarts",
		metric.WithDescription("Recognition sessions reopened after expiry."),
	); err != nil {
		return nil, err
	}
	if met.ActiveExtractions, err = m.Int64UpDownCounter("ideaflow.extraction.active",
		metric.WithDescription("Extraction tasks currently in flight."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("ideaflow.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("ideaflow.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call from [otel.GetMeterProvider]. Panics if instrument creation
// fails, which does not happen with the global provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordTranscript counts one transcript event.
func (m *Metrics) RecordTranscript(ctx context.Context, final bool) {
	kind := "interim"
	if final {
		kind = "final"
	}
	m.TranscriptsReceived.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordCommit records the outcome of one committed batch.
func (m *Metrics) RecordCommit(ctx context.Context, accepted, rejected int) {
	if accepted > 0 {
		m.IdeasAccepted.Add(ctx, int64(accepted))
	}
	if rejected > 0 {
		m.IdeasRejected.Add(ctx, int64(rejected))
	}
}

// RecordExtractionError counts one failed extraction round.
func (m *Metrics) RecordExtractionError(ctx context.Context, reason string) {
	m.ExtractionErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordPersistError counts one failed persistence call against target.
func (m *Metrics) RecordPersistError(ctx context.Context, target string) {
	m.PersistErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("target", target)))
}

// RecordProviderRequest records a provider request with the standard
// attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}
