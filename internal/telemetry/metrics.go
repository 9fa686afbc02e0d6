// Package telemetry exposes the engine's OpenTelemetry instruments.
// Without a configured meter provider these are no-ops.
package telemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Metrics bundles the engine's instruments.
type Metrics struct {
	Assignments        metric.Int64Counter
	ClustersCreated    metric.Int64Counter
	ConsolidationRuns  metric.Int64Counter
	ClustersMerged     metric.Int64Counter
	TrendSamples       metric.Int64Counter
	EventsEmitted      metric.Int64Counter
	KNNLatencySeconds  metric.Float64Histogram
	IndexFailOpenTotal metric.Int64Counter
}

// New registers the engine instruments on the global meter provider.
func New() (*Metrics, error) {
	meter := otel.Meter("github.com/veille-labs/courant")

	var m Metrics
	var err error

	if m.Assignments, err = meter.Int64Counter("courant.assignments",
		metric.WithDescription("Documents assigned to clusters")); err != nil {
		return nil, err
	}
	if m.ClustersCreated, err = meter.Int64Counter("courant.clusters.created",
		metric.WithDescription("New clusters seeded")); err != nil {
		return nil, err
	}
	if m.ConsolidationRuns, err = meter.Int64Counter("courant.consolidation.passes",
		metric.WithDescription("Consolidation passes executed")); err != nil {
		return nil, err
	}
	if m.ClustersMerged, err = meter.Int64Counter("courant.consolidation.merged",
		metric.WithDescription("Clusters merged away by consolidation")); err != nil {
		return nil, err
	}
	if m.TrendSamples, err = meter.Int64Counter("courant.trends.samples",
		metric.WithDescription("Trend samples written")); err != nil {
		return nil, err
	}
	if m.EventsEmitted, err = meter.Int64Counter("courant.events.emitted",
		metric.WithDescription("Events emitted after dedup")); err != nil {
		return nil, err
	}
	if m.KNNLatencySeconds, err = meter.Float64Histogram("courant.knn.latency",
		metric.WithDescription("Similarity index query latency"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.IndexFailOpenTotal, err = meter.Int64Counter("courant.index.fail_open",
		metric.WithDescription("Assignments that failed open after index timeouts")); err != nil {
		return nil, err
	}
	return &m, nil
}
