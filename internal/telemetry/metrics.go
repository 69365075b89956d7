// Package telemetry provides OpenTelemetry instrumentation for the
// synchronization engine. All instruments are no-ops when constructed
// with a nil meter provider.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// SyncMetricsMeterName is the name used for the sync metrics meter
const SyncMetricsMeterName = "github.com/stellwerk/stationwatch/sync"

// SyncMetrics holds the OpenTelemetry instruments for the per-station
// synchronization loop.
type SyncMetrics struct {
	fetchDuration metric.Float64Histogram
	mergedRecords metric.Int64Counter
	escalations   metric.Int64Counter
	orphanStops   metric.Int64Gauge
}

// NewSyncMetrics creates a SyncMetrics instance with the given meter
// provider. If provider is nil, it returns nil (no-op metrics).
func NewSyncMetrics(provider metric.MeterProvider) (*SyncMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(SyncMetricsMeterName)

	fetchDuration, err := meter.Float64Histogram(
		"stationwatch_fetch_duration_seconds",
		metric.WithDescription("Duration of feed fetch operations in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	if err != nil {
		return nil, err
	}

	mergedRecords, err := meter.Int64Counter(
		"stationwatch_merged_records_total",
		metric.WithDescription("Stop records inserted or updated by reconciliation"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	escalations, err := meter.Int64Counter(
		"stationwatch_escalations_total",
		metric.WithDescription("Escalation backoffs entered after repeated failures"),
		metric.WithUnit("{escalation}"),
	)
	if err != nil {
		return nil, err
	}

	orphanStops, err := meter.Int64Gauge(
		"stationwatch_orphan_stops",
		metric.WithDescription("Stops with changed events but no planned event"),
		metric.WithUnit("{stop}"),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		fetchDuration: fetchDuration,
		mergedRecords: mergedRecords,
		escalations:   escalations,
		orphanStops:   orphanStops,
	}, nil
}

// RecordFetchDuration records the duration of one feed fetch.
func (m *SyncMetrics) RecordFetchDuration(
	ctx context.Context, eva int64, operation string, duration time.Duration, success bool,
) {
	if m == nil || m.fetchDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.Int64("eva", eva),
		attribute.String("operation", operation),
		attribute.Bool("success", success),
	}
	m.fetchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordMergedRecords records reconciliation outcome counts.
func (m *SyncMetrics) RecordMergedRecords(ctx context.Context, eva int64, inserted, updated int) {
	if m == nil || m.mergedRecords == nil {
		return
	}

	evaAttr := attribute.Int64("eva", eva)
	m.mergedRecords.Add(ctx, int64(inserted),
		metric.WithAttributes(evaAttr, attribute.String("outcome", "inserted")))
	m.mergedRecords.Add(ctx, int64(updated),
		metric.WithAttributes(evaAttr, attribute.String("outcome", "updated")))
}

// RecordEscalation records a transition into the escalation backoff.
func (m *SyncMetrics) RecordEscalation(ctx context.Context, eva int64) {
	if m == nil || m.escalations == nil {
		return
	}
	m.escalations.Add(ctx, 1, metric.WithAttributes(attribute.Int64("eva", eva)))
}

// RecordOrphanStops records the number of currently known orphans.
func (m *SyncMetrics) RecordOrphanStops(ctx context.Context, eva int64, count int) {
	if m == nil || m.orphanStops == nil {
		return
	}
	m.orphanStops.Record(ctx, int64(count), metric.WithAttributes(attribute.Int64("eva", eva)))
}
