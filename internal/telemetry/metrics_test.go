package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestNewSyncMetricsNilProvider(t *testing.T) {
	t.Parallel()

	m, err := NewSyncMetrics(nil)
	require.NoError(t, err)
	assert.Nil(t, m)

	// A nil receiver is a usable no-op.
	ctx := context.Background()
	m.RecordFetchDuration(ctx, 8002549, "fetch_planned", time.Second, true)
	m.RecordMergedRecords(ctx, 8002549, 1, 2)
	m.RecordEscalation(ctx, 8002549)
	m.RecordOrphanStops(ctx, 8002549, 3)
}

func TestSyncMetricsRecord(t *testing.T) {
	t.Parallel()

	reader := metric.NewManualReader()
	provider := metric.NewMeterProvider(metric.WithReader(reader))

	m, err := NewSyncMetrics(provider)
	require.NoError(t, err)
	require.NotNil(t, m)

	ctx := context.Background()
	m.RecordFetchDuration(ctx, 8002549, "fetch_changes_recent", 250*time.Millisecond, true)
	m.RecordMergedRecords(ctx, 8002549, 3, 1)
	m.RecordEscalation(ctx, 8002549)
	m.RecordOrphanStops(ctx, 8002549, 2)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	names := make(map[string]bool)
	for _, inst := range rm.ScopeMetrics[0].Metrics {
		names[inst.Name] = true
	}
	assert.True(t, names["stationwatch_fetch_duration_seconds"])
	assert.True(t, names["stationwatch_merged_records_total"])
	assert.True(t, names["stationwatch_escalations_total"])
	assert.True(t, names["stationwatch_orphan_stops"])
}
