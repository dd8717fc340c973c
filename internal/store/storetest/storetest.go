// Package storetest holds behaviour tests shared by every store backend.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-telemetry/internal/models"
	"github.com/miradorstack/mirador-telemetry/internal/store"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Run exercises a backend. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("events", func(t *testing.T) { testEvents(t, newStore(t)) })
	t.Run("metrics", func(t *testing.T) { testMetrics(t, newStore(t)) })
	t.Run("health_checks", func(t *testing.T) { testHealthChecks(t, newStore(t)) })
	t.Run("snapshots", func(t *testing.T) { testSnapshots(t, newStore(t)) })
	t.Run("chains", func(t *testing.T) { testChains(t, newStore(t)) })
}

func testEvents(t *testing.T, s store.Store) {
	ctx := context.Background()
	events := []models.TelemetryEvent{
		{ID: "c", CorrelationID: "corr-1", EventType: "tool", EventName: "tool.completed", Component: "grep", Level: models.LevelInfo, Message: "Completed grep", Timestamp: base.Add(3 * time.Second), Sequence: 1},
		{ID: "a", CorrelationID: "corr-1", EventType: "tool", EventName: "tool.started", Component: "grep", Level: models.LevelInfo, Message: "Started grep", Timestamp: base.Add(1 * time.Second), Sequence: 2, Metadata: models.Fields{"pattern": models.String("foo")}},
		{ID: "b", CorrelationID: "corr-1", EventType: "tool", EventName: "tool.progress", Component: "grep", Level: models.LevelWarning, Message: "slow grep", Timestamp: base.Add(2 * time.Second), Sequence: 3},
		{ID: "d", CorrelationID: "corr-2", EventType: "llm", EventName: "llm.failed", Component: "openai", Level: models.LevelError, Message: "Error in openai: timeout", Timestamp: base.Add(4 * time.Second), Sequence: 4},
	}
	require.NoError(t, s.InsertEvents(ctx, events))

	asc, err := s.ListEvents(ctx, models.EventFilter{CorrelationID: "corr-1", Ascending: true})
	require.NoError(t, err)
	require.Len(t, asc, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{asc[0].ID, asc[1].ID, asc[2].ID})
	assert.Equal(t, "foo", asc[0].Metadata.Text("pattern"))

	desc, err := s.ListEvents(ctx, models.EventFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, desc, 2)
	assert.Equal(t, "d", desc[0].ID)
	assert.Equal(t, "c", desc[1].ID)

	byLevel, err := s.ListEvents(ctx, models.EventFilter{Level: models.LevelError})
	require.NoError(t, err)
	require.Len(t, byLevel, 1)
	assert.Equal(t, "d", byLevel[0].ID)

	bySearch, err := s.ListEvents(ctx, models.EventFilter{Search: "GREP", EventType: "tool"})
	require.NoError(t, err)
	assert.Len(t, bySearch, 3)

	windowed, err := s.ListEvents(ctx, models.EventFilter{TimeRange: models.TimeRange{Start: base.Add(2 * time.Second), End: base.Add(3 * time.Second)}})
	require.NoError(t, err)
	assert.Len(t, windowed, 2)
}

func testMetrics(t *testing.T, s store.Store) {
	ctx := context.Background()
	metrics := []models.TelemetryMetric{
		{ID: "m1", MetricName: "tool.duration_ms", Component: "grep", MetricType: models.MetricHistogram, Value: 10, Labels: map[string]string{"operation": "search"}, Timestamp: base},
		{ID: "m2", MetricName: "tool.duration_ms", Component: "sed", MetricType: models.MetricHistogram, Value: 20, Labels: map[string]string{"operation": "edit"}, Timestamp: base.Add(time.Minute)},
		{ID: "m3", MetricName: "llm.tokens", Component: "openai", MetricType: models.MetricCounter, Value: 300, Timestamp: base.Add(2 * time.Minute)},
	}
	require.NoError(t, s.InsertMetrics(ctx, metrics))

	got, err := s.ListMetrics(ctx, models.MetricFilter{MetricName: "tool.duration_ms"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "m2", got[0].ID)

	labelled, err := s.ListMetrics(ctx, models.MetricFilter{Labels: map[string]string{"operation": "search"}})
	require.NoError(t, err)
	require.Len(t, labelled, 1)
	assert.Equal(t, 10.0, labelled[0].Value)

	typed, err := s.ListMetrics(ctx, models.MetricFilter{MetricType: models.MetricCounter})
	require.NoError(t, err)
	require.Len(t, typed, 1)
	assert.Equal(t, "m3", typed[0].ID)
}

func testHealthChecks(t *testing.T, s store.Store) {
	ctx := context.Background()
	rt := 12.5
	require.NoError(t, s.InsertHealthCheck(ctx, models.HealthCheckRecord{ID: "h1", Component: "db", CheckName: "ping", IsHealthy: true, ResponseTimeMS: &rt, CheckedAt: base}))
	require.NoError(t, s.InsertHealthCheck(ctx, models.HealthCheckRecord{ID: "h2", Component: "db", CheckName: "ping", IsHealthy: false, ErrorMessage: "refused", CheckedAt: base.Add(time.Minute)}))
	require.NoError(t, s.InsertHealthCheck(ctx, models.HealthCheckRecord{ID: "h3", Component: "cache", CheckName: "ping", IsHealthy: true, CheckedAt: base.Add(2 * time.Minute)}))

	got, err := s.ListHealthChecks(ctx, models.HealthFilter{Component: "db"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "h2", got[0].ID)
	assert.Equal(t, "refused", got[0].ErrorMessage)
	require.NotNil(t, got[1].ResponseTimeMS)
	assert.Equal(t, 12.5, *got[1].ResponseTimeMS)
}

func testSnapshots(t *testing.T, s store.Store) {
	ctx := context.Background()
	mem := int64(2 << 20)
	require.NoError(t, s.InsertPerformanceSnapshot(ctx, models.PerformanceSnapshot{ID: "p1", Component: "grep", Operation: "search", DurationMS: 50, PerformanceClass: models.PerformanceFast, MemoryUsageBytes: &mem, RecordedAt: base}))
	require.NoError(t, s.InsertPerformanceSnapshot(ctx, models.PerformanceSnapshot{ID: "p2", Component: "grep", Operation: "index", DurationMS: 3000, PerformanceClass: models.PerformanceCritical, RecordedAt: base.Add(time.Second)}))

	got, err := s.ListPerformanceSnapshots(ctx, models.PerformanceFilter{Component: "grep"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "p2", got[0].ID)
	require.NotNil(t, got[1].MemoryUsageBytes)
	assert.Equal(t, mem, *got[1].MemoryUsageBytes)

	critical, err := s.ListPerformanceSnapshots(ctx, models.PerformanceFilter{PerformanceClass: models.PerformanceCritical})
	require.NoError(t, err)
	require.Len(t, critical, 1)
	assert.Equal(t, "index", critical[0].Operation)
}

func testChains(t *testing.T, s store.Store) {
	ctx := context.Background()
	two, one := 2, 1

	_, err := s.GetChain(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.UpsertChain(ctx, models.ChainUpdate{ChainID: "root-1", Depth: &two, EventsAdded: 1, At: base})
	require.NoError(t, err)
	_, err = s.UpsertChain(ctx, models.ChainUpdate{ChainID: "root-1", Depth: &one, EventsAdded: 2, At: base.Add(time.Second)})
	require.NoError(t, err)
	done, err := s.UpsertChain(ctx, models.ChainUpdate{ChainID: "root-1", Status: models.ChainCompleted, At: base.Add(5 * time.Second)})
	require.NoError(t, err)
	assert.Equal(t, models.ChainCompleted, done.Status)

	got, err := s.GetChain(ctx, "root-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Depth)
	assert.Equal(t, 3, got.TotalEvents)
	require.NotNil(t, got.CompletedAt)
	d, ok := got.Duration()
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, d)

	_, err = s.UpsertChain(ctx, models.ChainUpdate{ChainID: "root-2", At: base.Add(time.Minute)})
	require.NoError(t, err)

	active, err := s.ListChains(ctx, models.ChainFilter{Status: models.ChainActive})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "root-2", active[0].ChainID)

	recent, err := s.ListChains(ctx, models.ChainFilter{StartedAfter: base.Add(30 * time.Second)})
	require.NoError(t, err)
	assert.Len(t, recent, 1)

	all, err := s.ListChains(ctx, models.ChainFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "root-2", all[0].ChainID)
}
