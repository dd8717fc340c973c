package postgres

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-telemetry/internal/models"
)

func TestBuildEventQueryWithAllFilters(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	query, args := buildEventQuery(models.EventFilter{
		CorrelationID: "corr",
		EventType:     "tool",
		Component:     "grep",
		Level:         models.LevelError,
		Search:        "50%_done",
		TimeRange:     models.TimeRange{Start: start, End: end},
		Limit:         25,
	})

	assert.Contains(t, query, "WHERE correlation_id = $1 AND event_type = $2 AND component = $3 AND level = $4 AND message ILIKE $5 AND timestamp >= $6 AND timestamp <= $7")
	assert.True(t, strings.HasSuffix(query, "ORDER BY timestamp DESC, sequence DESC LIMIT $8"), query)
	require.Len(t, args, 8)
	assert.Equal(t, `%50\%\_done%`, args[4])
	assert.Equal(t, 25, args[7])
}

func TestBuildEventQueryAscendingUnbounded(t *testing.T) {
	query, args := buildEventQuery(models.EventFilter{CorrelationID: "corr", Ascending: true})
	assert.True(t, strings.HasSuffix(query, "WHERE correlation_id = $1 ORDER BY timestamp ASC, sequence ASC"), query)
	assert.Equal(t, []any{"corr"}, args)
}

func TestBuildMetricQueryUsesJSONContainment(t *testing.T) {
	query, args, err := buildMetricQuery(models.MetricFilter{MetricName: "tool.duration_ms", Labels: map[string]string{"component": "grep"}})
	require.NoError(t, err)
	assert.Contains(t, query, "metric_name = $1 AND labels @> $2::jsonb")
	assert.Equal(t, `{"component":"grep"}`, args[1])
}

func TestBuildQueriesWithoutFilters(t *testing.T) {
	query, args := buildHealthQuery(models.HealthFilter{})
	assert.NotContains(t, query, "WHERE")
	assert.Empty(t, args)

	query, args = buildChainQuery(models.ChainFilter{Status: models.ChainCompleted, Limit: 10})
	assert.Contains(t, query, "WHERE status = $1 ORDER BY started_at DESC LIMIT $2")
	assert.Equal(t, []any{"completed", 10}, args)

	query, args = buildPerformanceQuery(models.PerformanceFilter{PerformanceClass: models.PerformanceSlow})
	assert.Contains(t, query, "WHERE performance_class = $1")
	assert.Equal(t, []any{"slow"}, args)
}

func TestMigrationsAreEmbedded(t *testing.T) {
	data, err := migrationsFS.ReadFile("migrations/00001_telemetry_tables.sql")
	require.NoError(t, err)
	for _, table := range []string{"telemetry_events", "telemetry_metrics", "telemetry_health_checks", "telemetry_performance_snapshots", "telemetry_correlation_chains"} {
		assert.Contains(t, string(data), "CREATE TABLE IF NOT EXISTS "+table)
	}
}
