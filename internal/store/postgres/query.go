package postgres

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/miradorstack/mirador-telemetry/internal/models"
)

// where accumulates numbered predicates.
type where struct {
	clauses []string
	args    []any
}

// add appends clause, replacing each "?" with the next positional parameter.
func (w *where) add(clause string, args ...any) {
	for _, arg := range args {
		w.args = append(w.args, arg)
		clause = strings.Replace(clause, "?", fmt.Sprintf("$%d", len(w.args)), 1)
	}
	w.clauses = append(w.clauses, clause)
}

func (w *where) timeRange(column string, tr models.TimeRange) {
	if !tr.Start.IsZero() {
		w.add(column+" >= ?", tr.Start)
	}
	if !tr.End.IsZero() {
		w.add(column+" <= ?", tr.End)
	}
}

func (w *where) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

func (w *where) limit(limit int) string {
	if limit <= 0 {
		return ""
	}
	w.args = append(w.args, limit)
	return fmt.Sprintf(" LIMIT $%d", len(w.args))
}

const (
	eventColumns       = `id, correlation_id, event_type, event_name, timestamp, component, COALESCE(operation, ''), metadata, context, performance, COALESCE(message, ''), level, sequence`
	metricColumns      = `id, metric_name, component, metric_type, value, labels, timestamp, COALESCE(aggregation_period, '')`
	healthColumns      = `id, component, check_name, is_healthy, COALESCE(error_message, ''), response_time_ms, metadata, checked_at`
	performanceColumns = `id, component, operation, duration_ms, memory_usage_bytes, cpu_usage_percent, resource_metrics, performance_class, recorded_at`
	chainColumns       = `chain_id, root_correlation_id, depth, started_at, completed_at, total_events, metadata, status`
)

func buildEventQuery(f models.EventFilter) (string, []any) {
	var w where
	if f.CorrelationID != "" {
		w.add("correlation_id = ?", f.CorrelationID)
	}
	if f.EventType != "" {
		w.add("event_type = ?", f.EventType)
	}
	if f.Component != "" {
		w.add("component = ?", f.Component)
	}
	if f.Level != "" {
		w.add("level = ?", string(f.Level))
	}
	if f.Search != "" {
		w.add("message ILIKE ?", "%"+escapeLike(f.Search)+"%")
	}
	w.timeRange("timestamp", f.TimeRange)

	order := " ORDER BY timestamp DESC, sequence DESC"
	if f.Ascending {
		order = " ORDER BY timestamp ASC, sequence ASC"
	}
	query := "SELECT " + eventColumns + " FROM telemetry_events" + w.String() + order
	query += w.limit(f.Limit)
	return query, w.args
}

func buildMetricQuery(f models.MetricFilter) (string, []any, error) {
	var w where
	if f.MetricName != "" {
		w.add("metric_name = ?", f.MetricName)
	}
	if f.Component != "" {
		w.add("component = ?", f.Component)
	}
	if f.MetricType != "" {
		w.add("metric_type = ?", string(f.MetricType))
	}
	if len(f.Labels) > 0 {
		labels, err := json.Marshal(f.Labels)
		if err != nil {
			return "", nil, fmt.Errorf("encode label filter: %w", err)
		}
		w.add("labels @> ?::jsonb", string(labels))
	}
	w.timeRange("timestamp", f.TimeRange)

	query := "SELECT " + metricColumns + " FROM telemetry_metrics" + w.String() + " ORDER BY timestamp DESC"
	query += w.limit(f.Limit)
	return query, w.args, nil
}

func buildHealthQuery(f models.HealthFilter) (string, []any) {
	var w where
	if f.Component != "" {
		w.add("component = ?", f.Component)
	}
	w.timeRange("checked_at", f.TimeRange)

	query := "SELECT " + healthColumns + " FROM telemetry_health_checks" + w.String() + " ORDER BY checked_at DESC"
	query += w.limit(f.Limit)
	return query, w.args
}

func buildPerformanceQuery(f models.PerformanceFilter) (string, []any) {
	var w where
	if f.Component != "" {
		w.add("component = ?", f.Component)
	}
	if f.Operation != "" {
		w.add("operation = ?", f.Operation)
	}
	if f.PerformanceClass != "" {
		w.add("performance_class = ?", string(f.PerformanceClass))
	}
	w.timeRange("recorded_at", f.TimeRange)

	query := "SELECT " + performanceColumns + " FROM telemetry_performance_snapshots" + w.String() + " ORDER BY recorded_at DESC"
	query += w.limit(f.Limit)
	return query, w.args
}

func buildChainQuery(f models.ChainFilter) (string, []any) {
	var w where
	if f.Status != "" {
		w.add("status = ?", string(f.Status))
	}
	if !f.StartedAfter.IsZero() {
		w.add("started_at >= ?", f.StartedAfter)
	}

	query := "SELECT " + chainColumns + " FROM telemetry_correlation_chains" + w.String() + " ORDER BY started_at DESC"
	query += w.limit(f.Limit)
	return query, w.args
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
