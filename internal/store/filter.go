package store

import (
	"sort"
	"strings"

	"github.com/miradorstack/mirador-telemetry/internal/models"
)

// MatchEvent reports whether ev satisfies f.
func MatchEvent(f models.EventFilter, ev models.TelemetryEvent) bool {
	if f.CorrelationID != "" && ev.CorrelationID != f.CorrelationID {
		return false
	}
	if f.EventType != "" && ev.EventType != f.EventType {
		return false
	}
	if f.Component != "" && ev.Component != f.Component {
		return false
	}
	if f.Level != "" && ev.Level != f.Level {
		return false
	}
	if f.Search != "" && !strings.Contains(strings.ToLower(ev.Message), strings.ToLower(f.Search)) {
		return false
	}
	return f.TimeRange.Contains(ev.Timestamp)
}

// MatchMetric reports whether m satisfies f.
func MatchMetric(f models.MetricFilter, m models.TelemetryMetric) bool {
	if f.MetricName != "" && m.MetricName != f.MetricName {
		return false
	}
	if f.Component != "" && m.Component != f.Component {
		return false
	}
	if f.MetricType != "" && m.MetricType != f.MetricType {
		return false
	}
	for k, v := range f.Labels {
		if m.Labels[k] != v {
			return false
		}
	}
	return f.TimeRange.Contains(m.Timestamp)
}

// MatchHealthCheck reports whether r satisfies f.
func MatchHealthCheck(f models.HealthFilter, r models.HealthCheckRecord) bool {
	if f.Component != "" && r.Component != f.Component {
		return false
	}
	return f.TimeRange.Contains(r.CheckedAt)
}

// MatchSnapshot reports whether s satisfies f.
func MatchSnapshot(f models.PerformanceFilter, s models.PerformanceSnapshot) bool {
	if f.Component != "" && s.Component != f.Component {
		return false
	}
	if f.Operation != "" && s.Operation != f.Operation {
		return false
	}
	if f.PerformanceClass != "" && s.PerformanceClass != f.PerformanceClass {
		return false
	}
	return f.TimeRange.Contains(s.RecordedAt)
}

// MatchChain reports whether c satisfies f.
func MatchChain(f models.ChainFilter, c models.CorrelationChain) bool {
	if f.Status != "" && c.Status != f.Status {
		return false
	}
	return f.StartedAfter.IsZero() || !c.StartedAt.Before(f.StartedAfter)
}

// SortEvents orders events by (timestamp, sequence), newest first unless
// ascending is set.
func SortEvents(events []models.TelemetryEvent, ascending bool) {
	sort.SliceStable(events, func(i, j int) bool {
		if ascending {
			return events[i].Before(events[j])
		}
		return events[j].Before(events[i])
	})
}

// SortMetrics orders metrics newest first.
func SortMetrics(metrics []models.TelemetryMetric) {
	sort.SliceStable(metrics, func(i, j int) bool {
		return metrics[i].Timestamp.After(metrics[j].Timestamp)
	})
}

// SortHealthChecks orders records newest first.
func SortHealthChecks(records []models.HealthCheckRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CheckedAt.After(records[j].CheckedAt)
	})
}

// SortSnapshots orders snapshots newest first.
func SortSnapshots(snapshots []models.PerformanceSnapshot) {
	sort.SliceStable(snapshots, func(i, j int) bool {
		return snapshots[i].RecordedAt.After(snapshots[j].RecordedAt)
	})
}

// SortChains orders chains by start time, newest first.
func SortChains(chains []models.CorrelationChain) {
	sort.SliceStable(chains, func(i, j int) bool {
		return chains[i].StartedAt.After(chains[j].StartedAt)
	})
}

// Truncate applies a limit; zero or negative means unbounded.
func Truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
