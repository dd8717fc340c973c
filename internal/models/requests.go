package models

import "time"

// TimeRange bounds a query window. Zero values leave that side open.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether ts falls inside the range (inclusive).
func (r TimeRange) Contains(ts time.Time) bool {
	if !r.Start.IsZero() && ts.Before(r.Start) {
		return false
	}
	if !r.End.IsZero() && ts.After(r.End) {
		return false
	}
	return true
}

// IsZero reports whether both bounds are open.
func (r TimeRange) IsZero() bool {
	return r.Start.IsZero() && r.End.IsZero()
}

// EventFilter selects telemetry events.
type EventFilter struct {
	CorrelationID string
	EventType     string
	Component     string
	Level         Level
	Search        string
	TimeRange     TimeRange
	Limit         int
	// Ascending flips the default newest-first ordering.
	Ascending bool
}

// MetricFilter selects telemetry metrics.
type MetricFilter struct {
	MetricName string
	Component  string
	MetricType MetricType
	Labels     map[string]string
	TimeRange  TimeRange
	Limit      int
}

// HealthFilter selects health check records.
type HealthFilter struct {
	Component string
	TimeRange TimeRange
	Limit     int
}

// PerformanceFilter selects performance snapshots.
type PerformanceFilter struct {
	Component        string
	Operation        string
	PerformanceClass PerformanceClass
	TimeRange        TimeRange
	Limit            int
}

// ChainFilter selects correlation chains.
type ChainFilter struct {
	Status       ChainStatus
	StartedAfter time.Time
	Limit        int
}
