package query

import (
	"time"

	"github.com/miradorstack/mirador-telemetry/internal/models"
)

// HourlyCount is one bucket of the 24 hour event histogram.
type HourlyCount struct {
	Hour  time.Time `json:"hour"`
	Count int       `json:"count"`
}

// EventStatistics summarises a filtered event set.
type EventStatistics struct {
	TotalEvents int            `json:"total_events"`
	ByEventType map[string]int `json:"by_event_type"`
	ByLevel     map[string]int `json:"by_level"`
	ByComponent map[string]int `json:"by_component"`
	ErrorRate   float64        `json:"error_rate"`
	Hourly      []HourlyCount  `json:"hourly"`
	GeneratedAt time.Time      `json:"generated_at"`
}

// MetricAggregation is the result of one aggregation. Value is nil when
// the aggregation is undefined over an empty set.
type MetricAggregation struct {
	MetricName  string             `json:"metric_name"`
	Aggregation string             `json:"aggregation"`
	Count       int                `json:"count"`
	Value       *float64           `json:"value,omitempty"`
	Percentiles map[string]float64 `json:"percentiles,omitempty"`
}

// TimeSeriesPoint aggregates the samples of one interval bucket.
type TimeSeriesPoint struct {
	Bucket time.Time `json:"bucket"`
	Avg    float64   `json:"avg"`
	Min    float64   `json:"min"`
	Max    float64   `json:"max"`
	Count  int       `json:"count"`
}

// MetricAnomaly flags a bucket whose average deviates from the series mean.
type MetricAnomaly struct {
	Bucket    time.Time `json:"bucket"`
	Value     float64   `json:"value"`
	Score     float64   `json:"score"`
	Threshold float64   `json:"threshold"`
}

// ComponentHealth summarises the checks of one component.
type ComponentHealth struct {
	Component         string    `json:"component"`
	IsHealthy         bool      `json:"is_healthy"`
	LastChecked       time.Time `json:"last_checked"`
	TotalChecks       int       `json:"total_checks"`
	SuccessRate       float64   `json:"success_rate"`
	AvgResponseTimeMS *float64  `json:"avg_response_time_ms,omitempty"`
	LatestError       string    `json:"latest_error,omitempty"`
}

// HealthReport is the health view over a window of checks.
type HealthReport struct {
	OverallHealthy bool              `json:"overall_healthy"`
	Window         models.TimeRange  `json:"-"`
	TotalChecks    int               `json:"total_checks"`
	Components     []ComponentHealth `json:"components"`
}

// OperationBreakdown groups slow or critical snapshots by operation.
type OperationBreakdown struct {
	Component        string                  `json:"component"`
	Operation        string                  `json:"operation"`
	PerformanceClass models.PerformanceClass `json:"performance_class"`
	Count            int                     `json:"count"`
	AvgDurationMS    float64                 `json:"avg_duration_ms"`
}

// PerformanceReport summarises performance snapshots.
type PerformanceReport struct {
	TotalOperations int                             `json:"total_operations"`
	Distribution    map[models.PerformanceClass]int `json:"distribution"`
	AvgDurationMS   *float64                        `json:"avg_duration_ms,omitempty"`
	P95DurationMS   *float64                        `json:"p95_duration_ms,omitempty"`
	AvgMemoryMB     *float64                        `json:"avg_memory_mb,omitempty"`
	SlowOperations  []OperationBreakdown            `json:"slow_operations"`
}

// ChainSummary aggregates recently started chains.
type ChainSummary struct {
	TotalChains            int                        `json:"total_chains"`
	ByStatus               map[models.ChainStatus]int `json:"by_status"`
	AvgCompletedDurationMS *float64                   `json:"avg_completed_duration_ms,omitempty"`
	DepthHistogram         map[int]int                `json:"depth_histogram"`
	Since                  time.Time                  `json:"since"`
}

// ChainAnalysis is either one chain with its timeline or a summary.
type ChainAnalysis struct {
	Chain      *models.CorrelationChain `json:"chain,omitempty"`
	Timeline   []models.TelemetryEvent  `json:"timeline,omitempty"`
	DurationMS *float64                 `json:"duration_ms,omitempty"`
	Summary    *ChainSummary            `json:"summary,omitempty"`
}
