package models

import "time"

// PerformanceClass buckets a duration against component thresholds.
type PerformanceClass string

const (
	PerformanceFast     PerformanceClass = "fast"
	PerformanceNormal   PerformanceClass = "normal"
	PerformanceSlow     PerformanceClass = "slow"
	PerformanceCritical PerformanceClass = "critical"
)

// PerformanceClasses lists classes from fastest to slowest.
var PerformanceClasses = []PerformanceClass{PerformanceFast, PerformanceNormal, PerformanceSlow, PerformanceCritical}

// PerformanceSnapshot records the cost of one operation.
type PerformanceSnapshot struct {
	ID               string           `json:"id"`
	Component        string           `json:"component"`
	Operation        string           `json:"operation"`
	DurationMS       float64          `json:"duration_ms"`
	MemoryUsageBytes *int64           `json:"memory_usage_bytes,omitempty"`
	CPUUsagePercent  *float64         `json:"cpu_usage_percent,omitempty"`
	ResourceMetrics  Fields           `json:"resource_metrics"`
	PerformanceClass PerformanceClass `json:"performance_class"`
	RecordedAt       time.Time        `json:"recorded_at"`
}
