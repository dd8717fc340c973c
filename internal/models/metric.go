package models

import "time"

// MetricType enumerates stored metric kinds.
type MetricType string

const (
	MetricCounter   MetricType = "counter"
	MetricGauge     MetricType = "gauge"
	MetricHistogram MetricType = "histogram"
)

// ParseMetricType normalises a metric type, defaulting to gauge.
func ParseMetricType(s string) MetricType {
	switch MetricType(s) {
	case MetricCounter, MetricHistogram:
		return MetricType(s)
	default:
		return MetricGauge
	}
}

// TelemetryMetric is the canonical metric record.
type TelemetryMetric struct {
	ID                string            `json:"id"`
	MetricName        string            `json:"metric_name"`
	Component         string            `json:"component"`
	MetricType        MetricType        `json:"metric_type"`
	Value             float64           `json:"value"`
	Labels            map[string]string `json:"labels"`
	Timestamp         time.Time         `json:"timestamp"`
	AggregationPeriod string            `json:"aggregation_period,omitempty"`
}
