package api

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-telemetry/internal/models"
	"github.com/miradorstack/mirador-telemetry/internal/query"
)

// DecodeStruct maps a Struct document onto out through its JSON form.
func DecodeStruct(in *structpb.Struct, out any) error {
	if in == nil {
		return fmt.Errorf("request is nil")
	}
	data, err := protojson.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

// EncodeStruct converts v, which must marshal to a JSON object, into a
// Struct document.
func EncodeStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("convert response: %w", err)
	}
	return out, nil
}

// TimeWindow selects a query window either by a relative spec (1h, 24h,
// 7d, 30d) or explicit bounds. Explicit bounds win.
type TimeWindow struct {
	TimeRange string     `json:"time_range,omitempty"`
	Start     *time.Time `json:"start,omitempty"`
	End       *time.Time `json:"end,omitempty"`
}

// Resolve turns the window into a concrete range relative to now.
func (w TimeWindow) Resolve(now time.Time) (models.TimeRange, error) {
	if w.Start == nil && w.End == nil {
		return query.ParseTimeRange(w.TimeRange, now)
	}
	var tr models.TimeRange
	if w.Start != nil {
		tr.Start = w.Start.UTC()
	}
	if w.End != nil {
		tr.End = w.End.UTC()
	}
	if !tr.Start.IsZero() && !tr.End.IsZero() && tr.End.Before(tr.Start) {
		return models.TimeRange{}, fmt.Errorf("end must not be before start")
	}
	return tr, nil
}

// EventQuery is the request body of QueryEvents, EventStatistics and Export.
type EventQuery struct {
	TimeWindow
	CorrelationID string `json:"correlation_id,omitempty"`
	EventType     string `json:"event_type,omitempty"`
	Component     string `json:"component,omitempty"`
	Level         string `json:"level,omitempty"`
	Search        string `json:"search,omitempty"`
	Limit         int    `json:"limit,omitempty"`
	Ascending     bool   `json:"ascending,omitempty"`
	Format        string `json:"format,omitempty"`
}

// Filter validates the query and builds the store filter.
func (q EventQuery) Filter(now time.Time) (models.EventFilter, error) {
	tr, err := q.Resolve(now)
	if err != nil {
		return models.EventFilter{}, err
	}
	f := models.EventFilter{
		CorrelationID: q.CorrelationID,
		EventType:     q.EventType,
		Component:     q.Component,
		Search:        q.Search,
		TimeRange:     tr,
		Limit:         q.Limit,
		Ascending:     q.Ascending,
	}
	if q.Level != "" {
		level, ok := models.ParseLevel(q.Level)
		if !ok {
			return models.EventFilter{}, fmt.Errorf("unknown level %q", q.Level)
		}
		f.Level = level
	}
	return f, nil
}

// MetricQuery is the request body of the metric read methods.
type MetricQuery struct {
	TimeWindow
	MetricName  string            `json:"metric_name,omitempty"`
	Component   string            `json:"component,omitempty"`
	MetricType  string            `json:"metric_type,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	Limit       int               `json:"limit,omitempty"`
	Aggregation string            `json:"aggregation,omitempty"`
	Interval    string            `json:"interval,omitempty"`
	Threshold   float64           `json:"threshold,omitempty"`
}

// Filter validates the query and builds the store filter.
func (q MetricQuery) Filter(now time.Time) (models.MetricFilter, error) {
	tr, err := q.Resolve(now)
	if err != nil {
		return models.MetricFilter{}, err
	}
	f := models.MetricFilter{
		MetricName: q.MetricName,
		Component:  q.Component,
		Labels:     q.Labels,
		TimeRange:  tr,
		Limit:      q.Limit,
	}
	if q.MetricType != "" {
		switch t := models.MetricType(strings.ToLower(q.MetricType)); t {
		case models.MetricCounter, models.MetricGauge, models.MetricHistogram:
			f.MetricType = t
		default:
			return models.MetricFilter{}, fmt.Errorf("unknown metric type %q", q.MetricType)
		}
	}
	return f, nil
}

// HealthQuery is the request body of HealthStatus.
type HealthQuery struct {
	TimeWindow
	Component string `json:"component,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// Filter builds the store filter.
func (q HealthQuery) Filter(now time.Time) (models.HealthFilter, error) {
	tr, err := q.Resolve(now)
	if err != nil {
		return models.HealthFilter{}, err
	}
	return models.HealthFilter{Component: q.Component, TimeRange: tr, Limit: q.Limit}, nil
}

// PerformanceQuery is the request body of PerformanceAnalysis.
type PerformanceQuery struct {
	TimeWindow
	Component        string `json:"component,omitempty"`
	Operation        string `json:"operation,omitempty"`
	PerformanceClass string `json:"performance_class,omitempty"`
	Limit            int    `json:"limit,omitempty"`
}

// Filter validates the query and builds the store filter.
func (q PerformanceQuery) Filter(now time.Time) (models.PerformanceFilter, error) {
	tr, err := q.Resolve(now)
	if err != nil {
		return models.PerformanceFilter{}, err
	}
	f := models.PerformanceFilter{Component: q.Component, Operation: q.Operation, TimeRange: tr, Limit: q.Limit}
	if q.PerformanceClass != "" {
		class := models.PerformanceClass(q.PerformanceClass)
		if !validClass(class) {
			return models.PerformanceFilter{}, fmt.Errorf("unknown performance class %q", q.PerformanceClass)
		}
		f.PerformanceClass = class
	}
	return f, nil
}

func validClass(c models.PerformanceClass) bool {
	for _, known := range models.PerformanceClasses {
		if c == known {
			return true
		}
	}
	return false
}

// ChainRequest is the request body of UpdateCorrelationChain and
// CorrelationChainAnalysis.
type ChainRequest struct {
	CorrelationID     string        `json:"correlation_id,omitempty"`
	ChainID           string        `json:"chain_id,omitempty"`
	RootCorrelationID string        `json:"root_correlation_id,omitempty"`
	Depth             *int          `json:"depth,omitempty"`
	EventsAdded       int           `json:"events_added,omitempty"`
	Status            string        `json:"status,omitempty"`
	CompletedAt       *time.Time    `json:"completed_at,omitempty"`
	Metadata          models.Fields `json:"metadata,omitempty"`
}

// Update validates the request and builds the chain update.
func (r ChainRequest) Update() (models.ChainUpdate, error) {
	if r.CorrelationID == "" && r.ChainID == "" {
		return models.ChainUpdate{}, fmt.Errorf("correlation_id or chain_id is required")
	}
	if r.EventsAdded < 0 {
		return models.ChainUpdate{}, fmt.Errorf("events_added must not be negative")
	}
	upd := models.ChainUpdate{
		ChainID:           r.ChainID,
		RootCorrelationID: r.RootCorrelationID,
		Depth:             r.Depth,
		EventsAdded:       r.EventsAdded,
		CompletedAt:       r.CompletedAt,
		Metadata:          r.Metadata,
	}
	if r.Status != "" {
		st := models.ChainStatus(strings.ToLower(r.Status))
		valid := false
		for _, known := range models.ChainStatuses {
			valid = valid || st == known
		}
		if !valid {
			return models.ChainUpdate{}, fmt.Errorf("unknown chain status %q", r.Status)
		}
		upd.Status = st
	}
	return upd, nil
}

// ValidateEvent checks the fields a producer must supply.
func ValidateEvent(ev models.TelemetryEvent) error {
	if strings.TrimSpace(ev.EventName) == "" {
		return fmt.Errorf("event_name is required")
	}
	if ev.Level != "" {
		if _, ok := models.ParseLevel(string(ev.Level)); !ok {
			return fmt.Errorf("unknown level %q", ev.Level)
		}
	}
	return nil
}

// ValidateMetric checks the fields a producer must supply.
func ValidateMetric(m models.TelemetryMetric) error {
	if strings.TrimSpace(m.MetricName) == "" {
		return fmt.Errorf("metric_name is required")
	}
	return nil
}

// ValidateHealthCheck checks the fields a producer must supply.
func ValidateHealthCheck(rec models.HealthCheckRecord) error {
	if strings.TrimSpace(rec.Component) == "" {
		return fmt.Errorf("component is required")
	}
	return nil
}

// ValidateSnapshot checks the fields a producer must supply.
func ValidateSnapshot(snap models.PerformanceSnapshot) error {
	if strings.TrimSpace(snap.Component) == "" || strings.TrimSpace(snap.Operation) == "" {
		return fmt.Errorf("component and operation are required")
	}
	return nil
}
