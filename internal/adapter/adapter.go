// Package adapter normalizes domain payloads into canonical telemetry
// records and forwards them to the sink.
package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/miradorstack/mirador-telemetry/internal/correlation"
	"github.com/miradorstack/mirador-telemetry/internal/models"
)

// Domains of the built-in producers.
const (
	DomainTool     = "tool"
	DomainCommand  = "command"
	DomainFragment = "fragment"
	DomainChat     = "chat"
	DomainLLM      = "llm"
)

const (
	errorDurationMS   = 10000
	warningDurationMS = 5000
)

// Mapping names the payload fields holding the component and operation of a
// domain.
type Mapping struct {
	ComponentKey string
	OperationKey string
}

// DefaultMappings covers the built-in domains.
var DefaultMappings = map[string]Mapping{
	DomainTool:     {ComponentKey: "tool_name", OperationKey: "operation"},
	DomainCommand:  {ComponentKey: "command", OperationKey: "subcommand"},
	DomainFragment: {ComponentKey: "pipeline", OperationKey: "stage"},
	DomainChat:     {ComponentKey: "session_type", OperationKey: "role"},
	DomainLLM:      {ComponentKey: "provider", OperationKey: "model"},
}

// Payload is the raw shape handed over by a facade.
type Payload struct {
	EventName   string
	Data        models.Fields
	Performance models.Fields
	Component   string
	Operation   string
	Level       models.Level
	Message     string
	Error       string
	DurationMS  *float64
	Labels      map[string]string
	Timestamp   time.Time
}

// Sink is the subset of the telemetry sink the adapter writes to.
type Sink interface {
	StoreEvent(ctx context.Context, ev models.TelemetryEvent) (string, error)
	StoreMetric(ctx context.Context, name string, value float64, labels map[string]string, metricType models.MetricType) (string, error)
	ClassifyPerformance(component string, durationMS float64) models.PerformanceClass
}

// Adapter converts payloads into events and duration metrics.
type Adapter struct {
	sink     Sink
	mappings map[string]Mapping
	logger   *slog.Logger
}

// New constructs an Adapter using DefaultMappings.
func New(sink Sink, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	mappings := make(map[string]Mapping, len(DefaultMappings))
	for k, v := range DefaultMappings {
		mappings[k] = v
	}
	return &Adapter{sink: sink, mappings: mappings, logger: logger.With("component", "telemetry_adapter")}
}

// RegisterMapping adds or replaces the field mapping of a domain.
func (a *Adapter) RegisterMapping(domain string, m Mapping) {
	a.mappings[domain] = m
}

// Handle normalizes p and stores the resulting event, plus a
// "<domain>.duration_ms" histogram sample when a duration is known. The
// returned id is empty when the sink is disabled.
func (a *Adapter) Handle(ctx context.Context, domain string, p Payload) (string, error) {
	ev := a.Normalize(ctx, domain, p)

	id, err := a.sink.StoreEvent(ctx, ev)
	if err != nil {
		return "", fmt.Errorf("store %s event: %w", domain, err)
	}

	if duration, ok := ev.Performance.Float("duration_ms"); ok {
		labels := map[string]string{"component": ev.Component}
		if ev.Operation != "" {
			labels["operation"] = ev.Operation
		}
		for k, v := range p.Labels {
			labels[k] = v
		}
		if _, err := a.sink.StoreMetric(ctx, domain+".duration_ms", duration, labels, models.MetricHistogram); err != nil {
			return id, fmt.Errorf("store %s duration metric: %w", domain, err)
		}
	}
	return id, nil
}

// Normalize builds the canonical event for p without storing it.
func (a *Adapter) Normalize(ctx context.Context, domain string, p Payload) models.TelemetryEvent {
	data := p.Data.Clone()
	mapping := a.mappings[domain]

	component := p.Component
	if component == "" && mapping.ComponentKey != "" {
		component = data.Text(mapping.ComponentKey)
	}
	if component == "" {
		component = domain
	}
	operation := p.Operation
	if operation == "" && mapping.OperationKey != "" {
		operation = data.Text(mapping.OperationKey)
	}

	errMsg := p.Error
	if errMsg == "" {
		errMsg = data.Text("error")
	}

	perf := p.Performance.Clone()
	duration, hasDuration := durationOf(p, data)
	if hasDuration {
		if duration < 0 {
			duration = 0
		}
		perf["duration_ms"] = models.Number(duration)
		perf["performance_class"] = models.String(string(a.sink.ClassifyPerformance(component, duration)))
	}

	evCtx := models.Fields{}
	if c := correlation.Active(ctx); c != nil {
		evCtx = evCtx.Merge(c.Fields())
	}

	return models.TelemetryEvent{
		CorrelationID: correlation.FromContext(ctx),
		EventType:     domain,
		EventName:     p.EventName,
		Timestamp:     p.Timestamp,
		Component:     component,
		Operation:     operation,
		Metadata:      data,
		Context:       evCtx,
		Performance:   perf,
		Message:       deriveMessage(p, component, errMsg),
		Level:         deriveLevel(p, duration, hasDuration),
	}
}

func durationOf(p Payload, data models.Fields) (float64, bool) {
	if p.DurationMS != nil {
		return *p.DurationMS, true
	}
	if d, ok := p.Performance.Float("duration_ms"); ok {
		return d, true
	}
	return data.Float("duration_ms")
}

func isFailure(name string) bool {
	name = strings.ToLower(name)
	return strings.Contains(name, "error") || strings.Contains(name, "failed")
}

func deriveMessage(p Payload, component, errMsg string) string {
	if p.Message != "" {
		return p.Message
	}
	name := strings.ToLower(p.EventName)
	switch {
	case isFailure(name):
		if errMsg == "" {
			errMsg = "unknown error"
		}
		return fmt.Sprintf("Error in %s: %s", component, errMsg)
	case strings.Contains(name, "started"):
		return "Started " + component
	case strings.Contains(name, "completed"):
		return "Completed " + component
	default:
		return strings.TrimSpace(p.EventName + " " + component)
	}
}

func deriveLevel(p Payload, duration float64, hasDuration bool) models.Level {
	if level, ok := models.ParseLevel(string(p.Level)); ok {
		return level
	}
	name := strings.ToLower(p.EventName)
	switch {
	case isFailure(name):
		return models.LevelError
	case strings.Contains(name, "slow"), strings.Contains(name, "warning"):
		return models.LevelWarning
	case hasDuration && duration > errorDurationMS:
		return models.LevelError
	case hasDuration && duration > warningDurationMS:
		return models.LevelWarning
	default:
		return models.LevelInfo
	}
}
