package api

import (
	"testing"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-telemetry/internal/models"
	"github.com/miradorstack/mirador-telemetry/internal/utils"
)

func TestDecodeEventFromStruct(t *testing.T) {
	in, err := structpb.NewStruct(map[string]any{
		"event_name": "tool.completed",
		"component":  "grep",
		"level":      "warning",
		"timestamp":  "2026-04-02T10:00:00Z",
		"metadata":   map[string]any{"matches": 12, "nested": map[string]any{"ok": true}},
	})
	if err != nil {
		t.Fatalf("build struct: %v", err)
	}

	var ev models.TelemetryEvent
	if err := DecodeStruct(in, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.EventName != "tool.completed" || ev.Component != "grep" || ev.Level != models.LevelWarning {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if !ev.Timestamp.Equal(time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected timestamp %v", ev.Timestamp)
	}
	if n, ok := ev.Metadata.Float("matches"); !ok || n != 12 {
		t.Fatalf("expected numeric metadata, got %v", ev.Metadata["matches"])
	}
	if !ev.Metadata["nested"].Fields()["ok"].BoolValue() {
		t.Fatalf("expected nested metadata to survive decoding")
	}
	if err := ValidateEvent(ev); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestDecodeNilRequest(t *testing.T) {
	var ev models.TelemetryEvent
	if err := DecodeStruct(nil, &ev); err == nil {
		t.Fatalf("expected error for nil request")
	}
}

func TestEncodeStructRequiresObject(t *testing.T) {
	if _, err := EncodeStruct([]int{1, 2}); err == nil {
		t.Fatalf("expected arrays to be rejected")
	}
	out, err := EncodeStruct(map[string]any{"count": 2, "ids": []string{"a", "b"}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if out.Fields["count"].GetNumberValue() != 2 || len(out.Fields["ids"].GetListValue().GetValues()) != 2 {
		t.Fatalf("unexpected struct: %v", out)
	}
}

func TestValidation(t *testing.T) {
	if err := ValidateEvent(models.TelemetryEvent{}); err == nil {
		t.Fatalf("expected missing event_name to fail")
	}
	if err := ValidateEvent(models.TelemetryEvent{EventName: "x", Level: "loud"}); err == nil {
		t.Fatalf("expected unknown level to fail")
	}
	if err := ValidateMetric(models.TelemetryMetric{}); err == nil {
		t.Fatalf("expected missing metric_name to fail")
	}
	if err := ValidateHealthCheck(models.HealthCheckRecord{}); err == nil {
		t.Fatalf("expected missing component to fail")
	}
	if err := ValidateSnapshot(models.PerformanceSnapshot{Component: "grep"}); err == nil {
		t.Fatalf("expected missing operation to fail")
	}
}

func TestTimeWindowResolve(t *testing.T) {
	now := time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)

	tr, err := TimeWindow{TimeRange: "24h"}.Resolve(now)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !tr.Start.Equal(now.Add(-24*time.Hour)) || !tr.End.Equal(now) {
		t.Fatalf("unexpected range %+v", tr)
	}

	_, err = TimeWindow{TimeRange: "fortnight"}.Resolve(now)
	if !utils.IsConfigurationError(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}

	start := now.Add(-time.Hour)
	tr, err = TimeWindow{TimeRange: "bogus", Start: &start}.Resolve(now)
	if err != nil {
		t.Fatalf("explicit bounds should win over the relative range: %v", err)
	}
	if !tr.Start.Equal(start) || !tr.End.IsZero() {
		t.Fatalf("unexpected range %+v", tr)
	}

	end := start.Add(-time.Minute)
	if _, err := (TimeWindow{Start: &start, End: &end}).Resolve(now); err == nil {
		t.Fatalf("expected inverted range to fail")
	}
}

func TestQueryFilters(t *testing.T) {
	now := time.Now().UTC()

	ef, err := EventQuery{Level: "WARN", Limit: 5, Search: "timeout"}.Filter(now)
	if err != nil || ef.Level != models.LevelWarning || ef.Limit != 5 || ef.Search != "timeout" {
		t.Fatalf("unexpected event filter %+v (%v)", ef, err)
	}
	if _, err := (EventQuery{Level: "loud"}).Filter(now); err == nil {
		t.Fatalf("expected unknown level to fail")
	}

	mf, err := MetricQuery{MetricName: "latency", MetricType: "Histogram"}.Filter(now)
	if err != nil || mf.MetricType != models.MetricHistogram {
		t.Fatalf("unexpected metric filter %+v (%v)", mf, err)
	}
	if _, err := (MetricQuery{MetricType: "summary"}).Filter(now); err == nil {
		t.Fatalf("expected unknown metric type to fail")
	}

	if _, err := (PerformanceQuery{PerformanceClass: "glacial"}).Filter(now); err == nil {
		t.Fatalf("expected unknown class to fail")
	}
	pf, err := PerformanceQuery{PerformanceClass: "slow", Component: "grep"}.Filter(now)
	if err != nil || pf.PerformanceClass != models.PerformanceSlow {
		t.Fatalf("unexpected performance filter %+v (%v)", pf, err)
	}
}

func TestChainRequestUpdate(t *testing.T) {
	if _, err := (ChainRequest{}).Update(); err == nil {
		t.Fatalf("expected missing ids to fail")
	}
	if _, err := (ChainRequest{ChainID: "c", Status: "paused"}).Update(); err == nil {
		t.Fatalf("expected unknown status to fail")
	}
	depth := 2
	upd, err := ChainRequest{CorrelationID: "root", Depth: &depth, EventsAdded: 3, Status: "Completed"}.Update()
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if upd.Status != models.ChainCompleted || *upd.Depth != 2 || upd.EventsAdded != 3 {
		t.Fatalf("unexpected update %+v", upd)
	}
}
