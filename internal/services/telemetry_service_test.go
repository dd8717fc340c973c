package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-telemetry/internal/api"
	"github.com/miradorstack/mirador-telemetry/internal/config"
	"github.com/miradorstack/mirador-telemetry/internal/health"
	"github.com/miradorstack/mirador-telemetry/internal/models"
	"github.com/miradorstack/mirador-telemetry/internal/query"
	"github.com/miradorstack/mirador-telemetry/internal/sanitize"
	"github.com/miradorstack/mirador-telemetry/internal/sink"
	"github.com/miradorstack/mirador-telemetry/internal/store/memory"
)

type fixture struct {
	store   *memory.Store
	sink    *sink.Sink
	service *TelemetryService
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Telemetry.AsyncProcessing = false
	st := memory.New()
	sk := sink.New(&cfg, st, sanitize.MustNew(cfg.Sanitization), nil)
	q := query.New(st, cfg.Query, nil, nil)
	mon := health.NewMonitor(cfg.Health, cfg.Alerts, sk, nil)
	return fixture{store: st, sink: sk, service: NewTelemetryService(nil, sk, q, mon)}
}

func structOf(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	if err != nil {
		t.Fatalf("build struct: %v", err)
	}
	return s
}

func decode(t *testing.T, in *structpb.Struct, out any) {
	t.Helper()
	if err := api.DecodeStruct(in, out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

type eventsResponse struct {
	Events []models.TelemetryEvent `json:"events"`
	Count  int                     `json:"count"`
}

func TestRecordEventAndTimeline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, ev := range []map[string]any{
		{"event_name": "tool.completed", "correlation_id": "job-7", "component": "grep", "timestamp": "2026-04-02T10:00:02Z"},
		{"event_name": "tool.started", "correlation_id": "job-7", "component": "grep", "timestamp": "2026-04-02T10:00:01Z", "metadata": map[string]any{"password": "hunter2"}},
	} {
		resp, err := f.service.RecordEvent(ctx, structOf(t, ev))
		if err != nil {
			t.Fatalf("record event: %v", err)
		}
		if resp.Fields["id"].GetStringValue() == "" {
			t.Fatalf("expected an id in %v", resp)
		}
	}

	resp, err := f.service.EventsByCorrelation(ctx, structOf(t, map[string]any{"correlation_id": "job-7"}))
	if err != nil {
		t.Fatalf("events by correlation: %v", err)
	}
	var got eventsResponse
	decode(t, resp, &got)
	if got.Count != 2 || got.Events[0].EventName != "tool.started" || got.Events[1].EventName != "tool.completed" {
		t.Fatalf("unexpected timeline: %+v", got)
	}
	if got.Events[0].Metadata.Text("password") != sanitize.RedactedMarker {
		t.Fatalf("expected sensitive metadata to be redacted, got %q", got.Events[0].Metadata.Text("password"))
	}

	_, err = f.service.EventsByCorrelation(ctx, structOf(t, map[string]any{}))
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestRecordEventValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.RecordEvent(context.Background(), structOf(t, map[string]any{"component": "grep"}))
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	_, err = f.service.RecordEvent(context.Background(), structOf(t, map[string]any{"event_name": "x", "level": "loud"}))
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected invalid argument for level, got %v", err)
	}
}

func TestPersistenceFailureMapsToInternal(t *testing.T) {
	f := newFixture(t)
	f.store.FailWrites(errors.New("disk full"))
	_, err := f.service.RecordEvent(context.Background(), structOf(t, map[string]any{"event_name": "tool.started"}))
	if status.Code(err) != codes.Internal {
		t.Fatalf("expected internal, got %v", err)
	}
	if !strings.Contains(status.Convert(err).Message(), "persistence failure") {
		t.Fatalf("expected persistence failure message, got %q", status.Convert(err).Message())
	}
}

func TestConfigurationErrorsListValidOptions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.MetricAggregation(ctx, structOf(t, map[string]any{"metric_name": "latency", "aggregation": "median"}))
	if status.Code(err) != codes.InvalidArgument || !strings.Contains(status.Convert(err).Message(), "percentiles") {
		t.Fatalf("expected invalid argument listing options, got %v", err)
	}

	_, err = f.service.QueryEvents(ctx, structOf(t, map[string]any{"time_range": "2w"}))
	if status.Code(err) != codes.InvalidArgument || !strings.Contains(status.Convert(err).Message(), "30d") {
		t.Fatalf("expected invalid argument listing ranges, got %v", err)
	}

	_, err = f.service.Export(ctx, structOf(t, map[string]any{"format": "xml"}))
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected invalid argument for format, got %v", err)
	}
}

func TestChainLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.CorrelationChainAnalysis(ctx, structOf(t, map[string]any{"chain_id": "missing"}))
	if status.Code(err) != codes.NotFound {
		t.Fatalf("expected not found, got %v", err)
	}

	_, err = f.service.UpdateCorrelationChain(ctx, structOf(t, map[string]any{"correlation_id": "root-1", "depth": 2, "events_added": 3}))
	if err != nil {
		t.Fatalf("update chain: %v", err)
	}
	resp, err := f.service.UpdateCorrelationChain(ctx, structOf(t, map[string]any{"correlation_id": "root-1", "status": "completed"}))
	if err != nil {
		t.Fatalf("complete chain: %v", err)
	}
	var chain models.CorrelationChain
	decode(t, resp, &chain)
	if chain.Status != models.ChainCompleted || chain.Depth != 2 || chain.TotalEvents != 3 || chain.CompletedAt == nil {
		t.Fatalf("unexpected chain: %+v", chain)
	}

	resp, err = f.service.CorrelationChainAnalysis(ctx, structOf(t, map[string]any{}))
	if err != nil {
		t.Fatalf("chain summary: %v", err)
	}
	var analysis query.ChainAnalysis
	decode(t, resp, &analysis)
	if analysis.Summary == nil || analysis.Summary.TotalChains != 1 || analysis.Summary.ByStatus[models.ChainCompleted] != 1 {
		t.Fatalf("unexpected summary: %+v", analysis.Summary)
	}
}

func TestPerformanceSnapshotsAreClassified(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, d := range []float64{40, 750, 5000} {
		if _, err := f.service.RecordPerformanceSnapshot(ctx, structOf(t, map[string]any{"component": "grep", "operation": "search", "duration_ms": d})); err != nil {
			t.Fatalf("record snapshot: %v", err)
		}
	}
	resp, err := f.service.PerformanceAnalysis(ctx, structOf(t, map[string]any{"component": "grep"}))
	if err != nil {
		t.Fatalf("performance analysis: %v", err)
	}
	var report query.PerformanceReport
	decode(t, resp, &report)
	want := map[models.PerformanceClass]int{"fast": 1, "normal": 0, "slow": 1, "critical": 1}
	for class, n := range want {
		if report.Distribution[class] != n {
			t.Fatalf("class %s: expected %d, got %d (%+v)", class, n, report.Distribution[class], report.Distribution)
		}
	}
}

func TestExportCSV(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.service.RecordEvent(ctx, structOf(t, map[string]any{"event_name": "command.completed", "component": "git"})); err != nil {
		t.Fatalf("record event: %v", err)
	}
	resp, err := f.service.Export(ctx, structOf(t, map[string]any{"format": "csv"}))
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	content := resp.Fields["content"].GetStringValue()
	lines := strings.Split(strings.TrimSpace(content), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[0], "id,correlation_id,timestamp") || !strings.Contains(lines[1], "command.completed") {
		t.Fatalf("unexpected export:\n%s", content)
	}
}

func TestSystemHealthAndBuffers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.service.SystemHealth(ctx, nil)
	if err != nil {
		t.Fatalf("system health: %v", err)
	}
	if resp.Fields["health_percentage"].GetNumberValue() != 100 || resp.Fields["alert"].GetBoolValue() {
		t.Fatalf("expected a healthy empty system, got %v", resp)
	}

	resp, err = f.service.Flush(ctx, nil)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	var buffers sink.BufferStatus
	decode(t, resp, &buffers)
	if buffers.Async || buffers.Capacity != 100 || !buffers.Enabled {
		t.Fatalf("unexpected buffer status: %+v", buffers)
	}

	bare := NewTelemetryService(nil, nil, nil, nil)
	if _, err := bare.SystemHealth(ctx, nil); status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("expected failed precondition, got %v", err)
	}
	if _, err := bare.RecordEvent(ctx, structOf(t, map[string]any{"event_name": "x"})); status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("expected failed precondition, got %v", err)
	}
}

func TestMetricsOverGRPC(t *testing.T) {
	f := newFixture(t)
	server, err := api.NewServer(config.ServerConfig{Address: "127.0.0.1:0"}, f.service)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	go func() { _ = server.Start() }()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}()

	conn, err := grpc.NewClient(server.Address(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	client := api.NewTelemetryClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	base := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	for i, v := range []float64{10, 20, 30, 40} {
		req := map[string]any{
			"metric_name": "llm.duration_ms",
			"metric_type": "histogram",
			"value":       v,
			"labels":      map[string]string{"component": "openai"},
			"timestamp":   base.Add(time.Duration(i) * time.Minute),
		}
		if err := client.Invoke(ctx, api.MethodRecordMetric, req, nil); err != nil {
			t.Fatalf("record metric: %v", err)
		}
	}

	var agg query.MetricAggregation
	if err := client.Invoke(ctx, api.MethodMetricAggregation, map[string]any{"metric_name": "llm.duration_ms", "aggregation": "percentiles"}, &agg); err != nil {
		t.Fatalf("aggregation: %v", err)
	}
	if agg.Count != 4 || agg.Percentiles["p50"] != 25 {
		t.Fatalf("unexpected aggregation: %+v", agg)
	}

	var series struct {
		Points []query.TimeSeriesPoint `json:"points"`
	}
	if err := client.Invoke(ctx, api.MethodMetricTimeSeries, map[string]any{"metric_name": "llm.duration_ms", "interval": "5m"}, &series); err != nil {
		t.Fatalf("time series: %v", err)
	}
	if len(series.Points) != 1 || series.Points[0].Count != 4 || series.Points[0].Avg != 25 {
		t.Fatalf("unexpected series: %+v", series.Points)
	}

	err = client.Invoke(ctx, api.MethodMetricTimeSeries, map[string]any{"metric_name": "llm.duration_ms", "interval": "2m"}, nil)
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected invalid argument over the wire, got %v", err)
	}
}
