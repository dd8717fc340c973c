package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-telemetry/internal/api"
	"github.com/miradorstack/mirador-telemetry/internal/health"
	"github.com/miradorstack/mirador-telemetry/internal/models"
	"github.com/miradorstack/mirador-telemetry/internal/query"
	"github.com/miradorstack/mirador-telemetry/internal/sink"
	"github.com/miradorstack/mirador-telemetry/internal/store"
	"github.com/miradorstack/mirador-telemetry/internal/utils"
)

// Ingestor is the write side the service forwards producer records to.
type Ingestor interface {
	StoreEvent(ctx context.Context, ev models.TelemetryEvent) (string, error)
	StoreMetricRecord(ctx context.Context, m models.TelemetryMetric) (string, error)
	StoreHealthCheck(ctx context.Context, rec models.HealthCheckRecord) (string, error)
	StorePerformanceSnapshot(ctx context.Context, snap models.PerformanceSnapshot) (string, error)
	UpdateCorrelationChain(ctx context.Context, correlationID string, upd models.ChainUpdate) (models.CorrelationChain, error)
	Flush(ctx context.Context) error
	BufferStatus() sink.BufferStatus
}

// HealthReporter computes the live system health.
type HealthReporter interface {
	SystemHealth(ctx context.Context) health.SystemHealth
}

// TelemetryService implements the gRPC Telemetry service.
type TelemetryService struct {
	api.UnimplementedTelemetryServer

	logger    *slog.Logger
	ingest    Ingestor
	queries   *query.Service
	health    HealthReporter
	latencies *utils.LatencyTracker
	now       func() time.Time
}

var _ api.TelemetryServer = (*TelemetryService)(nil)

// NewTelemetryService constructs the service facade. Any dependency may be
// nil; the methods needing it then fail with FailedPrecondition.
func NewTelemetryService(logger *slog.Logger, ingest Ingestor, queries *query.Service, reporter HealthReporter) *TelemetryService {
	if logger == nil {
		logger = slog.Default()
	}
	return &TelemetryService{
		logger:    logger.With("component", "telemetry_service"),
		ingest:    ingest,
		queries:   queries,
		health:    reporter,
		latencies: utils.NewLatencyTracker(1024),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func invalid(err error) error {
	return status.Error(codes.InvalidArgument, err.Error())
}

// toStatus maps domain errors onto gRPC codes.
func (s *TelemetryService) toStatus(op string, err error) error {
	switch {
	case utils.IsConfigurationError(err):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, store.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, op+": deadline exceeded")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, op+": cancelled")
	}
	s.logger.Error(op+" failed", slog.Any("error", err))
	if errors.Is(err, utils.ErrPersistence) {
		return status.Error(codes.Internal, fmt.Sprintf("%s: %v", op, utils.ErrPersistence))
	}
	return status.Error(codes.Internal, op+" failed")
}

func respond(v any) (*structpb.Struct, error) {
	out, err := api.EncodeStruct(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func (s *TelemetryService) track(start time.Time) {
	s.latencies.Observe(time.Since(start))
	if total := s.latencies.Total(); total%100 == 0 {
		sum := s.latencies.Summary()
		s.logger.Info("request latency",
			slog.Duration("p50", sum.P50),
			slog.Duration("p95", sum.P95),
			slog.Duration("p99", sum.P99),
			slog.Int("samples", sum.Samples))
	}
}

// LatencyP95 returns the current p95 request latency.
func (s *TelemetryService) LatencyP95() time.Duration {
	if s.latencies == nil {
		return 0
	}
	return s.latencies.Percentile(95)
}

func (s *TelemetryService) requireIngest() error {
	if s.ingest == nil {
		return status.Error(codes.FailedPrecondition, "telemetry sink not configured")
	}
	return nil
}

func (s *TelemetryService) requireQueries() error {
	if s.queries == nil {
		return status.Error(codes.FailedPrecondition, "query service not configured")
	}
	return nil
}

// RecordEvent stores one producer event.
func (s *TelemetryService) RecordEvent(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	defer s.track(time.Now())
	if err := s.requireIngest(); err != nil {
		return nil, err
	}
	var ev models.TelemetryEvent
	if err := api.DecodeStruct(req, &ev); err != nil {
		return nil, invalid(err)
	}
	if err := api.ValidateEvent(ev); err != nil {
		return nil, invalid(err)
	}
	id, err := s.ingest.StoreEvent(ctx, ev)
	if err != nil {
		return nil, s.toStatus("record event", err)
	}
	return respond(map[string]any{"id": id})
}

// RecordMetric stores one metric sample.
func (s *TelemetryService) RecordMetric(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	defer s.track(time.Now())
	if err := s.requireIngest(); err != nil {
		return nil, err
	}
	var m models.TelemetryMetric
	if err := api.DecodeStruct(req, &m); err != nil {
		return nil, invalid(err)
	}
	if err := api.ValidateMetric(m); err != nil {
		return nil, invalid(err)
	}
	id, err := s.ingest.StoreMetricRecord(ctx, m)
	if err != nil {
		return nil, s.toStatus("record metric", err)
	}
	return respond(map[string]any{"id": id})
}

// RecordHealthCheck stores one externally produced health check.
func (s *TelemetryService) RecordHealthCheck(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	defer s.track(time.Now())
	if err := s.requireIngest(); err != nil {
		return nil, err
	}
	var rec models.HealthCheckRecord
	if err := api.DecodeStruct(req, &rec); err != nil {
		return nil, invalid(err)
	}
	if err := api.ValidateHealthCheck(rec); err != nil {
		return nil, invalid(err)
	}
	id, err := s.ingest.StoreHealthCheck(ctx, rec)
	if err != nil {
		return nil, s.toStatus("record health check", err)
	}
	return respond(map[string]any{"id": id})
}

// RecordPerformanceSnapshot stores one snapshot; the class is assigned by
// the sink.
func (s *TelemetryService) RecordPerformanceSnapshot(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	defer s.track(time.Now())
	if err := s.requireIngest(); err != nil {
		return nil, err
	}
	var snap models.PerformanceSnapshot
	if err := api.DecodeStruct(req, &snap); err != nil {
		return nil, invalid(err)
	}
	if err := api.ValidateSnapshot(snap); err != nil {
		return nil, invalid(err)
	}
	id, err := s.ingest.StorePerformanceSnapshot(ctx, snap)
	if err != nil {
		return nil, s.toStatus("record performance snapshot", err)
	}
	return respond(map[string]any{"id": id})
}

// UpdateCorrelationChain upserts a chain and returns the merged result.
func (s *TelemetryService) UpdateCorrelationChain(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	defer s.track(time.Now())
	if err := s.requireIngest(); err != nil {
		return nil, err
	}
	var body api.ChainRequest
	if err := api.DecodeStruct(req, &body); err != nil {
		return nil, invalid(err)
	}
	upd, err := body.Update()
	if err != nil {
		return nil, invalid(err)
	}
	chain, err := s.ingest.UpdateCorrelationChain(ctx, body.CorrelationID, upd)
	if err != nil {
		return nil, s.toStatus("update correlation chain", err)
	}
	return respond(chain)
}

// Flush persists the buffered events and metrics.
func (s *TelemetryService) Flush(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	defer s.track(time.Now())
	if err := s.requireIngest(); err != nil {
		return nil, err
	}
	if err := s.ingest.Flush(ctx); err != nil {
		return nil, s.toStatus("flush", err)
	}
	return respond(s.ingest.BufferStatus())
}

// BufferStatus reports the sink buffers.
func (s *TelemetryService) BufferStatus(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.requireIngest(); err != nil {
		return nil, err
	}
	return respond(s.ingest.BufferStatus())
}

// QueryEvents lists filtered events.
func (s *TelemetryService) QueryEvents(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	defer s.track(time.Now())
	filter, err := s.eventFilter(req)
	if err != nil {
		return nil, err
	}
	events, err := s.queries.QueryEvents(ctx, filter)
	if err != nil {
		return nil, s.toStatus("query events", err)
	}
	return respond(eventList(events))
}

// EventsByCorrelation returns the chronological timeline of a correlation id.
func (s *TelemetryService) EventsByCorrelation(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	defer s.track(time.Now())
	if err := s.requireQueries(); err != nil {
		return nil, err
	}
	var body api.EventQuery
	if err := api.DecodeStruct(req, &body); err != nil {
		return nil, invalid(err)
	}
	if body.CorrelationID == "" {
		return nil, status.Error(codes.InvalidArgument, "correlation_id is required")
	}
	events, err := s.queries.EventsByCorrelation(ctx, body.CorrelationID)
	if err != nil {
		return nil, s.toStatus("events by correlation", err)
	}
	return respond(eventList(events))
}

// EventStatistics summarises filtered events.
func (s *TelemetryService) EventStatistics(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	defer s.track(time.Now())
	filter, err := s.eventFilter(req)
	if err != nil {
		return nil, err
	}
	stats, err := s.queries.EventStatistics(ctx, filter)
	if err != nil {
		return nil, s.toStatus("event statistics", err)
	}
	return respond(stats)
}

// QueryMetrics lists filtered metric samples.
func (s *TelemetryService) QueryMetrics(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	defer s.track(time.Now())
	_, filter, err := s.metricQuery(req)
	if err != nil {
		return nil, err
	}
	out, err := s.queries.QueryMetrics(ctx, filter)
	if err != nil {
		return nil, s.toStatus("query metrics", err)
	}
	if out == nil {
		out = []models.TelemetryMetric{}
	}
	return respond(map[string]any{"metrics": out, "count": len(out)})
}

// MetricAggregation aggregates one metric.
func (s *TelemetryService) MetricAggregation(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	defer s.track(time.Now())
	body, filter, err := s.metricQuery(req)
	if err != nil {
		return nil, err
	}
	if body.MetricName == "" {
		return nil, status.Error(codes.InvalidArgument, "metric_name is required")
	}
	res, err := s.queries.MetricAggregation(ctx, body.MetricName, body.Aggregation, filter)
	if err != nil {
		return nil, s.toStatus("metric aggregation", err)
	}
	return respond(res)
}

// MetricTimeSeries buckets one metric, optionally flagging anomalies when
// a threshold is supplied.
func (s *TelemetryService) MetricTimeSeries(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	defer s.track(time.Now())
	body, filter, err := s.metricQuery(req)
	if err != nil {
		return nil, err
	}
	if body.MetricName == "" {
		return nil, status.Error(codes.InvalidArgument, "metric_name is required")
	}
	interval := body.Interval
	if interval == "" {
		interval = "5m"
	}
	series, err := s.queries.MetricTimeSeries(ctx, body.MetricName, interval, filter)
	if err != nil {
		return nil, s.toStatus("metric time series", err)
	}
	if series == nil {
		series = []query.TimeSeriesPoint{}
	}
	resp := map[string]any{"metric_name": body.MetricName, "interval": interval, "points": series}
	if body.Threshold > 0 {
		anomalies := query.DetectAnomalies(series, body.Threshold)
		if anomalies == nil {
			anomalies = []query.MetricAnomaly{}
		}
		resp["anomalies"] = anomalies
	}
	return respond(resp)
}

// HealthStatus reports stored health checks grouped by component.
func (s *TelemetryService) HealthStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	defer s.track(time.Now())
	if err := s.requireQueries(); err != nil {
		return nil, err
	}
	var body api.HealthQuery
	if err := api.DecodeStruct(req, &body); err != nil {
		return nil, invalid(err)
	}
	filter, err := body.Filter(s.now())
	if err != nil {
		return nil, s.invalidOrConfig(err)
	}
	report, err := s.queries.HealthStatus(ctx, filter)
	if err != nil {
		return nil, s.toStatus("health status", err)
	}
	return respond(report)
}

// PerformanceAnalysis summarises stored performance snapshots.
func (s *TelemetryService) PerformanceAnalysis(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	defer s.track(time.Now())
	if err := s.requireQueries(); err != nil {
		return nil, err
	}
	var body api.PerformanceQuery
	if err := api.DecodeStruct(req, &body); err != nil {
		return nil, invalid(err)
	}
	filter, err := body.Filter(s.now())
	if err != nil {
		return nil, s.invalidOrConfig(err)
	}
	report, err := s.queries.PerformanceAnalysis(ctx, filter)
	if err != nil {
		return nil, s.toStatus("performance analysis", err)
	}
	return respond(report)
}

// CorrelationChainAnalysis returns one chain, or the recent chain summary
// when no chain_id is given.
func (s *TelemetryService) CorrelationChainAnalysis(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	defer s.track(time.Now())
	if err := s.requireQueries(); err != nil {
		return nil, err
	}
	var body api.ChainRequest
	if err := api.DecodeStruct(req, &body); err != nil {
		return nil, invalid(err)
	}
	analysis, err := s.queries.CorrelationChainAnalysis(ctx, body.ChainID)
	if err != nil {
		return nil, s.toStatus("correlation chain analysis", err)
	}
	return respond(analysis)
}

// SystemHealth reports the live hysteresis state of registered components.
func (s *TelemetryService) SystemHealth(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	defer s.track(time.Now())
	if s.health == nil {
		return nil, status.Error(codes.FailedPrecondition, "health monitor not configured")
	}
	return respond(s.health.SystemHealth(ctx))
}

// Export renders filtered events as json or csv text.
func (s *TelemetryService) Export(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	defer s.track(time.Now())
	if err := s.requireQueries(); err != nil {
		return nil, err
	}
	var body api.EventQuery
	if err := api.DecodeStruct(req, &body); err != nil {
		return nil, invalid(err)
	}
	filter, err := body.Filter(s.now())
	if err != nil {
		return nil, s.invalidOrConfig(err)
	}
	format := body.Format
	if format == "" {
		format = query.FormatJSON
	}
	var buf bytes.Buffer
	if err := s.queries.Export(ctx, filter, format, &buf); err != nil {
		return nil, s.toStatus("export", err)
	}
	return respond(map[string]any{"format": format, "content": buf.String()})
}

func (s *TelemetryService) invalidOrConfig(err error) error {
	if utils.IsConfigurationError(err) {
		return s.toStatus("parse request", err)
	}
	return invalid(err)
}

func (s *TelemetryService) eventFilter(req *structpb.Struct) (models.EventFilter, error) {
	if err := s.requireQueries(); err != nil {
		return models.EventFilter{}, err
	}
	var body api.EventQuery
	if err := api.DecodeStruct(req, &body); err != nil {
		return models.EventFilter{}, invalid(err)
	}
	filter, err := body.Filter(s.now())
	if err != nil {
		return models.EventFilter{}, s.invalidOrConfig(err)
	}
	return filter, nil
}

func (s *TelemetryService) metricQuery(req *structpb.Struct) (api.MetricQuery, models.MetricFilter, error) {
	if err := s.requireQueries(); err != nil {
		return api.MetricQuery{}, models.MetricFilter{}, err
	}
	var body api.MetricQuery
	if err := api.DecodeStruct(req, &body); err != nil {
		return api.MetricQuery{}, models.MetricFilter{}, invalid(err)
	}
	filter, err := body.Filter(s.now())
	if err != nil {
		return api.MetricQuery{}, models.MetricFilter{}, s.invalidOrConfig(err)
	}
	return body, filter, nil
}

func eventList(events []models.TelemetryEvent) map[string]any {
	if events == nil {
		events = []models.TelemetryEvent{}
	}
	return map[string]any{"events": events, "count": len(events)}
}
