// Package sink buffers, sanitizes and persists telemetry records.
package sink

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/miradorstack/mirador-telemetry/internal/config"
	"github.com/miradorstack/mirador-telemetry/internal/correlation"
	"github.com/miradorstack/mirador-telemetry/internal/metrics"
	"github.com/miradorstack/mirador-telemetry/internal/models"
	"github.com/miradorstack/mirador-telemetry/internal/sanitize"
	"github.com/miradorstack/mirador-telemetry/internal/store"
	"github.com/miradorstack/mirador-telemetry/internal/utils"
)

var tracer = otel.Tracer("github.com/miradorstack/mirador-telemetry/internal/sink")

const (
	defaultEventType = "general"
	defaultComponent = "unknown"
)

// MetricForwarder mirrors persisted metric batches to a secondary backend.
type MetricForwarder interface {
	ForwardMetrics(ctx context.Context, metrics []models.TelemetryMetric) error
}

// BufferStatus is a point-in-time view of the sink buffers.
type BufferStatus struct {
	EventsPending  int  `json:"events_pending"`
	MetricsPending int  `json:"metrics_pending"`
	Capacity       int  `json:"capacity"`
	Async          bool `json:"async"`
	Enabled        bool `json:"enabled"`
	QueueDepth     int  `json:"queue_depth"`
}

// Option customises a Sink.
type Option func(*Sink)

// WithForwarder mirrors metric batches after they persist.
func WithForwarder(f MetricForwarder) Option {
	return func(s *Sink) { s.forwarder = f }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Sink) { s.now = now }
}

type batch struct {
	events  []models.TelemetryEvent
	metrics []models.TelemetryMetric
}

// Sink is the single ingestion point of the pipeline. Events and metrics are
// buffered up to capacity in async mode; everything else persists directly.
type Sink struct {
	writer    store.Writer
	policy    *sanitize.Policy
	perf      config.PerformanceConfig
	forwarder MetricForwarder
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	events   []models.TelemetryEvent
	metrics  []models.TelemetryMetric
	capacity int
	async    bool
	enabled  bool

	seq atomic.Int64

	flushInterval time.Duration
	jobs          chan batch
	stop          chan struct{}
	stopOnce      sync.Once
	done          chan struct{}

	// dispatchMu orders queue sends against worker shutdown.
	dispatchMu sync.RWMutex
	started    bool
	running    bool
}

// New constructs a Sink writing to w.
func New(cfg *config.Config, w store.Writer, policy *sanitize.Policy, logger *slog.Logger, opts ...Option) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	capacity := cfg.Telemetry.BufferSize
	if capacity <= 0 {
		capacity = 1
	}
	queue := cfg.Telemetry.WorkerQueue
	if queue <= 0 {
		queue = 1
	}
	s := &Sink{
		writer:        w,
		policy:        policy,
		perf:          cfg.Performance,
		logger:        logger.With("component", "telemetry_sink"),
		now:           func() time.Time { return time.Now().UTC() },
		capacity:      capacity,
		async:         cfg.Telemetry.AsyncProcessing,
		enabled:       cfg.Telemetry.Enabled,
		flushInterval: cfg.Telemetry.FlushInterval,
		events:        make([]models.TelemetryEvent, 0, capacity),
		metrics:       make([]models.TelemetryMetric, 0, capacity),
		jobs:          make(chan batch, queue),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ClassifyPerformance buckets durationMS against the component thresholds.
func (s *Sink) ClassifyPerformance(component string, durationMS float64) models.PerformanceClass {
	return Classify(s.perf.ThresholdsFor(component), durationMS)
}

// Classify buckets durationMS against t.
func Classify(t config.Thresholds, durationMS float64) models.PerformanceClass {
	switch {
	case durationMS <= t.Fast:
		return models.PerformanceFast
	case durationMS <= t.Normal:
		return models.PerformanceNormal
	case durationMS <= t.Slow:
		return models.PerformanceSlow
	default:
		return models.PerformanceCritical
	}
}

// StoreEvent normalizes and sanitizes ev, then buffers it (async) or
// persists it (sync). Disabled sinks return "" and no error.
func (s *Sink) StoreEvent(ctx context.Context, ev models.TelemetryEvent) (string, error) {
	s.mu.Lock()
	enabled, async := s.enabled, s.async
	s.mu.Unlock()
	if !enabled {
		metrics.ObserveIngest(metrics.KindEvent, metrics.OutcomeDropped)
		return "", nil
	}

	ev = s.normalizeEvent(ctx, ev)

	if !async {
		if err := s.writer.InsertEvents(ctx, []models.TelemetryEvent{ev}); err != nil {
			metrics.ObserveIngest(metrics.KindEvent, metrics.OutcomeError)
			s.logger.Error("persist event failed",
				slog.String("event_name", ev.EventName),
				slog.String("correlation_id", ev.CorrelationID),
				slog.Any("error", err))
			return "", utils.PersistenceError("store event", err)
		}
		metrics.ObserveIngest(metrics.KindEvent, metrics.OutcomeSuccess)
		return ev.ID, nil
	}

	s.mu.Lock()
	s.events = append(s.events, ev)
	var full []models.TelemetryEvent
	if len(s.events) >= s.capacity {
		full = s.events
		s.events = make([]models.TelemetryEvent, 0, s.capacity)
	}
	pending := len(s.events)
	s.mu.Unlock()

	metrics.ObserveIngest(metrics.KindEvent, metrics.OutcomeSuccess)
	metrics.SetBufferPending(metrics.KindEvent, pending)
	if full != nil {
		_ = s.dispatch(ctx, batch{events: full}, true)
	}
	return ev.ID, nil
}

func (s *Sink) normalizeEvent(ctx context.Context, ev models.TelemetryEvent) models.TelemetryEvent {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CorrelationID == "" {
		ev.CorrelationID = correlation.FromContext(ctx)
		if ev.CorrelationID == "" {
			ev.CorrelationID = correlation.NewID()
			s.logger.Debug("generated correlation id for event", slog.String("event_name", ev.EventName))
		}
	}
	if ev.EventType == "" {
		ev.EventType = defaultEventType
	}
	if ev.Component == "" {
		ev.Component = defaultComponent
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.now()
	}
	ev.Timestamp = ev.Timestamp.UTC()
	if level, ok := models.ParseLevel(string(ev.Level)); ok {
		ev.Level = level
	} else {
		if ev.Level != "" {
			s.logger.Debug("unknown level replaced with info", slog.String("level", string(ev.Level)))
		}
		ev.Level = models.LevelInfo
	}
	ev.Message = s.policy.String(ev.Message)
	ev.Metadata = s.policy.Fields(ev.Metadata)
	ev.Context = s.policy.Context(ev.Context)
	ev.Performance = s.policy.Fields(ev.Performance)
	ev.Sequence = s.seq.Add(1)
	return ev
}

// StoreMetric records a metric. The component is taken from the
// "component" label.
func (s *Sink) StoreMetric(ctx context.Context, name string, value float64, labels map[string]string, metricType models.MetricType) (string, error) {
	return s.StoreMetricRecord(ctx, models.TelemetryMetric{
		MetricName: name,
		Value:      value,
		Labels:     labels,
		MetricType: metricType,
	})
}

// StoreMetricRecord is StoreMetric for a fully populated record.
func (s *Sink) StoreMetricRecord(ctx context.Context, m models.TelemetryMetric) (string, error) {
	s.mu.Lock()
	enabled, async := s.enabled, s.async
	s.mu.Unlock()
	if !enabled {
		metrics.ObserveIngest(metrics.KindMetric, metrics.OutcomeDropped)
		return "", nil
	}
	if math.IsNaN(m.Value) || math.IsInf(m.Value, 0) {
		s.logger.Warn("dropping non-finite metric value", slog.String("metric_name", m.MetricName))
		metrics.ObserveIngest(metrics.KindMetric, metrics.OutcomeDropped)
		return "", nil
	}

	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.MetricType = models.ParseMetricType(string(m.MetricType))
	m.Labels = s.policy.Labels(m.Labels)
	if m.Component == "" {
		m.Component = m.Labels["component"]
	}
	if m.Component == "" {
		m.Component = defaultComponent
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = s.now()
	}
	m.Timestamp = m.Timestamp.UTC()

	if !async {
		if err := s.writer.InsertMetrics(ctx, []models.TelemetryMetric{m}); err != nil {
			metrics.ObserveIngest(metrics.KindMetric, metrics.OutcomeError)
			s.logger.Error("persist metric failed", slog.String("metric_name", m.MetricName), slog.Any("error", err))
			return "", utils.PersistenceError("store metric", err)
		}
		metrics.ObserveIngest(metrics.KindMetric, metrics.OutcomeSuccess)
		s.forward(ctx, []models.TelemetryMetric{m})
		return m.ID, nil
	}

	s.mu.Lock()
	s.metrics = append(s.metrics, m)
	var full []models.TelemetryMetric
	if len(s.metrics) >= s.capacity {
		full = s.metrics
		s.metrics = make([]models.TelemetryMetric, 0, s.capacity)
	}
	pending := len(s.metrics)
	s.mu.Unlock()

	metrics.ObserveIngest(metrics.KindMetric, metrics.OutcomeSuccess)
	metrics.SetBufferPending(metrics.KindMetric, pending)
	if full != nil {
		_ = s.dispatch(ctx, batch{metrics: full}, true)
	}
	return m.ID, nil
}

// StoreHealthCheck persists a health check record directly.
func (s *Sink) StoreHealthCheck(ctx context.Context, rec models.HealthCheckRecord) (string, error) {
	if !s.Enabled() {
		return "", nil
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CheckedAt.IsZero() {
		rec.CheckedAt = s.now()
	}
	rec.CheckedAt = rec.CheckedAt.UTC()
	if rec.ResponseTimeMS != nil && *rec.ResponseTimeMS < 0 {
		zero := 0.0
		rec.ResponseTimeMS = &zero
	}
	rec.ErrorMessage = s.policy.String(rec.ErrorMessage)
	rec.Metadata = s.policy.Fields(rec.Metadata)

	if err := s.writer.InsertHealthCheck(ctx, rec); err != nil {
		s.logger.Error("persist health check failed", slog.String("component", rec.Component), slog.Any("error", err))
		return "", utils.PersistenceError("store health check", err)
	}
	return rec.ID, nil
}

// StorePerformanceSnapshot classifies and persists a snapshot directly.
func (s *Sink) StorePerformanceSnapshot(ctx context.Context, snap models.PerformanceSnapshot) (string, error) {
	if !s.Enabled() {
		return "", nil
	}
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	if snap.RecordedAt.IsZero() {
		snap.RecordedAt = s.now()
	}
	snap.RecordedAt = snap.RecordedAt.UTC()
	if snap.DurationMS < 0 || math.IsNaN(snap.DurationMS) {
		s.logger.Debug("clamping invalid duration", slog.String("component", snap.Component), slog.Float64("duration_ms", snap.DurationMS))
		snap.DurationMS = 0
	}
	snap.PerformanceClass = s.ClassifyPerformance(snap.Component, snap.DurationMS)
	snap.ResourceMetrics = s.policy.Fields(snap.ResourceMetrics)

	if err := s.writer.InsertPerformanceSnapshot(ctx, snap); err != nil {
		s.logger.Error("persist performance snapshot failed", slog.String("component", snap.Component), slog.Any("error", err))
		return "", utils.PersistenceError("store performance snapshot", err)
	}
	return snap.ID, nil
}

// UpdateCorrelationChain upserts the chain rooted at correlationID.
func (s *Sink) UpdateCorrelationChain(ctx context.Context, correlationID string, upd models.ChainUpdate) (models.CorrelationChain, error) {
	if !s.Enabled() {
		return models.CorrelationChain{}, nil
	}
	if correlationID == "" {
		correlationID = correlation.FromContext(ctx)
	}
	if upd.ChainID == "" {
		upd.ChainID = correlationID
	}
	if upd.ChainID == "" {
		upd.ChainID = correlation.NewID()
	}
	if upd.RootCorrelationID == "" {
		upd.RootCorrelationID = correlationID
	}
	if upd.At.IsZero() {
		upd.At = s.now()
	}
	if upd.Depth != nil && *upd.Depth < 0 {
		zero := 0
		upd.Depth = &zero
	}
	upd.Metadata = s.policy.Fields(upd.Metadata)

	chain, err := s.writer.UpsertChain(ctx, upd)
	if err != nil {
		s.logger.Error("persist correlation chain failed", slog.String("chain_id", upd.ChainID), slog.Any("error", err))
		return models.CorrelationChain{}, utils.PersistenceError("update correlation chain", err)
	}
	return chain, nil
}

// Flush swaps out both buffers and dispatches their contents. In sync mode
// the batch persists before Flush returns and failures are returned.
func (s *Sink) Flush(ctx context.Context) error {
	s.mu.Lock()
	b := batch{events: s.events, metrics: s.metrics}
	async := s.async
	s.events = make([]models.TelemetryEvent, 0, s.capacity)
	s.metrics = make([]models.TelemetryMetric, 0, s.capacity)
	s.mu.Unlock()

	metrics.SetBufferPending(metrics.KindEvent, 0)
	metrics.SetBufferPending(metrics.KindMetric, 0)
	if len(b.events) == 0 && len(b.metrics) == 0 {
		return nil
	}
	return s.dispatch(ctx, b, async)
}

// dispatch hands b to the worker in async mode, persisting inline when no
// worker runs or its queue is full. Async failures are logged, not returned.
func (s *Sink) dispatch(ctx context.Context, b batch, async bool) error {
	if !async {
		return s.persist(ctx, b)
	}

	s.dispatchMu.RLock()
	if s.running {
		select {
		case s.jobs <- b:
			s.dispatchMu.RUnlock()
			return nil
		default:
			s.logger.Warn("flush queue full, persisting inline",
				slog.Int("events", len(b.events)),
				slog.Int("metrics", len(b.metrics)))
		}
	}
	s.dispatchMu.RUnlock()

	_ = s.persist(ctx, b)
	return nil
}

// persist writes a batch. Events and metrics are written independently.
func (s *Sink) persist(ctx context.Context, b batch) (err error) {
	ctx, span := tracer.Start(ctx, "sink.persist", trace.WithAttributes(
		attribute.Int("telemetry.events", len(b.events)),
		attribute.Int("telemetry.metrics", len(b.metrics)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "persist batch")
		}
		span.End()
	}()

	var errs []error
	if len(b.events) > 0 {
		start := time.Now()
		err := s.writer.InsertEvents(ctx, b.events)
		metrics.ObserveFlush(metrics.KindEvent, time.Since(start), err)
		if err != nil {
			s.logger.Error("event batch failed", slog.Int("events", len(b.events)), slog.Any("error", err))
			errs = append(errs, utils.PersistenceError("flush events", err))
		}
	}
	if len(b.metrics) > 0 {
		start := time.Now()
		err := s.writer.InsertMetrics(ctx, b.metrics)
		metrics.ObserveFlush(metrics.KindMetric, time.Since(start), err)
		if err != nil {
			s.logger.Error("metric batch failed", slog.Int("metrics", len(b.metrics)), slog.Any("error", err))
			errs = append(errs, utils.PersistenceError("flush metrics", err))
		} else {
			s.forward(ctx, b.metrics)
		}
	}
	return errors.Join(errs...)
}

func (s *Sink) forward(ctx context.Context, batch []models.TelemetryMetric) {
	if s.forwarder == nil {
		return
	}
	if err := s.forwarder.ForwardMetrics(ctx, batch); err != nil {
		s.logger.Warn("metric forwarder failed", slog.Int("metrics", len(batch)), slog.Any("error", err))
	}
}

// BufferStatus reports pending counts, capacity and mode.
func (s *Sink) BufferStatus() BufferStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return BufferStatus{
		EventsPending:  len(s.events),
		MetricsPending: len(s.metrics),
		Capacity:       s.capacity,
		Async:          s.async,
		Enabled:        s.enabled,
		QueueDepth:     len(s.jobs),
	}
}

// Enabled reports whether ingestion is on.
func (s *Sink) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// SetEnabled toggles ingestion. Buffered records stay until the next flush.
func (s *Sink) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = enabled
}

// SetAsync toggles buffering. Records already buffered persist on the next
// flush.
func (s *Sink) SetAsync(async bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.async = async
}

// ApplyConfig picks up the runtime-mutable switches of a reloaded config.
// Leaving async mode flushes whatever was buffered.
func (s *Sink) ApplyConfig(ctx context.Context, cfg *config.Config) {
	s.mu.Lock()
	wasAsync := s.async
	s.enabled = cfg.Telemetry.Enabled
	s.async = cfg.Telemetry.AsyncProcessing
	s.mu.Unlock()

	if wasAsync && !cfg.Telemetry.AsyncProcessing {
		if err := s.Flush(ctx); err != nil {
			s.logger.Warn("flush after leaving async mode failed", slog.Any("error", err))
		}
	}
}
