package sink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/miradorstack/mirador-telemetry/internal/config"
	"github.com/miradorstack/mirador-telemetry/internal/correlation"
	"github.com/miradorstack/mirador-telemetry/internal/models"
	"github.com/miradorstack/mirador-telemetry/internal/sanitize"
	"github.com/miradorstack/mirador-telemetry/internal/store/memory"
	"github.com/miradorstack/mirador-telemetry/internal/utils"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestSink(t *testing.T, mutate func(*config.Config), opts ...Option) (*Sink, *memory.Store) {
	t.Helper()
	cfg := config.Default()
	cfg.Telemetry.FlushInterval = 0
	if mutate != nil {
		mutate(&cfg)
	}
	policy, err := sanitize.New(cfg.Sanitization)
	require.NoError(t, err)
	st := memory.New()
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return New(&cfg, st, policy, nil, opts...), st
}

func event(name string) models.TelemetryEvent {
	return models.TelemetryEvent{EventType: "tool", EventName: name, Component: "grep"}
}

func storedEvents(t *testing.T, st *memory.Store) int {
	t.Helper()
	n, _ := st.Counts()
	return n
}

func TestBufferFlushAtCapacityAndExplicitFlush(t *testing.T) {
	ctx := context.Background()
	s, st := newTestSink(t, func(c *config.Config) {
		c.Telemetry.BufferSize = 5
		c.Telemetry.AsyncProcessing = true
	})

	for i := 0; i < 5; i++ {
		_, err := s.StoreEvent(ctx, event("tool.started"))
		require.NoError(t, err)
	}
	assert.Equal(t, 0, s.BufferStatus().EventsPending)
	assert.Equal(t, 5, storedEvents(t, st))

	for i := 0; i < 3; i++ {
		_, err := s.StoreEvent(ctx, event("tool.completed"))
		require.NoError(t, err)
	}
	assert.Equal(t, 3, s.BufferStatus().EventsPending)
	assert.Equal(t, 5, storedEvents(t, st))

	require.NoError(t, s.Flush(ctx))
	assert.Equal(t, 8, storedEvents(t, st))

	status := s.BufferStatus()
	assert.Equal(t, 0, status.EventsPending)
	assert.Equal(t, 0, status.MetricsPending)
	assert.Equal(t, 5, status.Capacity)
	assert.True(t, status.Async)

	completed, err := st.ListEvents(ctx, models.EventFilter{})
	require.NoError(t, err)
	names := map[string]int{}
	for _, ev := range completed {
		names[ev.EventName]++
	}
	assert.Equal(t, map[string]int{"tool.started": 5, "tool.completed": 3}, names)
}

func TestMetricBufferFlushesIndependently(t *testing.T) {
	ctx := context.Background()
	s, st := newTestSink(t, func(c *config.Config) {
		c.Telemetry.BufferSize = 2
		c.Telemetry.AsyncProcessing = true
	})

	_, err := s.StoreEvent(ctx, event("tool.started"))
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := s.StoreMetric(ctx, "tool.duration_ms", float64(i), map[string]string{"component": "grep"}, models.MetricHistogram)
		require.NoError(t, err)
	}

	events, metrics := st.Counts()
	assert.Equal(t, 0, events)
	assert.Equal(t, 2, metrics)
	assert.Equal(t, 1, s.BufferStatus().EventsPending)
}

func TestSyncModePersistsImmediatelyAndPropagatesFailures(t *testing.T) {
	ctx := context.Background()
	s, st := newTestSink(t, func(c *config.Config) { c.Telemetry.AsyncProcessing = false })

	id, err := s.StoreEvent(ctx, event("tool.started"))
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, 1, storedEvents(t, st))

	st.FailWrites(errors.New("connection refused"))
	id, err = s.StoreEvent(ctx, event("tool.failed"))
	assert.Empty(t, id)
	require.Error(t, err)
	assert.ErrorIs(t, err, utils.ErrPersistence)

	_, err = s.StoreMetric(ctx, "m", 1, nil, models.MetricGauge)
	assert.ErrorIs(t, err, utils.ErrPersistence)
}

func TestAsyncBatchFailureDoesNotReachProducers(t *testing.T) {
	ctx := context.Background()
	s, st := newTestSink(t, func(c *config.Config) {
		c.Telemetry.BufferSize = 2
		c.Telemetry.AsyncProcessing = true
	})
	st.FailWrites(errors.New("disk full"))

	for i := 0; i < 5; i++ {
		id, err := s.StoreEvent(ctx, event("tool.started"))
		require.NoError(t, err)
		assert.NotEmpty(t, id)
	}
	require.NoError(t, s.Flush(ctx))
	assert.Equal(t, 0, s.BufferStatus().EventsPending)

	st.FailWrites(nil)
	assert.Equal(t, 0, storedEvents(t, st), "failed batches are dropped, not retried")
}

func TestWorkerPersistsQueuedBatchesOnClose(t *testing.T) {
	ctx := context.Background()
	s, st := newTestSink(t, func(c *config.Config) {
		c.Telemetry.BufferSize = 5
		c.Telemetry.AsyncProcessing = true
	})
	s.Start(ctx)

	for i := 0; i < 12; i++ {
		_, err := s.StoreEvent(ctx, event("tool.started"))
		require.NoError(t, err)
	}

	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, s.Close(closeCtx))
	assert.Equal(t, 12, storedEvents(t, st))
}

func TestFullQueueFallsBackToInlinePersistence(t *testing.T) {
	ctx := context.Background()
	s, st := newTestSink(t, func(c *config.Config) {
		c.Telemetry.BufferSize = 2
		c.Telemetry.AsyncProcessing = true
		c.Telemetry.WorkerQueue = 1
	})
	// A running worker that never consumes leaves the queue saturated.
	s.dispatchMu.Lock()
	s.running = true
	s.dispatchMu.Unlock()

	for i := 0; i < 4; i++ {
		_, err := s.StoreEvent(ctx, event("tool.started"))
		require.NoError(t, err)
	}
	assert.Equal(t, 1, s.BufferStatus().QueueDepth)
	assert.Equal(t, 2, storedEvents(t, st))

	s.drain(ctx)
	assert.Equal(t, 4, storedEvents(t, st))
}

func TestConcurrentProducers(t *testing.T) {
	ctx := context.Background()
	s, st := newTestSink(t, func(c *config.Config) {
		c.Telemetry.BufferSize = 7
		c.Telemetry.AsyncProcessing = true
	})

	var wg sync.WaitGroup
	for p := 0; p < 50; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				_, _ = s.StoreEvent(ctx, event("tool.started"))
			}
		}()
	}
	wg.Wait()
	require.NoError(t, s.Flush(ctx))

	events, err := st.ListEvents(ctx, models.EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1000)
	seen := make(map[int64]bool, len(events))
	for _, ev := range events {
		assert.False(t, seen[ev.Sequence], "duplicate sequence %d", ev.Sequence)
		seen[ev.Sequence] = true
	}
}

func TestEventNormalizationAndSanitization(t *testing.T) {
	ctx := context.Background()
	s, st := newTestSink(t, func(c *config.Config) {
		c.Telemetry.AsyncProcessing = false
		c.Sanitization.AnonymizeUserData = true
		c.Sanitization.MaxFieldLength = 10
	})

	_, err := s.StoreEvent(ctx, models.TelemetryEvent{
		EventName: "custom",
		Level:     "bogus",
		Metadata:  models.Fields{"api_key": models.String("secret123"), "content": models.String("0123456789abcdef")},
		Context:   models.Fields{"user_id": models.String("u-1"), "tenant": models.String("acme")},
	})
	require.NoError(t, err)

	reqCtx := correlation.Set(ctx, "req-42", nil)
	_, err = s.StoreEvent(reqCtx, event("tool.started"))
	require.NoError(t, err)

	events, err := st.ListEvents(ctx, models.EventFilter{Ascending: true})
	require.NoError(t, err)
	require.Len(t, events, 2)

	first := events[0]
	assert.NotEmpty(t, first.CorrelationID)
	assert.Equal(t, "general", first.EventType)
	assert.Equal(t, "unknown", first.Component)
	assert.Equal(t, models.LevelInfo, first.Level)
	assert.True(t, first.Timestamp.Equal(fixedNow))
	assert.Equal(t, sanitize.RedactedMarker, first.Metadata.Text("api_key"))
	assert.Equal(t, "0123456789"+sanitize.TruncatedMarker, first.Metadata.Text("content"))
	_, hasUser := first.Context["user_id"]
	assert.False(t, hasUser)
	assert.Equal(t, "acme", first.Context.Text("tenant"))

	assert.Equal(t, "req-42", events[1].CorrelationID)
	assert.Greater(t, events[1].Sequence, first.Sequence)
}

func TestDisabledSinkIsNoop(t *testing.T) {
	ctx := context.Background()
	s, st := newTestSink(t, func(c *config.Config) { c.Telemetry.Enabled = false })

	id, err := s.StoreEvent(ctx, event("tool.started"))
	require.NoError(t, err)
	assert.Empty(t, id)
	id, err = s.StoreMetric(ctx, "m", 1, nil, models.MetricCounter)
	require.NoError(t, err)
	assert.Empty(t, id)
	require.NoError(t, s.Flush(ctx))

	events, metrics := st.Counts()
	assert.Zero(t, events)
	assert.Zero(t, metrics)

	s.SetEnabled(true)
	s.SetAsync(false)
	_, err = s.StoreEvent(ctx, event("tool.started"))
	require.NoError(t, err)
	assert.Equal(t, 1, storedEvents(t, st))
}

func TestClassifyPerformance(t *testing.T) {
	s, _ := newTestSink(t, func(c *config.Config) {
		c.Performance.Components = map[string]config.Thresholds{"llm": {Fast: 1000, Normal: 5000, Slow: 20000}}
	})

	cases := []struct {
		component string
		ms        float64
		want      models.PerformanceClass
	}{
		{"grep", 0, models.PerformanceFast},
		{"grep", 100, models.PerformanceFast},
		{"grep", 100.5, models.PerformanceNormal},
		{"grep", 500, models.PerformanceNormal},
		{"grep", 2000, models.PerformanceSlow},
		{"grep", 2000.1, models.PerformanceCritical},
		{"llm", 900, models.PerformanceFast},
		{"llm", 15000, models.PerformanceSlow},
		{"llm", 25000, models.PerformanceCritical},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, s.ClassifyPerformance(tc.component, tc.ms), "%s %.1fms", tc.component, tc.ms)
	}
}

func TestStorePerformanceSnapshotClampsAndClassifies(t *testing.T) {
	ctx := context.Background()
	s, st := newTestSink(t, nil)

	_, err := s.StorePerformanceSnapshot(ctx, models.PerformanceSnapshot{Component: "grep", Operation: "search", DurationMS: -5, PerformanceClass: models.PerformanceCritical})
	require.NoError(t, err)
	_, err = s.StorePerformanceSnapshot(ctx, models.PerformanceSnapshot{Component: "grep", Operation: "index", DurationMS: 750})
	require.NoError(t, err)

	snaps, err := st.ListPerformanceSnapshots(ctx, models.PerformanceFilter{Component: "grep"})
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	byOp := map[string]models.PerformanceSnapshot{}
	for _, snap := range snaps {
		byOp[snap.Operation] = snap
	}
	assert.Equal(t, 0.0, byOp["search"].DurationMS)
	assert.Equal(t, models.PerformanceFast, byOp["search"].PerformanceClass)
	assert.Equal(t, models.PerformanceSlow, byOp["index"].PerformanceClass)
}

func TestStoreHealthCheckClampsResponseTime(t *testing.T) {
	ctx := context.Background()
	s, st := newTestSink(t, nil)
	negative := -3.0

	id, err := s.StoreHealthCheck(ctx, models.HealthCheckRecord{Component: "db", CheckName: "ping", IsHealthy: true, ResponseTimeMS: &negative})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	checks, err := st.ListHealthChecks(ctx, models.HealthFilter{})
	require.NoError(t, err)
	require.Len(t, checks, 1)
	require.NotNil(t, checks[0].ResponseTimeMS)
	assert.Equal(t, 0.0, *checks[0].ResponseTimeMS)
	assert.True(t, checks[0].CheckedAt.Equal(fixedNow))
}

func TestUpdateCorrelationChainUpserts(t *testing.T) {
	ctx := context.Background()
	s, st := newTestSink(t, nil)
	depth := func(n int) *int { return &n }

	_, err := s.UpdateCorrelationChain(ctx, "root", models.ChainUpdate{Depth: depth(1), EventsAdded: 1})
	require.NoError(t, err)
	_, err = s.UpdateCorrelationChain(ctx, "root", models.ChainUpdate{Depth: depth(2), EventsAdded: 3})
	require.NoError(t, err)
	chain, err := s.UpdateCorrelationChain(ctx, "root", models.ChainUpdate{Status: models.ChainFailed})
	require.NoError(t, err)

	assert.Equal(t, "root", chain.ChainID)
	assert.Equal(t, "root", chain.RootCorrelationID)
	assert.Equal(t, 2, chain.Depth)
	assert.Equal(t, 4, chain.TotalEvents)
	assert.Equal(t, models.ChainFailed, chain.Status)
	require.NotNil(t, chain.CompletedAt)

	stored, err := st.GetChain(ctx, "root")
	require.NoError(t, err)
	assert.Equal(t, chain.TotalEvents, stored.TotalEvents)
}

type recordingForwarder struct {
	mu      sync.Mutex
	batches [][]models.TelemetryMetric
	err     error
}

func (f *recordingForwarder) ForwardMetrics(_ context.Context, batch []models.TelemetryMetric) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, batch)
	return f.err
}

func TestForwarderReceivesPersistedMetrics(t *testing.T) {
	ctx := context.Background()
	fwd := &recordingForwarder{err: errors.New("influx unavailable")}
	s, st := newTestSink(t, func(c *config.Config) {
		c.Telemetry.BufferSize = 3
		c.Telemetry.AsyncProcessing = true
	}, WithForwarder(fwd))

	for i := 0; i < 3; i++ {
		_, err := s.StoreMetric(ctx, "llm.tokens", 10, map[string]string{"component": "openai", "api_key": "sk-1"}, models.MetricCounter)
		require.NoError(t, err)
	}

	require.Len(t, fwd.batches, 1)
	assert.Len(t, fwd.batches[0], 3)
	assert.Equal(t, "openai", fwd.batches[0][0].Component)
	assert.Equal(t, sanitize.RedactedMarker, fwd.batches[0][0].Labels["api_key"])
	_, metrics := st.Counts()
	assert.Equal(t, 3, metrics)
}

func TestApplyConfigLeavingAsyncFlushes(t *testing.T) {
	ctx := context.Background()
	s, st := newTestSink(t, func(c *config.Config) {
		c.Telemetry.BufferSize = 10
		c.Telemetry.AsyncProcessing = true
	})
	_, err := s.StoreEvent(ctx, event("tool.started"))
	require.NoError(t, err)
	assert.Equal(t, 0, storedEvents(t, st))

	next := config.Default()
	next.Telemetry.AsyncProcessing = false
	s.ApplyConfig(ctx, &next)

	assert.Equal(t, 1, storedEvents(t, st))
	assert.False(t, s.BufferStatus().Async)
}

func TestPersistRecordsBatchSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	ctx := context.Background()
	s, st := newTestSink(t, func(c *config.Config) {
		c.Telemetry.AsyncProcessing = true
	})

	for i := 0; i < 2; i++ {
		_, err := s.StoreEvent(ctx, event("tool.started"))
		require.NoError(t, err)
	}
	require.NoError(t, s.Flush(ctx))

	st.FailWrites(errors.New("disk full"))
	_, err := s.StoreEvent(ctx, event("tool.failed"))
	require.NoError(t, err)
	require.NoError(t, s.Flush(ctx))

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "sink.persist", spans[0].Name())
	assert.Contains(t, spans[0].Attributes(), attribute.Int("telemetry.events", 2))
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	assert.Equal(t, codes.Error, spans[1].Status().Code)
}
