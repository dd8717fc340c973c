// Package query answers analytical questions over persisted telemetry.
package query

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/miradorstack/mirador-telemetry/internal/cache"
	"github.com/miradorstack/mirador-telemetry/internal/config"
	"github.com/miradorstack/mirador-telemetry/internal/metrics"
	"github.com/miradorstack/mirador-telemetry/internal/models"
	"github.com/miradorstack/mirador-telemetry/internal/store"
	"github.com/miradorstack/mirador-telemetry/internal/utils"
)

const (
	healthWindow  = 60 * time.Minute
	chainWindow   = 24 * time.Hour
	hourlyBuckets = 24
)

// TimeRangeSpecs lists the accepted relative range names.
var TimeRangeSpecs = []string{"1h", "24h", "7d", "30d"}

var timeRangeDurations = map[string]time.Duration{
	"1h":  time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
}

// ParseTimeRange resolves a relative spec against now. An empty spec is an
// open range.
func ParseTimeRange(spec string, now time.Time) (models.TimeRange, error) {
	if spec == "" {
		return models.TimeRange{}, nil
	}
	d, ok := timeRangeDurations[spec]
	if !ok {
		return models.TimeRange{}, utils.NewConfigurationError("time range", spec, TimeRangeSpecs)
	}
	now = now.UTC()
	return models.TimeRange{Start: now.Add(-d), End: now}, nil
}

// Service is the read-only query surface.
type Service struct {
	reader store.Reader
	cfg    config.QueryConfig
	cache  cache.Provider
	logger *slog.Logger
	now    func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithClock overrides the clock used for relative windows.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New constructs a Service. provider may be nil to disable caching.
func New(reader store.Reader, cfg config.QueryConfig, provider cache.Provider, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if provider == nil {
		provider = cache.NoopProvider{}
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 100
	}
	if cfg.MaxLimit < cfg.DefaultLimit {
		cfg.MaxLimit = max(cfg.DefaultLimit, 10000)
	}
	s := &Service{
		reader: reader,
		cfg:    cfg,
		cache:  provider,
		logger: logger.With("component", "query_service"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Limit resolves a requested limit: non-positive means the default, and
// anything above the maximum is capped.
func (s *Service) Limit(requested int) int {
	switch {
	case requested <= 0:
		return s.cfg.DefaultLimit
	case requested > s.cfg.MaxLimit:
		return s.cfg.MaxLimit
	default:
		return requested
	}
}

func (s *Service) observe(operation string, start time.Time) {
	metrics.ObserveQuery(operation, time.Since(start))
}

// QueryEvents lists matching events, newest first unless the filter asks
// for ascending order.
func (s *Service) QueryEvents(ctx context.Context, filter models.EventFilter) ([]models.TelemetryEvent, error) {
	defer s.observe("query_events", time.Now())
	filter.Limit = s.Limit(filter.Limit)
	events, err := s.reader.ListEvents(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return events, nil
}

// EventsByCorrelation returns every event of one correlation id in
// chronological order, ties broken by insertion sequence.
func (s *Service) EventsByCorrelation(ctx context.Context, correlationID string) ([]models.TelemetryEvent, error) {
	defer s.observe("events_by_correlation", time.Now())
	if correlationID == "" {
		return nil, errors.New("correlation id is required")
	}
	events, err := s.reader.ListEvents(ctx, models.EventFilter{CorrelationID: correlationID, Ascending: true})
	if err != nil {
		return nil, fmt.Errorf("events by correlation: %w", err)
	}
	store.SortEvents(events, true)
	return events, nil
}

// EventStatistics counts the filtered events by type, level and component
// and buckets the last 24 hours. Results are cached by filter.
func (s *Service) EventStatistics(ctx context.Context, filter models.EventFilter) (EventStatistics, error) {
	defer s.observe("event_statistics", time.Now())
	filter.Limit = 0

	key := cacheKey("event_stats", filter)
	ttl := time.Duration(s.cfg.CacheTTLMinutes) * time.Minute
	if ttl > 0 {
		if data, err := s.cache.Get(ctx, key); err == nil {
			var stats EventStatistics
			if err := json.Unmarshal(data, &stats); err == nil {
				return stats, nil
			}
			s.logger.Warn("discarding undecodable cached statistics", slog.String("key", key))
		} else if !errors.Is(err, cache.ErrCacheMiss) {
			s.logger.Warn("statistics cache read failed", slog.Any("error", err))
		}
	}

	events, err := s.reader.ListEvents(ctx, filter)
	if err != nil {
		return EventStatistics{}, fmt.Errorf("event statistics: %w", err)
	}
	stats := computeEventStatistics(events, s.now())

	if ttl > 0 {
		if data, err := json.Marshal(stats); err == nil {
			if err := s.cache.Set(ctx, key, data, ttl); err != nil {
				s.logger.Warn("statistics cache write failed", slog.Any("error", err))
			}
		}
	}
	return stats, nil
}

func computeEventStatistics(events []models.TelemetryEvent, now time.Time) EventStatistics {
	stats := EventStatistics{
		TotalEvents: len(events),
		ByEventType: map[string]int{},
		ByLevel:     map[string]int{},
		ByComponent: map[string]int{},
		GeneratedAt: now,
	}

	current := utils.FloorTime(now, time.Hour)
	first := current.Add(-(hourlyBuckets - 1) * time.Hour)
	stats.Hourly = make([]HourlyCount, hourlyBuckets)
	for i := range stats.Hourly {
		stats.Hourly[i].Hour = first.Add(time.Duration(i) * time.Hour)
	}

	errorsSeen := 0
	for _, ev := range events {
		stats.ByEventType[ev.EventType]++
		stats.ByLevel[string(ev.Level)]++
		stats.ByComponent[ev.Component]++
		if ev.Level.IsError() {
			errorsSeen++
		}
		bucket := utils.FloorTime(ev.Timestamp, time.Hour)
		if idx := int(bucket.Sub(first) / time.Hour); idx >= 0 && idx < hourlyBuckets {
			stats.Hourly[idx].Count++
		}
	}
	if stats.TotalEvents > 0 {
		stats.ErrorRate = float64(errorsSeen) / float64(stats.TotalEvents) * 100
	}
	return stats
}

// cacheKey hashes the JSON form of a filter under a namespace.
func cacheKey(namespace string, filter any) string {
	data, _ := json.Marshal(filter)
	sum := sha256.Sum256(data)
	return namespace + ":" + hex.EncodeToString(sum[:16])
}
