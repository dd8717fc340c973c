// Package memory implements an in-process telemetry store.
package memory

import (
	"context"
	"sync"

	"github.com/miradorstack/mirador-telemetry/internal/models"
	"github.com/miradorstack/mirador-telemetry/internal/store"
)

// Store keeps records in slices guarded by a RWMutex.
type Store struct {
	mu         sync.RWMutex
	events     []models.TelemetryEvent
	metrics    []models.TelemetryMetric
	checks     []models.HealthCheckRecord
	snapshots  []models.PerformanceSnapshot
	chains     map[string]models.CorrelationChain
	failWrites error
}

var _ store.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{chains: make(map[string]models.CorrelationChain)}
}

// FailWrites makes every subsequent write return err; nil restores writes.
func (s *Store) FailWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWrites = err
}

// InsertEvents appends events.
func (s *Store) InsertEvents(_ context.Context, events []models.TelemetryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites != nil {
		return s.failWrites
	}
	for _, ev := range events {
		ev.Metadata = ev.Metadata.Clone()
		ev.Context = ev.Context.Clone()
		ev.Performance = ev.Performance.Clone()
		s.events = append(s.events, ev)
	}
	return nil
}

// InsertMetrics appends metrics.
func (s *Store) InsertMetrics(_ context.Context, metrics []models.TelemetryMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites != nil {
		return s.failWrites
	}
	for _, m := range metrics {
		labels := make(map[string]string, len(m.Labels))
		for k, v := range m.Labels {
			labels[k] = v
		}
		m.Labels = labels
		s.metrics = append(s.metrics, m)
	}
	return nil
}

// InsertHealthCheck appends a health check record.
func (s *Store) InsertHealthCheck(_ context.Context, record models.HealthCheckRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites != nil {
		return s.failWrites
	}
	record.Metadata = record.Metadata.Clone()
	s.checks = append(s.checks, record)
	return nil
}

// InsertPerformanceSnapshot appends a snapshot.
func (s *Store) InsertPerformanceSnapshot(_ context.Context, snapshot models.PerformanceSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites != nil {
		return s.failWrites
	}
	snapshot.ResourceMetrics = snapshot.ResourceMetrics.Clone()
	s.snapshots = append(s.snapshots, snapshot)
	return nil
}

// UpsertChain merges update into the stored chain.
func (s *Store) UpsertChain(_ context.Context, update models.ChainUpdate) (models.CorrelationChain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites != nil {
		return models.CorrelationChain{}, s.failWrites
	}
	var existing *models.CorrelationChain
	if c, ok := s.chains[update.ChainID]; ok {
		existing = &c
	}
	merged := update.Apply(existing)
	s.chains[update.ChainID] = merged
	return merged, nil
}

// ListEvents returns matching events.
func (s *Store) ListEvents(_ context.Context, filter models.EventFilter) ([]models.TelemetryEvent, error) {
	s.mu.RLock()
	out := make([]models.TelemetryEvent, 0)
	for _, ev := range s.events {
		if store.MatchEvent(filter, ev) {
			out = append(out, ev)
		}
	}
	s.mu.RUnlock()
	store.SortEvents(out, filter.Ascending)
	return store.Truncate(out, filter.Limit), nil
}

// ListMetrics returns matching metrics.
func (s *Store) ListMetrics(_ context.Context, filter models.MetricFilter) ([]models.TelemetryMetric, error) {
	s.mu.RLock()
	out := make([]models.TelemetryMetric, 0)
	for _, m := range s.metrics {
		if store.MatchMetric(filter, m) {
			out = append(out, m)
		}
	}
	s.mu.RUnlock()
	store.SortMetrics(out)
	return store.Truncate(out, filter.Limit), nil
}

// ListHealthChecks returns matching health checks.
func (s *Store) ListHealthChecks(_ context.Context, filter models.HealthFilter) ([]models.HealthCheckRecord, error) {
	s.mu.RLock()
	out := make([]models.HealthCheckRecord, 0)
	for _, r := range s.checks {
		if store.MatchHealthCheck(filter, r) {
			out = append(out, r)
		}
	}
	s.mu.RUnlock()
	store.SortHealthChecks(out)
	return store.Truncate(out, filter.Limit), nil
}

// ListPerformanceSnapshots returns matching snapshots.
func (s *Store) ListPerformanceSnapshots(_ context.Context, filter models.PerformanceFilter) ([]models.PerformanceSnapshot, error) {
	s.mu.RLock()
	out := make([]models.PerformanceSnapshot, 0)
	for _, snap := range s.snapshots {
		if store.MatchSnapshot(filter, snap) {
			out = append(out, snap)
		}
	}
	s.mu.RUnlock()
	store.SortSnapshots(out)
	return store.Truncate(out, filter.Limit), nil
}

// GetChain returns one chain or store.ErrNotFound.
func (s *Store) GetChain(_ context.Context, chainID string) (models.CorrelationChain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chains[chainID]
	if !ok {
		return models.CorrelationChain{}, store.ErrNotFound
	}
	return c, nil
}

// ListChains returns matching chains.
func (s *Store) ListChains(_ context.Context, filter models.ChainFilter) ([]models.CorrelationChain, error) {
	s.mu.RLock()
	out := make([]models.CorrelationChain, 0, len(s.chains))
	for _, c := range s.chains {
		if store.MatchChain(filter, c) {
			out = append(out, c)
		}
	}
	s.mu.RUnlock()
	store.SortChains(out)
	return store.Truncate(out, filter.Limit), nil
}

// Counts reports the number of stored events and metrics.
func (s *Store) Counts() (events, metrics int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events), len(s.metrics)
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }
