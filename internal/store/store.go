// Package store defines the durable storage contract for telemetry records.
package store

import (
	"context"
	"errors"

	"github.com/miradorstack/mirador-telemetry/internal/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Table names of the five logical collections.
const (
	TableEvents       = "telemetry_events"
	TableMetrics      = "telemetry_metrics"
	TableHealthChecks = "telemetry_health_checks"
	TablePerformance  = "telemetry_performance_snapshots"
	TableChains       = "telemetry_correlation_chains"
)

// Writer persists telemetry records. Records other than chains are
// immutable once written.
type Writer interface {
	InsertEvents(ctx context.Context, events []models.TelemetryEvent) error
	InsertMetrics(ctx context.Context, metrics []models.TelemetryMetric) error
	InsertHealthCheck(ctx context.Context, record models.HealthCheckRecord) error
	InsertPerformanceSnapshot(ctx context.Context, snapshot models.PerformanceSnapshot) error
	// UpsertChain merges update into the chain keyed by update.ChainID and
	// returns the stored result.
	UpsertChain(ctx context.Context, update models.ChainUpdate) (models.CorrelationChain, error)
}

// Reader answers filtered reads. A zero Limit means unbounded; results are
// newest first unless the filter asks otherwise.
type Reader interface {
	ListEvents(ctx context.Context, filter models.EventFilter) ([]models.TelemetryEvent, error)
	ListMetrics(ctx context.Context, filter models.MetricFilter) ([]models.TelemetryMetric, error)
	ListHealthChecks(ctx context.Context, filter models.HealthFilter) ([]models.HealthCheckRecord, error)
	ListPerformanceSnapshots(ctx context.Context, filter models.PerformanceFilter) ([]models.PerformanceSnapshot, error)
	GetChain(ctx context.Context, chainID string) (models.CorrelationChain, error)
	ListChains(ctx context.Context, filter models.ChainFilter) ([]models.CorrelationChain, error)
}

// Store is a full backend.
type Store interface {
	Writer
	Reader
	Ping(ctx context.Context) error
	Close() error
}
