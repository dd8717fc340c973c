// Package backends opens the store selected by configuration.
package backends

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/miradorstack/mirador-telemetry/internal/config"
	"github.com/miradorstack/mirador-telemetry/internal/models"
	"github.com/miradorstack/mirador-telemetry/internal/store"
	"github.com/miradorstack/mirador-telemetry/internal/store/badgerstore"
	"github.com/miradorstack/mirador-telemetry/internal/store/memory"
	"github.com/miradorstack/mirador-telemetry/internal/store/postgres"
)

// Open returns the configured store. Postgres schemas are migrated first
// when storage.migrateOnStart is set. A positive operation timeout bounds
// every store call.
func Open(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (store.Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var (
		st  store.Store
		err error
	)
	switch cfg.Driver {
	case "", "memory":
		st = memory.New()
	case "badger":
		st, err = badgerstore.Open(badgerstore.Config{
			Path:       cfg.BadgerPath,
			InMemory:   cfg.BadgerInMemory,
			SyncWrites: cfg.BadgerSync,
			Logger:     logger,
		})
	case "postgres":
		if cfg.MigrateOnStart {
			if err := postgres.Migrate(ctx, cfg.DSN, logger); err != nil {
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
		st, err = postgres.Open(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Driver, err)
	}
	logger.Info("telemetry store opened", slog.String("driver", cfg.Driver))
	if cfg.OperationTimout > 0 {
		return WithTimeout(st, cfg.OperationTimout), nil
	}
	return st, nil
}

// WithTimeout bounds every call on st by d.
func WithTimeout(st store.Store, d time.Duration) store.Store {
	return &timeoutStore{next: st, timeout: d}
}

type timeoutStore struct {
	next    store.Store
	timeout time.Duration
}

func (t *timeoutStore) ctx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, t.timeout)
}

func (t *timeoutStore) InsertEvents(ctx context.Context, events []models.TelemetryEvent) error {
	ctx, cancel := t.ctx(ctx)
	defer cancel()
	return t.next.InsertEvents(ctx, events)
}

func (t *timeoutStore) InsertMetrics(ctx context.Context, metrics []models.TelemetryMetric) error {
	ctx, cancel := t.ctx(ctx)
	defer cancel()
	return t.next.InsertMetrics(ctx, metrics)
}

func (t *timeoutStore) InsertHealthCheck(ctx context.Context, record models.HealthCheckRecord) error {
	ctx, cancel := t.ctx(ctx)
	defer cancel()
	return t.next.InsertHealthCheck(ctx, record)
}

func (t *timeoutStore) InsertPerformanceSnapshot(ctx context.Context, snapshot models.PerformanceSnapshot) error {
	ctx, cancel := t.ctx(ctx)
	defer cancel()
	return t.next.InsertPerformanceSnapshot(ctx, snapshot)
}

func (t *timeoutStore) UpsertChain(ctx context.Context, update models.ChainUpdate) (models.CorrelationChain, error) {
	ctx, cancel := t.ctx(ctx)
	defer cancel()
	return t.next.UpsertChain(ctx, update)
}

func (t *timeoutStore) ListEvents(ctx context.Context, filter models.EventFilter) ([]models.TelemetryEvent, error) {
	ctx, cancel := t.ctx(ctx)
	defer cancel()
	return t.next.ListEvents(ctx, filter)
}

func (t *timeoutStore) ListMetrics(ctx context.Context, filter models.MetricFilter) ([]models.TelemetryMetric, error) {
	ctx, cancel := t.ctx(ctx)
	defer cancel()
	return t.next.ListMetrics(ctx, filter)
}

func (t *timeoutStore) ListHealthChecks(ctx context.Context, filter models.HealthFilter) ([]models.HealthCheckRecord, error) {
	ctx, cancel := t.ctx(ctx)
	defer cancel()
	return t.next.ListHealthChecks(ctx, filter)
}

func (t *timeoutStore) ListPerformanceSnapshots(ctx context.Context, filter models.PerformanceFilter) ([]models.PerformanceSnapshot, error) {
	ctx, cancel := t.ctx(ctx)
	defer cancel()
	return t.next.ListPerformanceSnapshots(ctx, filter)
}

func (t *timeoutStore) GetChain(ctx context.Context, chainID string) (models.CorrelationChain, error) {
	ctx, cancel := t.ctx(ctx)
	defer cancel()
	return t.next.GetChain(ctx, chainID)
}

func (t *timeoutStore) ListChains(ctx context.Context, filter models.ChainFilter) ([]models.CorrelationChain, error) {
	ctx, cancel := t.ctx(ctx)
	defer cancel()
	return t.next.ListChains(ctx, filter)
}

func (t *timeoutStore) Ping(ctx context.Context) error {
	ctx, cancel := t.ctx(ctx)
	defer cancel()
	return t.next.Ping(ctx)
}

func (t *timeoutStore) Close() error {
	return t.next.Close()
}
