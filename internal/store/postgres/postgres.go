// Package postgres implements the telemetry store on PostgreSQL via pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/miradorstack/mirador-telemetry/internal/models"
	"github.com/miradorstack/mirador-telemetry/internal/store"
)

// Store implements store.Store on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("empty database dsn")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Ping ensures the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// Close releases pooled connections.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func encodeFields(f models.Fields) ([]byte, error) {
	if f == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(f)
}

func decodeFields(data []byte) (models.Fields, error) {
	out := models.Fields{}
	if len(data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func nilIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}

// InsertEvents writes events in one batch.
func (s *Store) InsertEvents(ctx context.Context, events []models.TelemetryEvent) error {
	if len(events) == 0 {
		return nil
	}
	const query = `INSERT INTO telemetry_events (
		id, correlation_id, event_type, event_name, timestamp, component, operation,
		metadata, context, performance, message, level, sequence
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	ON CONFLICT (id) DO NOTHING`
	batch := &pgx.Batch{}
	for _, ev := range events {
		metadata, err := encodeFields(ev.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		evCtx, err := encodeFields(ev.Context)
		if err != nil {
			return fmt.Errorf("encode context: %w", err)
		}
		perf, err := encodeFields(ev.Performance)
		if err != nil {
			return fmt.Errorf("encode performance: %w", err)
		}
		batch.Queue(query,
			ev.ID, ev.CorrelationID, ev.EventType, ev.EventName, ev.Timestamp, ev.Component,
			nilIfEmpty(ev.Operation), metadata, evCtx, perf, nilIfEmpty(ev.Message), string(ev.Level), ev.Sequence,
		)
	}
	return s.sendBatch(ctx, batch, len(events))
}

// InsertMetrics writes metrics in one batch.
func (s *Store) InsertMetrics(ctx context.Context, metrics []models.TelemetryMetric) error {
	if len(metrics) == 0 {
		return nil
	}
	const query = `INSERT INTO telemetry_metrics (
		id, metric_name, component, metric_type, value, labels, timestamp, aggregation_period
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	ON CONFLICT (id) DO NOTHING`
	batch := &pgx.Batch{}
	for _, m := range metrics {
		labels := m.Labels
		if labels == nil {
			labels = map[string]string{}
		}
		encoded, err := json.Marshal(labels)
		if err != nil {
			return fmt.Errorf("encode labels: %w", err)
		}
		batch.Queue(query,
			m.ID, m.MetricName, m.Component, string(m.MetricType), m.Value, encoded, m.Timestamp, nilIfEmpty(m.AggregationPeriod),
		)
	}
	return s.sendBatch(ctx, batch, len(metrics))
}

func (s *Store) sendBatch(ctx context.Context, batch *pgx.Batch, n int) error {
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for i := 0; i < n; i++ {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// InsertHealthCheck writes one health check record.
func (s *Store) InsertHealthCheck(ctx context.Context, r models.HealthCheckRecord) error {
	const query = `INSERT INTO telemetry_health_checks (
		id, component, check_name, is_healthy, error_message, response_time_ms, metadata, checked_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	metadata, err := encodeFields(r.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, query, r.ID, r.Component, r.CheckName, r.IsHealthy, nilIfEmpty(r.ErrorMessage), r.ResponseTimeMS, metadata, r.CheckedAt)
	return err
}

// InsertPerformanceSnapshot writes one snapshot.
func (s *Store) InsertPerformanceSnapshot(ctx context.Context, p models.PerformanceSnapshot) error {
	const query = `INSERT INTO telemetry_performance_snapshots (
		id, component, operation, duration_ms, memory_usage_bytes, cpu_usage_percent, resource_metrics, performance_class, recorded_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	resources, err := encodeFields(p.ResourceMetrics)
	if err != nil {
		return fmt.Errorf("encode resource metrics: %w", err)
	}
	_, err = s.pool.Exec(ctx, query, p.ID, p.Component, p.Operation, p.DurationMS, p.MemoryUsageBytes, p.CPUUsagePercent, resources, string(p.PerformanceClass), p.RecordedAt)
	return err
}

// UpsertChain merges update into the stored chain inside one transaction.
func (s *Store) UpsertChain(ctx context.Context, update models.ChainUpdate) (models.CorrelationChain, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return models.CorrelationChain{}, fmt.Errorf("begin chain upsert: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	merged, err := upsertChain(ctx, tx, update)
	if err != nil {
		return models.CorrelationChain{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.CorrelationChain{}, fmt.Errorf("commit chain upsert: %w", err)
	}
	return merged, nil
}

// chainTx is the subset of pgx.Tx the chain upsert needs.
type chainTx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	// The advisory lock serializes writers of one chain id even before its
	// row exists; FOR UPDATE alone locks nothing on a first insert.
	lockChainSQL   = "SELECT pg_advisory_xact_lock(hashtext($1))"
	selectChainSQL = "SELECT " + chainColumns + " FROM telemetry_correlation_chains WHERE chain_id = $1 FOR UPDATE"
	upsertChainSQL = `INSERT INTO telemetry_correlation_chains (
		chain_id, root_correlation_id, depth, started_at, completed_at, total_events, metadata, status
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	ON CONFLICT (chain_id) DO UPDATE SET
		depth = EXCLUDED.depth,
		completed_at = EXCLUDED.completed_at,
		total_events = EXCLUDED.total_events,
		metadata = EXCLUDED.metadata,
		status = EXCLUDED.status`
)

func upsertChain(ctx context.Context, tx chainTx, update models.ChainUpdate) (models.CorrelationChain, error) {
	if _, err := tx.Exec(ctx, lockChainSQL, update.ChainID); err != nil {
		return models.CorrelationChain{}, fmt.Errorf("lock chain %s: %w", update.ChainID, err)
	}

	var existing *models.CorrelationChain
	current, err := scanChain(tx.QueryRow(ctx, selectChainSQL, update.ChainID))
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return models.CorrelationChain{}, err
	default:
		existing = &current
	}

	merged := update.Apply(existing)
	metadata, err := encodeFields(merged.Metadata)
	if err != nil {
		return models.CorrelationChain{}, fmt.Errorf("encode metadata: %w", err)
	}
	if _, err := tx.Exec(ctx, upsertChainSQL,
		merged.ChainID, merged.RootCorrelationID, merged.Depth, merged.StartedAt, merged.CompletedAt,
		merged.TotalEvents, metadata, string(merged.Status),
	); err != nil {
		return models.CorrelationChain{}, err
	}
	return merged, nil
}

// ListEvents returns matching events.
func (s *Store) ListEvents(ctx context.Context, filter models.EventFilter) ([]models.TelemetryEvent, error) {
	query, args := buildEventQuery(filter)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]models.TelemetryEvent, 0)
	for rows.Next() {
		var (
			ev                    models.TelemetryEvent
			level                 string
			metadata, evCtx, perf []byte
		)
		if err := rows.Scan(
			&ev.ID, &ev.CorrelationID, &ev.EventType, &ev.EventName, &ev.Timestamp, &ev.Component, &ev.Operation,
			&metadata, &evCtx, &perf, &ev.Message, &level, &ev.Sequence,
		); err != nil {
			return nil, err
		}
		ev.Level = models.Level(level)
		if ev.Metadata, err = decodeFields(metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of %s: %w", ev.ID, err)
		}
		if ev.Context, err = decodeFields(evCtx); err != nil {
			return nil, fmt.Errorf("decode context of %s: %w", ev.ID, err)
		}
		if ev.Performance, err = decodeFields(perf); err != nil {
			return nil, fmt.Errorf("decode performance of %s: %w", ev.ID, err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ListMetrics returns matching metrics.
func (s *Store) ListMetrics(ctx context.Context, filter models.MetricFilter) ([]models.TelemetryMetric, error) {
	query, args, err := buildMetricQuery(filter)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	metrics := make([]models.TelemetryMetric, 0)
	for rows.Next() {
		var (
			m          models.TelemetryMetric
			metricType string
			labels     []byte
		)
		if err := rows.Scan(&m.ID, &m.MetricName, &m.Component, &metricType, &m.Value, &labels, &m.Timestamp, &m.AggregationPeriod); err != nil {
			return nil, err
		}
		m.MetricType = models.MetricType(metricType)
		m.Labels = map[string]string{}
		if len(labels) > 0 {
			if err := json.Unmarshal(labels, &m.Labels); err != nil {
				return nil, fmt.Errorf("decode labels of %s: %w", m.ID, err)
			}
		}
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}

// ListHealthChecks returns matching health checks.
func (s *Store) ListHealthChecks(ctx context.Context, filter models.HealthFilter) ([]models.HealthCheckRecord, error) {
	query, args := buildHealthQuery(filter)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]models.HealthCheckRecord, 0)
	for rows.Next() {
		var (
			r        models.HealthCheckRecord
			metadata []byte
		)
		if err := rows.Scan(&r.ID, &r.Component, &r.CheckName, &r.IsHealthy, &r.ErrorMessage, &r.ResponseTimeMS, &metadata, &r.CheckedAt); err != nil {
			return nil, err
		}
		if r.Metadata, err = decodeFields(metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of %s: %w", r.ID, err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// ListPerformanceSnapshots returns matching snapshots.
func (s *Store) ListPerformanceSnapshots(ctx context.Context, filter models.PerformanceFilter) ([]models.PerformanceSnapshot, error) {
	query, args := buildPerformanceQuery(filter)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	snapshots := make([]models.PerformanceSnapshot, 0)
	for rows.Next() {
		var (
			p         models.PerformanceSnapshot
			class     string
			resources []byte
		)
		if err := rows.Scan(&p.ID, &p.Component, &p.Operation, &p.DurationMS, &p.MemoryUsageBytes, &p.CPUUsagePercent, &resources, &class, &p.RecordedAt); err != nil {
			return nil, err
		}
		p.PerformanceClass = models.PerformanceClass(class)
		if p.ResourceMetrics, err = decodeFields(resources); err != nil {
			return nil, fmt.Errorf("decode resource metrics of %s: %w", p.ID, err)
		}
		snapshots = append(snapshots, p)
	}
	return snapshots, rows.Err()
}

// GetChain returns one chain or store.ErrNotFound.
func (s *Store) GetChain(ctx context.Context, chainID string) (models.CorrelationChain, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+chainColumns+" FROM telemetry_correlation_chains WHERE chain_id = $1", chainID)
	chain, err := scanChain(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.CorrelationChain{}, store.ErrNotFound
	}
	return chain, err
}

// ListChains returns matching chains.
func (s *Store) ListChains(ctx context.Context, filter models.ChainFilter) ([]models.CorrelationChain, error) {
	query, args := buildChainQuery(filter)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	chains := make([]models.CorrelationChain, 0)
	for rows.Next() {
		chain, err := scanChain(rows)
		if err != nil {
			return nil, err
		}
		chains = append(chains, chain)
	}
	return chains, rows.Err()
}

func scanChain(row pgx.Row) (models.CorrelationChain, error) {
	var (
		c        models.CorrelationChain
		status   string
		metadata []byte
	)
	if err := row.Scan(&c.ChainID, &c.RootCorrelationID, &c.Depth, &c.StartedAt, &c.CompletedAt, &c.TotalEvents, &metadata, &status); err != nil {
		return models.CorrelationChain{}, err
	}
	c.Status = models.ChainStatus(status)
	fields, err := decodeFields(metadata)
	if err != nil {
		return models.CorrelationChain{}, fmt.Errorf("decode chain metadata: %w", err)
	}
	c.Metadata = fields
	return c, nil
}
