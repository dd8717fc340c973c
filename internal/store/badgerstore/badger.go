// Package badgerstore persists telemetry in an embedded BadgerDB. Records
// are JSON values under "<table>/<unix nanos>/<id>" keys so a time range
// maps onto a key range.
package badgerstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/miradorstack/mirador-telemetry/internal/models"
	"github.com/miradorstack/mirador-telemetry/internal/store"
)

const upsertRetries = 5

// Config controls how the database is opened.
type Config struct {
	Path       string
	InMemory   bool
	SyncWrites bool
	Logger     *slog.Logger
}

// Store implements store.Store on BadgerDB.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
}

var _ store.Store = (*Store)(nil)

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Open opens (or creates) the database.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)

	logger := cfg.Logger
	if logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: logger.With("component", "badger")})
	} else {
		opts = opts.WithLogger(nil)
		logger = slog.Default()
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// OpenInMemory opens a throwaway in-memory database.
func OpenInMemory() (*Store, error) {
	return Open(Config{InMemory: true})
}

func timeKey(table string, ts time.Time, id string) []byte {
	nanos := ts.UnixNano()
	if nanos < 0 {
		nanos = 0
	}
	return []byte(fmt.Sprintf("%s/%020d/%s", table, nanos, id))
}

func chainKey(id string) []byte {
	return []byte(store.TableChains + "/" + id)
}

func putAll[T any](db *badger.DB, table string, items []T, key func(T) (time.Time, string)) error {
	wb := db.NewWriteBatch()
	defer wb.Cancel()
	for _, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("encode %s record: %w", table, err)
		}
		ts, id := key(item)
		if err := wb.Set(timeKey(table, ts, id), data); err != nil {
			return fmt.Errorf("write %s: %w", table, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("flush %s: %w", table, err)
	}
	return nil
}

// scan decodes records of table inside tr that satisfy match.
func scan[T any](db *badger.DB, table string, tr models.TimeRange, match func(T) bool) ([]T, error) {
	prefix := []byte(table + "/")
	start := prefix
	if !tr.Start.IsZero() {
		start = timeKey(table, tr.Start, "")
	}
	var end []byte
	if !tr.End.IsZero() {
		end = append(timeKey(table, tr.End, ""), 0xff)
	}

	out := make([]T, 0)
	err := db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			if end != nil && bytes.Compare(item.Key(), end) > 0 {
				break
			}
			var rec T
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", item.Key(), err)
			}
			if match(rec) {
				out = append(out, rec)
			}
		}
		return nil
	})
	return out, err
}

// InsertEvents writes events in one batch.
func (s *Store) InsertEvents(_ context.Context, events []models.TelemetryEvent) error {
	return putAll(s.db, store.TableEvents, events, func(ev models.TelemetryEvent) (time.Time, string) {
		return ev.Timestamp, ev.ID
	})
}

// InsertMetrics writes metrics in one batch.
func (s *Store) InsertMetrics(_ context.Context, metrics []models.TelemetryMetric) error {
	return putAll(s.db, store.TableMetrics, metrics, func(m models.TelemetryMetric) (time.Time, string) {
		return m.Timestamp, m.ID
	})
}

// InsertHealthCheck writes one health check record.
func (s *Store) InsertHealthCheck(_ context.Context, record models.HealthCheckRecord) error {
	return putAll(s.db, store.TableHealthChecks, []models.HealthCheckRecord{record}, func(r models.HealthCheckRecord) (time.Time, string) {
		return r.CheckedAt, r.ID
	})
}

// InsertPerformanceSnapshot writes one snapshot.
func (s *Store) InsertPerformanceSnapshot(_ context.Context, snapshot models.PerformanceSnapshot) error {
	return putAll(s.db, store.TablePerformance, []models.PerformanceSnapshot{snapshot}, func(p models.PerformanceSnapshot) (time.Time, string) {
		return p.RecordedAt, p.ID
	})
}

// UpsertChain merges update into the stored chain inside a transaction,
// retrying on write conflicts.
func (s *Store) UpsertChain(ctx context.Context, update models.ChainUpdate) (models.CorrelationChain, error) {
	var merged models.CorrelationChain
	var err error
	for attempt := 0; attempt < upsertRetries; attempt++ {
		if ctx.Err() != nil {
			return models.CorrelationChain{}, ctx.Err()
		}
		err = s.db.Update(func(txn *badger.Txn) error {
			var existing *models.CorrelationChain
			item, err := txn.Get(chainKey(update.ChainID))
			switch {
			case errors.Is(err, badger.ErrKeyNotFound):
			case err != nil:
				return err
			default:
				var current models.CorrelationChain
				if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &current) }); err != nil {
					return fmt.Errorf("decode chain %s: %w", update.ChainID, err)
				}
				existing = &current
			}
			merged = update.Apply(existing)
			data, err := json.Marshal(merged)
			if err != nil {
				return fmt.Errorf("encode chain: %w", err)
			}
			return txn.Set(chainKey(update.ChainID), data)
		})
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
		s.logger.Debug("chain upsert conflict, retrying", slog.String("chain_id", update.ChainID), slog.Int("attempt", attempt+1))
	}
	if err != nil {
		return models.CorrelationChain{}, err
	}
	return merged, nil
}

// ListEvents returns matching events.
func (s *Store) ListEvents(_ context.Context, filter models.EventFilter) ([]models.TelemetryEvent, error) {
	out, err := scan(s.db, store.TableEvents, filter.TimeRange, func(ev models.TelemetryEvent) bool {
		return store.MatchEvent(filter, ev)
	})
	if err != nil {
		return nil, err
	}
	store.SortEvents(out, filter.Ascending)
	return store.Truncate(out, filter.Limit), nil
}

// ListMetrics returns matching metrics.
func (s *Store) ListMetrics(_ context.Context, filter models.MetricFilter) ([]models.TelemetryMetric, error) {
	out, err := scan(s.db, store.TableMetrics, filter.TimeRange, func(m models.TelemetryMetric) bool {
		return store.MatchMetric(filter, m)
	})
	if err != nil {
		return nil, err
	}
	store.SortMetrics(out)
	return store.Truncate(out, filter.Limit), nil
}

// ListHealthChecks returns matching health checks.
func (s *Store) ListHealthChecks(_ context.Context, filter models.HealthFilter) ([]models.HealthCheckRecord, error) {
	out, err := scan(s.db, store.TableHealthChecks, filter.TimeRange, func(r models.HealthCheckRecord) bool {
		return store.MatchHealthCheck(filter, r)
	})
	if err != nil {
		return nil, err
	}
	store.SortHealthChecks(out)
	return store.Truncate(out, filter.Limit), nil
}

// ListPerformanceSnapshots returns matching snapshots.
func (s *Store) ListPerformanceSnapshots(_ context.Context, filter models.PerformanceFilter) ([]models.PerformanceSnapshot, error) {
	out, err := scan(s.db, store.TablePerformance, filter.TimeRange, func(p models.PerformanceSnapshot) bool {
		return store.MatchSnapshot(filter, p)
	})
	if err != nil {
		return nil, err
	}
	store.SortSnapshots(out)
	return store.Truncate(out, filter.Limit), nil
}

// GetChain returns one chain or store.ErrNotFound.
func (s *Store) GetChain(_ context.Context, chainID string) (models.CorrelationChain, error) {
	var chain models.CorrelationChain
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(chainKey(chainID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error { return json.Unmarshal(val, &chain) })
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return models.CorrelationChain{}, store.ErrNotFound
	}
	if err != nil {
		return models.CorrelationChain{}, err
	}
	return chain, nil
}

// ListChains returns matching chains.
func (s *Store) ListChains(_ context.Context, filter models.ChainFilter) ([]models.CorrelationChain, error) {
	out, err := scan(s.db, store.TableChains, models.TimeRange{}, func(c models.CorrelationChain) bool {
		return store.MatchChain(filter, c)
	})
	if err != nil {
		return nil, err
	}
	store.SortChains(out)
	return store.Truncate(out, filter.Limit), nil
}

// Ping fails once the database is closed.
func (s *Store) Ping(context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badger database closed")
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
