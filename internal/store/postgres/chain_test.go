package postgres

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-telemetry/internal/models"
)

type recordedStmt struct {
	sql  string
	args []any
}

type fakeTx struct {
	stmts   []recordedStmt
	lockErr error
}

type noRow struct{}

func (noRow) Scan(...any) error { return pgx.ErrNoRows }

func (f *fakeTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.stmts = append(f.stmts, recordedStmt{sql: sql, args: args})
	if sql == lockChainSQL && f.lockErr != nil {
		return pgconn.CommandTag{}, f.lockErr
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeTx) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.stmts = append(f.stmts, recordedStmt{sql: sql, args: args})
	return noRow{}
}

func TestUpsertChainLocksBeforeReading(t *testing.T) {
	tx := &fakeTx{}
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	depth := 1
	merged, err := upsertChain(context.Background(), tx, models.ChainUpdate{
		ChainID:     "req-1",
		Depth:       &depth,
		EventsAdded: 1,
		At:          at,
	})
	require.NoError(t, err)

	require.Len(t, tx.stmts, 3)
	assert.Contains(t, tx.stmts[0].sql, "pg_advisory_xact_lock(hashtext($1))")
	assert.Equal(t, []any{"req-1"}, tx.stmts[0].args)
	assert.True(t, strings.HasSuffix(tx.stmts[1].sql, "FOR UPDATE"))
	assert.True(t, strings.HasPrefix(tx.stmts[2].sql, "INSERT INTO telemetry_correlation_chains"))

	assert.Equal(t, "req-1", merged.ChainID)
	assert.Equal(t, 1, merged.Depth)
	assert.Equal(t, 1, merged.TotalEvents)
	assert.Equal(t, models.ChainActive, merged.Status)
	assert.True(t, merged.StartedAt.Equal(at))
}

func TestUpsertChainStopsWhenLockFails(t *testing.T) {
	tx := &fakeTx{lockErr: errors.New("connection reset")}
	_, err := upsertChain(context.Background(), tx, models.ChainUpdate{ChainID: "req-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lock chain req-1")
	assert.Len(t, tx.stmts, 1)
}
