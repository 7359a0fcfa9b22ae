package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ejscreen-cli/internal/percentile"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_GetRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, spec, status, summary, error, created_at, updated_at FROM ejscreen_runs WHERE id = \$1`).
		WithArgs("nonexistent-run").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetRun(context.Background(), "nonexistent-run")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Contains(t, err.Error(), "get run")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)
	msg := "engine: cancelled"

	mock.ExpectQuery(`FROM ejscreen_runs WHERE id = \$1`).
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "spec", "status", "summary", "error", "created_at", "updated_at"}).
			AddRow("run-1", []byte(`{"input":"bg.csv","level":"state"}`), RunStatusFailed, []byte(`{"rows":3}`), &msg, now, now))

	r, err := s.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, "bg.csv", r.Spec.Input)
	assert.Equal(t, RunStatusFailed, r.Status)
	require.NotNil(t, r.Summary)
	assert.Equal(t, 3, r.Summary.Rows)
	assert.Equal(t, msg, r.Error)
	assert.Equal(t, now, r.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO ejscreen_runs`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), "national", "running", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	r, err := s.CreateRun(context.Background(), RunSpec{Input: "bg.csv", Level: "national"})
	require.NoError(t, err)
	assert.NotEmpty(t, r.ID)
	assert.Equal(t, RunStatusRunning, r.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompleteRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE ejscreen_runs SET summary`).
		WithArgs(pgxmock.AnyArg(), "complete", pgxmock.AnyArg(), "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.CompleteRun(context.Background(), "missing", RunSummary{})
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FailRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE ejscreen_runs SET error`).
		WithArgs("boom", "failed", pgxmock.AnyArg(), "run-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.FailRun(context.Background(), "run-1", errors.New("boom")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListRuns_Filter(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`WHERE 1=1 AND status = \$1 AND level = \$2 ORDER BY created_at DESC, id LIMIT \$3`).
		WithArgs("complete", "state", 100).
		WillReturnRows(pgxmock.NewRows([]string{"id", "spec", "status", "summary", "error", "created_at", "updated_at"}))

	runs, err := s.ListRuns(context.Background(), RunFilter{Status: RunStatusComplete, Level: "state"})
	require.NoError(t, err)
	assert.Empty(t, runs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveLookup(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`DELETE FROM ejscreen_lookups WHERE run_id = \$1`).
		WithArgs("run-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"ejscreen_lookups"}, lookupColumns).WillReturnResult(3)

	require.NoError(t, s.SaveLookup(context.Background(), "run-1", testLookup()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetLookup(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	vals := make([]float64, percentile.Points)
	for i := range vals {
		vals[i] = float64(i)
	}
	mean := 50.0
	mock.ExpectQuery(`SELECT valid, count, mean, vals FROM ejscreen_lookups`).
		WithArgs("run-1", "AL", "PM25").
		WillReturnRows(pgxmock.NewRows([]string{"valid", "count", "mean", "vals"}).
			AddRow(true, 101, &mean, vals))

	got, err := s.GetLookup(context.Background(), "run-1", "AL", "PM25")
	require.NoError(t, err)
	assert.True(t, got.Valid)
	assert.Equal(t, 101, got.Count)
	assert.Equal(t, 50.0, got.Mean)
	assert.Equal(t, 100.0, got.Values[100])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetLookup_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM ejscreen_lookups`).
		WithArgs("run-1", "", "PM25").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetLookup(context.Background(), "run-1", "", "PM25")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}
