package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/ejscreen-cli/internal/db"
	"github.com/sells-group/ejscreen-cli/internal/percentile"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pool, err := db.Connect(ctx, connString, poolCfg.toDB())
	if err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

func (c *PoolConfig) toDB() db.PoolOptions {
	if c == nil {
		return db.PoolOptions{}
	}
	return db.PoolOptions{MaxConns: c.MaxConns, MinConns: c.MinConns}
}

// NewPostgresFromPool wraps an existing pool; Close leaves it open.
func NewPostgresFromPool(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS ejscreen_runs (
	id         TEXT PRIMARY KEY,
	spec       JSONB NOT NULL,
	level      TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'running',
	summary    JSONB,
	error      TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS ejscreen_lookups (
	run_id   TEXT NOT NULL REFERENCES ejscreen_runs(id) ON DELETE CASCADE,
	region   TEXT NOT NULL,
	col      TEXT NOT NULL,
	position INTEGER NOT NULL,
	valid    BOOLEAN NOT NULL,
	count    INTEGER NOT NULL,
	mean     DOUBLE PRECISION,
	vals     DOUBLE PRECISION[],
	PRIMARY KEY (run_id, region, col)
);

CREATE INDEX IF NOT EXISTS idx_ejscreen_runs_status ON ejscreen_runs(status);
CREATE INDEX IF NOT EXISTS idx_ejscreen_runs_created_at ON ejscreen_runs(created_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, spec RunSpec) (*Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	specJSON, err := json.Marshal(spec)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal run spec")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO ejscreen_runs (id, spec, level, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		id, specJSON, spec.Level, string(RunStatusRunning), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}

	return &Run{
		ID:        id,
		Spec:      spec,
		Status:    RunStatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *PostgresStore) CompleteRun(ctx context.Context, runID string, summary RunSummary) error {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal summary")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE ejscreen_runs SET summary = $1, status = $2, updated_at = $3 WHERE id = $4`,
		summaryJSON, string(RunStatusComplete), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

func (s *PostgresStore) FailRun(ctx context.Context, runID string, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE ejscreen_runs SET error = $1, status = $2, updated_at = $3 WHERE id = $4`,
		msg, string(RunStatusFailed), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

const runColumns = `id, spec, status, summary, error, created_at, updated_at`

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	r, err := scanPostgresRun(s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM ejscreen_runs WHERE id = $1`, runID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM ejscreen_runs WHERE 1=1`
	var args []any
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	if filter.Level != "" {
		args = append(args, filter.Level)
		query += fmt.Sprintf(` AND level = $%d`, len(args))
	}
	args = append(args, listLimit(filter.Limit))
	query += fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanPostgresRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

// lookupColumns is the COPY column order of ejscreen_lookups.
var lookupColumns = []string{"run_id", "region", "col", "position", "valid", "count", "mean", "vals"}

// SaveLookup replaces the stored lookup of a run using COPY.
func (s *PostgresStore) SaveLookup(ctx context.Context, runID string, l *percentile.Lookup) error {
	var rows [][]any
	_ = eachTable(l, func(region, col string, pos int, t percentile.Table) error {
		var (
			mean *float64
			vals []float64
		)
		if t.Valid {
			m := t.Mean
			mean = &m
			vals = append([]float64(nil), t.Values[:]...)
		}
		rows = append(rows, []any{runID, region, col, pos, t.Valid, t.Count, mean, vals})
		return nil
	})

	if _, err := s.pool.Exec(ctx, `DELETE FROM ejscreen_lookups WHERE run_id = $1`, runID); err != nil {
		return eris.Wrapf(err, "postgres: clear lookup %s", runID)
	}
	_, err := db.CopyFrom(ctx, s.pool, "ejscreen_lookups", lookupColumns, rows)
	return err
}

func (s *PostgresStore) GetLookup(ctx context.Context, runID, region, column string) (*percentile.Table, error) {
	var (
		valid bool
		count int
		mean  *float64
		vals  []float64
	)
	err := s.pool.QueryRow(ctx,
		`SELECT valid, count, mean, vals FROM ejscreen_lookups WHERE run_id = $1 AND region = $2 AND col = $3`,
		runID, region, column,
	).Scan(&valid, &count, &mean, &vals)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: lookup %s/%s/%s", runID, region, column)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get lookup")
	}

	t := &percentile.Table{Valid: valid, Count: count}
	if !valid {
		return t, nil
	}
	if mean != nil {
		t.Mean = *mean
	}
	if len(vals) != percentile.Points {
		return nil, eris.Errorf("postgres: lookup %s/%s has %d values", region, column, len(vals))
	}
	copy(t.Values[:], vals)
	return t, nil
}

func scanPostgresRun(row pgx.Row) (*Run, error) {
	var r Run
	var specJSON, summaryJSON []byte
	var errMsg *string

	if err := row.Scan(&r.ID, &specJSON, &r.Status, &summaryJSON, &errMsg, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	summary := sql.NullString{String: string(summaryJSON), Valid: summaryJSON != nil}
	if err := decodeRun(&r, string(specJSON), summary); err != nil {
		return nil, err
	}
	if errMsg != nil {
		r.Error = *errMsg
	}
	return &r, nil
}
