package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/ejscreen-cli/internal/percentile"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	spec       TEXT NOT NULL,
	level      TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'running',
	summary    TEXT,
	error      TEXT,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS lookups (
	run_id   TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	region   TEXT NOT NULL,
	col      TEXT NOT NULL,
	position INTEGER NOT NULL,
	valid    INTEGER NOT NULL,
	count    INTEGER NOT NULL,
	mean     REAL,
	vals     TEXT,
	PRIMARY KEY (run_id, region, col)
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRun(ctx context.Context, spec RunSpec) (*Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	specJSON, err := json.Marshal(spec)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal run spec")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, spec, level, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, string(specJSON), spec.Level, string(RunStatusRunning), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}

	return &Run{
		ID:        id,
		Spec:      spec,
		Status:    RunStatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, runID string, summary RunSummary) error {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal summary")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET summary = ?, status = ?, updated_at = ? WHERE id = ?`,
		string(summaryJSON), string(RunStatusComplete), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) FailRun(ctx context.Context, runID string, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET error = ?, status = ?, updated_at = ? WHERE id = ?`,
		msg, string(RunStatusFailed), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, spec, status, summary, error, created_at, updated_at FROM runs WHERE id = ?`,
		runID,
	)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: run %s", runID)
	}
	return r, err
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	query := `SELECT id, spec, status, summary, error, created_at, updated_at FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Level != "" {
		query += ` AND level = ?`
		args = append(args, filter.Level)
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, listLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) SaveLookup(ctx context.Context, runID string, l *percentile.Lookup) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin save lookup")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO lookups (run_id, region, col, position, valid, count, mean, vals) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare save lookup")
	}
	defer stmt.Close()

	err = eachTable(l, func(region, col string, pos int, t percentile.Table) error {
		mean, vals, err := encodeTable(t)
		if err != nil {
			return err
		}
		_, err = stmt.ExecContext(ctx, runID, region, col, pos, t.Valid, t.Count, mean, vals)
		return eris.Wrapf(err, "sqlite: insert lookup %s/%s", region, col)
	})
	if err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit save lookup")
}

func (s *SQLiteStore) GetLookup(ctx context.Context, runID, region, column string) (*percentile.Table, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT valid, count, mean, vals FROM lookups WHERE run_id = ? AND region = ? AND col = ?`,
		runID, region, column,
	)

	var (
		valid bool
		count int
		mean  sql.NullFloat64
		vals  sql.NullString
	)
	err := row.Scan(&valid, &count, &mean, &vals)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: lookup %s/%s/%s", runID, region, column)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get lookup")
	}
	return decodeTable(valid, count, mean, vals)
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*Run, error) {
	var r Run
	var specJSON string
	var summaryJSON, errMsg sql.NullString

	err := row.Scan(&r.ID, &specJSON, &r.Status, &summaryJSON, &errMsg, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: scan run")
	}
	if err := decodeRun(&r, specJSON, summaryJSON); err != nil {
		return nil, err
	}
	r.Error = errMsg.String
	return &r, nil
}

func decodeRun(r *Run, specJSON string, summaryJSON sql.NullString) error {
	if err := json.Unmarshal([]byte(specJSON), &r.Spec); err != nil {
		return eris.Wrap(err, "store: unmarshal run spec")
	}
	if summaryJSON.Valid && summaryJSON.String != "" {
		r.Summary = &RunSummary{}
		if err := json.Unmarshal([]byte(summaryJSON.String), r.Summary); err != nil {
			return eris.Wrap(err, "store: unmarshal summary")
		}
	}
	return nil
}

// eachTable visits every table of l in block then column order.
func eachTable(l *percentile.Lookup, fn func(region, col string, pos int, t percentile.Table) error) error {
	for _, b := range l.Blocks {
		for pos, col := range b.Columns {
			if err := fn(b.Region, col, pos, b.Tables[col]); err != nil {
				return err
			}
		}
	}
	return nil
}

// encodeTable stores the 101 values as a JSON array; invalid tables store
// neither mean nor values.
func encodeTable(t percentile.Table) (sql.NullFloat64, sql.NullString, error) {
	if !t.Valid {
		return sql.NullFloat64{}, sql.NullString{}, nil
	}
	data, err := json.Marshal(t.Values)
	if err != nil {
		return sql.NullFloat64{}, sql.NullString{}, eris.Wrap(err, "store: marshal lookup values")
	}
	return sql.NullFloat64{Float64: t.Mean, Valid: true}, sql.NullString{String: string(data), Valid: true}, nil
}

func decodeTable(valid bool, count int, mean sql.NullFloat64, vals sql.NullString) (*percentile.Table, error) {
	t := &percentile.Table{Valid: valid, Count: count, Mean: mean.Float64}
	if !valid {
		return t, nil
	}
	if err := json.Unmarshal([]byte(vals.String), &t.Values); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal lookup values")
	}
	return t, nil
}
