package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ejscreen-cli/internal/frame"
)

// Publish modes.
const (
	ModeReplace = "replace" // truncate, then COPY every row
	ModeUpsert  = "upsert"  // merge rows on the key column
)

// GeometryColumn is the column holding EWKB geometry when published.
const GeometryColumn = "geom"

// PublishOptions configures Publish.
type PublishOptions struct {
	Table     string // optionally schema-qualified
	Mode      string // replace (default) or upsert
	KeyColumn string // primary key column; required for upsert

	// Geometry, when set, adds a geometry column filled by looking up each
	// row's key column value.
	Geometry map[string][]byte
}

// Publish creates the target table if needed (column types follow the frame
// kinds) and loads every row of f.
func Publish(ctx context.Context, pool Pool, f *frame.Frame, opts PublishOptions) (int64, error) {
	if opts.Table == "" {
		return 0, eris.New("db: publish: no table")
	}
	if opts.Mode == "" {
		opts.Mode = ModeReplace
	}
	if opts.Mode != ModeReplace && opts.Mode != ModeUpsert {
		return 0, eris.Errorf("db: publish: unknown mode %q", opts.Mode)
	}
	if opts.Mode == ModeUpsert && opts.KeyColumn == "" {
		return 0, eris.New("db: publish: upsert needs a key column")
	}

	columns := append([]string(nil), f.Names()...)
	cols := make([]frame.Column, len(columns))
	for i, n := range columns {
		cols[i], _ = f.Column(n)
	}

	var keys frame.Texts
	if opts.Geometry != nil {
		if opts.KeyColumn == "" {
			return 0, eris.New("db: publish: geometry needs a key column")
		}
		k, err := f.Texts(opts.KeyColumn)
		if err != nil {
			return 0, eris.Wrap(err, "db: publish: key column")
		}
		keys = k
		columns = append(columns, GeometryColumn)
	}

	src := pgx.CopyFromSlice(f.Len(), func(i int) ([]any, error) {
		row := make([]any, 0, len(columns))
		for _, c := range cols {
			row = append(row, c.Value(i))
		}
		if keys != nil {
			var g any
			if keys[i].Valid {
				if wkb, ok := opts.Geometry[keys[i].String]; ok {
					g = wkb
				}
			}
			row = append(row, g)
		}
		return row, nil
	})

	createSQL := CreateTableSQL(opts.Table, f, opts.KeyColumn, opts.Geometry != nil)
	log := zap.L().With(zap.String("table", opts.Table), zap.String("mode", opts.Mode))

	var (
		n   int64
		err error
	)
	switch opts.Mode {
	case ModeUpsert:
		if _, err := pool.Exec(ctx, createSQL); err != nil {
			return 0, eris.Wrapf(err, "db: publish: create %s", opts.Table)
		}
		n, err = BulkUpsert(ctx, pool, UpsertConfig{
			Table:        opts.Table,
			Columns:      columns,
			ConflictKeys: []string{opts.KeyColumn},
		}, src)
	default:
		n, err = replace(ctx, pool, createSQL, opts.Table, columns, src)
	}
	if err != nil {
		return 0, err
	}

	log.Info("db: published", zap.Int64("rows", n))
	return n, nil
}

func replace(ctx context.Context, pool Pool, createSQL, table string, columns []string, src pgx.CopyFromSource) (int64, error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: publish: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, createSQL); err != nil {
		return 0, eris.Wrapf(err, "db: publish: create %s", table)
	}
	if _, err := tx.Exec(ctx, "TRUNCATE "+sanitizeTable(table)); err != nil {
		return 0, eris.Wrapf(err, "db: publish: truncate %s", table)
	}
	n, err := copyRows(ctx, tx, table, columns, src)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "db: publish: commit tx")
	}
	return n, nil
}

// CreateTableSQL returns the CREATE TABLE IF NOT EXISTS statement for f.
func CreateTableSQL(table string, f *frame.Frame, keyColumn string, geometry bool) string {
	defs := make([]string, 0, len(f.Names())+2)
	for _, n := range f.Names() {
		c, _ := f.Column(n)
		def := pgx.Identifier{n}.Sanitize() + " " + sqlType(c.Kind())
		if n == keyColumn {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	if geometry {
		defs = append(defs, fmt.Sprintf("%s geometry(Geometry, 4326)", pgx.Identifier{GeometryColumn}.Sanitize()))
	}
	if keyColumn != "" {
		defs = append(defs, fmt.Sprintf("PRIMARY KEY (%s)", pgx.Identifier{keyColumn}.Sanitize()))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", sanitizeTable(table), strings.Join(defs, ", "))
}

func sqlType(k frame.Kind) string {
	switch k {
	case frame.KindFloat:
		return "DOUBLE PRECISION"
	case frame.KindInt:
		return "BIGINT"
	}
	return "TEXT"
}
