package db

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ejscreen-cli/internal/frame"
)

func publishFrame(t *testing.T) *frame.Frame {
	t.Helper()
	f := frame.New(2)
	require.NoError(t, f.Set("ID", frame.Texts{frame.Text("010010201001"), frame.Text("010010201002")}))
	require.NoError(t, f.Set("PM25", frame.Floats{frame.Float(8.5), {}}))
	require.NoError(t, f.Set("P_PM25", frame.Ints{frame.Int(34), frame.Int(100)}))
	return f
}

func TestCreateTableSQL(t *testing.T) {
	f := publishFrame(t)
	assert.Equal(t,
		`CREATE TABLE IF NOT EXISTS "ejscreen"."bg" ("ID" TEXT NOT NULL, "PM25" DOUBLE PRECISION, "P_PM25" BIGINT, PRIMARY KEY ("ID"))`,
		CreateTableSQL("ejscreen.bg", f, "ID", false))
	assert.Equal(t,
		`CREATE TABLE IF NOT EXISTS "bg" ("ID" TEXT, "PM25" DOUBLE PRECISION, "P_PM25" BIGINT, "geom" geometry(Geometry, 4326))`,
		CreateTableSQL("bg", f, "", true))
}

func TestPublish_Replace(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS "ejscreen"."bg"`)).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(regexp.QuoteMeta(`TRUNCATE "ejscreen"."bg"`)).WillReturnResult(pgxmock.NewResult("TRUNCATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"ejscreen", "bg"}, []string{"ID", "PM25", "P_PM25"}).WillReturnResult(2)
	mock.ExpectCommit()

	n, err := Publish(context.Background(), mock, publishFrame(t), PublishOptions{Table: "ejscreen.bg"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPublish_ReplaceCopyFails(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("TRUNCATE").WillReturnResult(pgxmock.NewResult("TRUNCATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"bg"}, []string{"ID", "PM25", "P_PM25"}).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err = Publish(context.Background(), mock, publishFrame(t), PublishOptions{Table: "bg"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY INTO bg")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPublish_UpsertWithGeometry(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cols := []string{"ID", "PM25", "P_PM25", GeometryColumn}
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_ejscreen_bg"}, cols).WillReturnResult(2)
	mock.ExpectExec(regexp.QuoteMeta(`ON CONFLICT ("ID") DO UPDATE SET "PM25" = EXCLUDED."PM25"`)).WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := Publish(context.Background(), mock, publishFrame(t), PublishOptions{
		Table:     "ejscreen.bg",
		Mode:      ModeUpsert,
		KeyColumn: "ID",
		Geometry:  map[string][]byte{"010010201001": {0x01}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPublish_InvalidOptions(t *testing.T) {
	f := publishFrame(t)
	tests := []struct {
		name string
		opts PublishOptions
	}{
		{"no table", PublishOptions{}},
		{"unknown mode", PublishOptions{Table: "bg", Mode: "append"}},
		{"upsert without key", PublishOptions{Table: "bg", Mode: ModeUpsert}},
		{"geometry without key", PublishOptions{Table: "bg", Geometry: map[string][]byte{}}},
		{"geometry key not text", PublishOptions{Table: "bg", KeyColumn: "PM25", Geometry: map[string][]byte{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Publish(context.Background(), nil, f, tt.opts)
			assert.Error(t, err)
		})
	}
}

func TestBulkUpsert_Validation(t *testing.T) {
	_, err := BulkUpsert(context.Background(), nil, UpsertConfig{Table: "bg", ConflictKeys: []string{"ID"}}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")

	_, err = BulkUpsert(context.Background(), nil, UpsertConfig{Table: "bg", Columns: []string{"ID"}}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conflict keys specified")
}

func TestUpsertSQL(t *testing.T) {
	got := upsertSQL(UpsertConfig{Table: "ejscreen.bg", Columns: []string{"ID"}, ConflictKeys: []string{"ID"}}, "_tmp")
	assert.Equal(t, `INSERT INTO "ejscreen"."bg" ("ID") SELECT "ID" FROM "_tmp" ON CONFLICT ("ID") DO NOTHING`, got)

	got = upsertSQL(UpsertConfig{Table: "bg", Columns: []string{"ID", "A", "B"}, ConflictKeys: []string{"ID"}, UpdateCols: []string{"B"}}, "_tmp")
	assert.Contains(t, got, `DO UPDATE SET "B" = EXCLUDED."B"`)
	assert.NotContains(t, got, `"A" = EXCLUDED`)
}
